package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"caseline/internal/engine"
	"caseline/internal/inbound"
	"caseline/internal/logging"
	"caseline/internal/ratelimit"
)

const maxWebhookBody = 1 << 20

// webhookHandler receives provider deliveries. Transport failures (401, 404, 405, 429) answer in
// plain text; payload failures answer with the JSON error envelope.
type webhookHandler struct {
	engine engine.Engine
	limit  *ratelimit.Guard
	logger *slog.Logger
}

type webhookResponse struct {
	OK            bool   `json:"ok"`
	CorrelationID string `json:"correlation_id"`
	CaseID        string `json:"case_id,omitempty"`
	JourneyID     string `json:"journey_id,omitempty"`
	Action        string `json:"action,omitempty"`
}

func (h webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	logger := logging.WithContext(ctx, h.logger)

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &apiError{Code: "bad_request", Detail: "unreadable body"})
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		writeJSON(w, http.StatusBadRequest, &apiError{Code: "bad_request", Detail: "body must be a JSON object"})
		return
	}

	if id := inbound.InstanceID(payload); id != "" && !h.limit.Allow(ctx, id) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	secret := strings.TrimSpace(r.Header.Get("x-webhook-secret"))
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	res, err := h.engine.HandleInbound(ctx, engine.InboundRequest{
		Provider:      chi.URLParam(r, "provider"),
		Payload:       payload,
		Raw:           raw,
		Secret:        secret,
		CorrelationID: r.Header.Get("X-Request-ID"),
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, engine.ErrUnknownInstance):
		http.Error(w, "unknown instance", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrValidation):
		writeJSON(w, http.StatusBadRequest, &apiError{Code: "bad_request", Detail: err.Error()})
		return
	default:
		logger.ErrorContext(ctx, "webhook failed", "provider", chi.URLParam(r, "provider"), "correlation_id", res.CorrelationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, &apiError{Code: "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		OK:            true,
		CorrelationID: res.CorrelationID,
		CaseID:        res.CaseID,
		JourneyID:     res.JourneyID,
		Action:        res.Action,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
