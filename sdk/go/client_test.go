package caselinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimAndCompleteJobs(t *testing.T) {
	var completeBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		switch r.URL.Path {
		case "/v1/tenants/acme/jobs/claim":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []any{"OCR_IMAGE"}, body["types"])
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{
				{"id": "j1", "type": "OCR_IMAGE", "idempotency_key": "OCR_IMAGE:c1", "status": "running", "attempts": 1},
			}})
		case "/v1/tenants/acme/jobs/j1/complete":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&completeBody))
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "j1", "status": "pending", "attempts": 1, "last_error": "ocr timeout"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	c.APIKey = "key-1"
	jobs, err := c.ClaimJobs(context.Background(), []string{"OCR_IMAGE"}, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "OCR_IMAGE:c1", jobs[0].IdempotencyKey)

	job, err := c.CompleteJob(context.Background(), "j1", "ocr timeout")
	require.NoError(t, err)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, false, completeBody["ok"])
	assert.Equal(t, "ocr timeout", completeBody["error"])
}

func TestClockSendsTenantAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/presence/clock", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acme", body["tenantId"])
		assert.Equal(t, -23.5, body["latitude"])
		_ = json.NewEncoder(w).Encode(map[string]any{"punch_type": "ENTRY", "work_state": "EM_EXPEDIENTE"})
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	c.BearerToken = "tok"
	lat, lng := -23.5, -46.6
	res, err := c.Clock(context.Background(), Punch{Latitude: &lat, Longitude: &lng})
	require.NoError(t, err)
	assert.Equal(t, "ENTRY", res.PunchType)
}

func TestErrorsDecodeEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error":"punch_rejected","detail":"outside the geofence"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	_, err := c.Clock(context.Background(), Punch{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "punch_rejected", apiErr.Code)
}
