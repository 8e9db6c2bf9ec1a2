package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal caseline HTTP API client for job workers and the presence app.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Job is a queued unit of asynchronous work.
type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotency_key"`
	CaseID         *string        `json:"case_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	RunAfter       string         `json:"run_after"`
}

// Case represents the API case model (partial).
type Case struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	JourneyID string         `json:"journey_id"`
	CaseType  string         `json:"case_type"`
	Status    string         `json:"status"`
	State     string         `json:"state"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

type CaseField struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type Pendency struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	AssignedRole string  `json:"assigned_role"`
	Question     string  `json:"question,omitempty"`
	Status       string  `json:"status"`
	AnsweredText *string `json:"answered_text,omitempty"`
}

// CaseDetail is a case with its fields and pendencies.
type CaseDetail struct {
	Case       Case        `json:"case"`
	Fields     []CaseField `json:"fields"`
	Pendencies []Pendency  `json:"pendencies"`
}

// TimelineEvent represents a timeline entry.
type TimelineEvent struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	ActorType  string         `json:"actor_type"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Message    string         `json:"message,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}

// Punch is a clock punch request. Empty PunchType lets the server infer the next punch.
type Punch struct {
	PunchType      string   `json:"punchType,omitempty"`
	Source         string   `json:"source,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty"`
}

// PunchResult is the recorded punch and the day's resulting states.
type PunchResult struct {
	PresenceCaseID string   `json:"presence_case_id"`
	PunchID        string   `json:"punch_id"`
	PunchType      string   `json:"punch_type"`
	Day            string   `json:"day"`
	State          string   `json:"state"`
	WorkState      string   `json:"work_state"`
	Flag           string   `json:"flag,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Detail     string `json:"detail"`
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s detail=%s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ClaimJobs claims up to limit due jobs of the given types.
func (c *Client) ClaimJobs(ctx context.Context, types []string, limit int) ([]Job, error) {
	body := map[string]any{"types": types, "limit": limit}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, c.tenantPath("jobs/claim"), body, &resp)
	return resp.Items, err
}

// CompleteJob reports a claimed job's outcome. A non-empty errMsg marks a failed attempt.
func (c *Client) CompleteJob(ctx context.Context, jobID string, errMsg string) (Job, error) {
	body := map[string]any{"ok": errMsg == ""}
	if errMsg != "" {
		body["error"] = errMsg
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.tenantPath(fmt.Sprintf("jobs/%s/complete", url.PathEscape(jobID))), body, &resp)
	return resp, err
}

// Case fetches a case with its fields and pendencies.
func (c *Client) Case(ctx context.Context, caseID string) (CaseDetail, error) {
	var resp CaseDetail
	err := c.do(ctx, http.MethodGet, c.tenantPath("cases/"+url.PathEscape(caseID)), nil, &resp)
	return resp, err
}

// Timeline returns up to limit events of a case.
func (c *Client) Timeline(ctx context.Context, caseID string, limit int) ([]TimelineEvent, error) {
	endpoint := c.tenantPath(fmt.Sprintf("cases/%s/timeline", url.PathEscape(caseID)))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []TimelineEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Clock records a punch for the employee identified by BearerToken.
func (c *Client) Clock(ctx context.Context, p Punch) (PunchResult, error) {
	body := struct {
		TenantID string `json:"tenantId"`
		Punch
	}{TenantID: c.TenantID, Punch: p}
	var resp PunchResult
	err := c.do(ctx, http.MethodPost, "v1/presence/clock", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v1/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
