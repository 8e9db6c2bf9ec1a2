// Package worker delivers queued jobs to the HTTP endpoints configured per tenant and job type.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/jobs"
	"caseline/internal/observability"
	"caseline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 10 * time.Second
	defaultBatch    = 20
)

type Runner struct {
	Repo       repo.Repo
	Dispatcher jobs.Dispatcher
	Client     *http.Client
	Interval   time.Duration
	Batch      int
	Logger     *slog.Logger
}

type delivery struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotency_key"`
	CaseID         *string        `json:"case_id,omitempty"`
	Attempt        int            `json:"attempt"`
	Payload        map[string]any `json:"payload"`
}

func (r Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run polls until ctx is cancelled.
func (r Runner) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger().ErrorContext(ctx, "job runner pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and delivers due jobs for every tenant with endpoints configured. It returns
// the number of jobs delivered successfully.
func (r Runner) RunOnce(ctx context.Context) (int, error) {
	tenants, err := r.Repo.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	delivered := 0
	for _, t := range tenants {
		cfg, err := r.Repo.GetTenantConfig(ctx, t.ID)
		if err != nil {
			r.logger().WarnContext(ctx, "job runner: tenant config unavailable", "tenant_id", t.ID, "error", err)
			continue
		}
		if len(cfg.Jobs.Endpoints) == 0 {
			continue
		}
		n, err := r.runTenant(ctx, t.ID, cfg)
		delivered += n
		if err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

func (r Runner) runTenant(ctx context.Context, tenantID string, cfg *config.Config) (int, error) {
	types := make([]string, 0, len(cfg.Jobs.Endpoints))
	for jobType := range cfg.Jobs.Endpoints {
		types = append(types, jobType)
	}
	sort.Strings(types)
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	claimed, err := r.Dispatcher.Claim(ctx, tenantID, types, batch)
	if err != nil {
		return 0, fmt.Errorf("claim jobs for %s: %w", tenantID, err)
	}
	delivered := 0
	for _, job := range claimed {
		start := time.Now()
		ep := cfg.Jobs.Endpoints[job.Type]
		out := jobs.Outcome{OK: true}
		if err := r.post(ctx, ep, job); err != nil {
			out = jobs.Outcome{Error: err.Error()}
			r.logger().WarnContext(ctx, "job delivery failed",
				"tenant_id", tenantID, "job_id", job.ID, "type", job.Type, "attempt", job.Attempts, "error", err)
		}
		result := "ok"
		if !out.OK {
			result = "error"
		}
		observability.ObserveJobRun(job.Type, result, time.Since(start))
		if _, err := r.Dispatcher.Complete(ctx, tenantID, job.ID, out, cfg.MaxJobAttempts()); err != nil {
			return delivered, fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		if out.OK {
			delivered++
		}
	}
	return delivered, nil
}

func (r Runner) post(ctx context.Context, ep config.EndpointConfig, job domain.Job) error {
	body := delivery{
		ID:             job.ID,
		TenantID:       job.TenantID,
		Type:           job.Type,
		IdempotencyKey: job.IdempotencyKey,
		CaseID:         job.CaseID,
		Attempt:        job.Attempts,
		Payload:        job.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if ep.TimeoutSeconds > 0 {
		timeout = time.Duration(ep.TimeoutSeconds) * time.Second
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseline-Job-Type", job.Type)
	req.Header.Set("X-Caseline-Delivery", job.ID)
	req.Header.Set("X-Caseline-Idempotency-Key", job.IdempotencyKey)
	if strings.TrimSpace(ep.Secret) != "" {
		req.Header.Set("X-Caseline-Secret", ep.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
