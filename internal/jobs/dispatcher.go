// Package jobs schedules asynchronous work behind idempotency keys.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/observability"
	"caseline/internal/repo"
)

// Job types scheduled by the case and presence engines.
const (
	TypeOCRImage       = "OCR_IMAGE"
	TypeValidateFields = "VALIDATE_FIELDS"
	TypeAskPendencies  = "ASK_PENDENCIES"
	TypePresenceReview = "PRESENCE_REVIEW"
)

var ErrNotRunning = errors.New("job is not running")

// OnceKey names work that must run at most once per case.
func OnceKey(jobType, caseID string) string {
	return jobType + ":" + caseID
}

// RecurringKey names work that may legitimately repeat; each call at a distinct instant
// yields a distinct key.
func RecurringKey(jobType, caseID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", jobType, caseID, at.UnixMilli())
}

type Request struct {
	TenantID string
	Type     string
	Key      string
	CaseID   string
	Payload  map[string]any
	RunAfter time.Time
}

// Backoff controls how failed deliveries are rescheduled.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 30 * time.Second, Max: time.Hour, Multiplier: 2}
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt)))
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	return d
}

// DefaultLease is how long a claimed job may stay running before another worker can claim it.
const DefaultLease = 5 * time.Minute

type Dispatcher struct {
	Repo    repo.Repo
	Logger  *slog.Logger
	Now     func() time.Time
	Backoff Backoff
	// Lease overrides DefaultLease.
	Lease time.Duration
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Enqueue inserts the job unless its key is already scheduled for the tenant.
// A duplicate key is reported as (false, nil); any other store failure is returned.
func (d Dispatcher) Enqueue(ctx context.Context, req Request) (bool, error) {
	if req.TenantID == "" || req.Type == "" || strings.TrimSpace(req.Key) == "" {
		return false, errors.New("tenant, type and idempotency key are required")
	}
	now := repo.Timestamp(d.now())
	runAfter := now
	if !req.RunAfter.IsZero() {
		runAfter = repo.Timestamp(req.RunAfter)
	}
	job := domain.Job{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.TenantID+"|"+req.Key)).String(),
		TenantID:       req.TenantID,
		Type:           req.Type,
		IdempotencyKey: req.Key,
		Payload:        req.Payload,
		Status:         domain.JobPending,
		RunAfter:       runAfter,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.CaseID != "" {
		job.CaseID = &req.CaseID
	}
	err := d.Repo.InsertJob(ctx, job)
	switch {
	case err == nil:
		observability.ObserveEnqueue(req.Type, "inserted")
		return true, nil
	case db.IsUniqueViolation(err):
		observability.ObserveEnqueue(req.Type, "duplicate")
		d.logger().InfoContext(ctx, "job already scheduled",
			"tenant_id", req.TenantID,
			"type", req.Type,
			"idempotency_key", req.Key,
		)
		return false, nil
	default:
		observability.ObserveEnqueue(req.Type, "error")
		d.logger().ErrorContext(ctx, "job enqueue failed",
			"tenant_id", req.TenantID,
			"type", req.Type,
			"idempotency_key", req.Key,
			"error", err,
		)
		return false, fmt.Errorf("enqueue %s: %w", req.Key, err)
	}
}

// Claim hands up to limit due jobs to the caller, optionally restricted to types. Jobs whose
// lease expired while running are claimed again and count as a new attempt.
func (d Dispatcher) Claim(ctx context.Context, tenantID string, types []string, limit int) ([]domain.Job, error) {
	lease := d.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	now := d.now()
	return d.Repo.ClaimJobs(ctx, tenantID, types, repo.Timestamp(now), repo.Timestamp(now.Add(-lease)), limit)
}

// Outcome is what a worker reports for a claimed job.
type Outcome struct {
	OK    bool
	Error string
}

// Complete records the outcome of a running job. Failures are rescheduled with exponential
// backoff until maxAttempts, then the job is marked failed.
func (d Dispatcher) Complete(ctx context.Context, tenantID, jobID string, out Outcome, maxAttempts int) (domain.Job, error) {
	job, err := d.Repo.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobRunning {
		return job, ErrNotRunning
	}
	now := d.now()
	ts := repo.Timestamp(now)
	switch {
	case out.OK:
		err = d.Repo.FinishJob(ctx, tenantID, jobID, domain.JobDone, nil, ts)
	case maxAttempts > 0 && job.Attempts >= maxAttempts:
		msg := out.Error
		err = d.Repo.FinishJob(ctx, tenantID, jobID, domain.JobFailed, &msg, ts)
		d.logger().WarnContext(ctx, "job failed permanently",
			"tenant_id", tenantID,
			"job_id", jobID,
			"type", job.Type,
			"attempts", job.Attempts,
			"error", out.Error,
		)
	default:
		backoff := d.Backoff
		if backoff.Initial <= 0 {
			backoff = DefaultBackoff()
		}
		runAfter := now.Add(backoff.Delay(job.Attempts - 1))
		err = d.Repo.RescheduleJob(ctx, tenantID, jobID, out.Error, repo.Timestamp(runAfter), ts)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return job, ErrNotRunning
	}
	if err != nil {
		return job, err
	}
	return d.Repo.GetJob(ctx, tenantID, jobID)
}
