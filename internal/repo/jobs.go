package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"caseline/internal/domain"
)

const jobColumns = `id,tenant_id,type,idempotency_key,case_id,payload_json,status,attempts,last_error,run_after,created_at,updated_at`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var caseID, lastErr sql.NullString
	var payload string
	if err := row.Scan(&j.ID, &j.TenantID, &j.Type, &j.IdempotencyKey, &caseID, &payload, &j.Status, &j.Attempts,
		&lastErr, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return j, ErrNotFound
		}
		return j, err
	}
	j.CaseID = nullString(caseID)
	j.LastError = nullString(lastErr)
	j.Payload = decodeMeta(payload)
	return j, nil
}

// InsertJob is a plain insert: a duplicate (tenant, idempotency_key) surfaces as the
// driver's unique violation so the dispatcher can tell it apart from other failures.
func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	if j.Payload == nil {
		payload = []byte("{}")
	}
	_, err = r.exec(ctx, nil, `INSERT INTO job_queue(id,tenant_id,type,idempotency_key,case_id,payload_json,status,attempts,run_after,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,0,?,?,?)`,
		j.ID, j.TenantID, j.Type, j.IdempotencyKey, optional(j.CaseID), string(payload), j.Status, j.RunAfter, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, tenantID, id string) (domain.Job, error) {
	return scanJob(r.queryRow(ctx, nil, `SELECT `+jobColumns+` FROM job_queue WHERE tenant_id=? AND id=?`, tenantID, id))
}

type JobFilter struct {
	Status string
	Type   string
	CaseID string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, tenantID string, f JobFilter) ([]domain.Job, error) {
	var (
		where = []string{"tenant_id=?"}
		args  = []any{tenantID}
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	if f.CaseID != "" {
		where = append(where, "case_id=?")
		args = append(args, f.CaseID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.query(ctx, nil, `SELECT `+jobColumns+` FROM job_queue WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at, id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimJobs moves up to limit due pending jobs, and running jobs not touched since
// staleBefore, to running. Each row is taken with a conditional update on status and
// updated_at so two workers never claim the same job.
func (r Repo) ClaimJobs(ctx context.Context, tenantID string, types []string, now, staleBefore string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + jobColumns + ` FROM job_queue WHERE tenant_id=?
AND ((status='pending' AND run_after<=?) OR (status='running' AND updated_at<=?))`
	args := []any{tenantID, now, staleBefore}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY run_after, created_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	var candidates []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var claimed []domain.Job
	for _, j := range candidates {
		res, err := r.exec(ctx, nil, `UPDATE job_queue SET status='running', attempts=attempts+1, updated_at=?
WHERE tenant_id=? AND id=? AND status=? AND updated_at=?`,
			now, tenantID, j.ID, j.Status, j.UpdatedAt)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j.Status = domain.JobRunning
		j.Attempts++
		j.UpdatedAt = now
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// FinishJob sets the terminal outcome of a running job.
func (r Repo) FinishJob(ctx context.Context, tenantID, id, status string, lastError *string, now string) error {
	res, err := r.exec(ctx, nil, `UPDATE job_queue SET status=?, last_error=?, updated_at=? WHERE tenant_id=? AND id=? AND status='running'`,
		status, optional(lastError), now, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleJob returns a running job to pending with a later run_after.
func (r Repo) RescheduleJob(ctx context.Context, tenantID, id, lastError, runAfter, now string) error {
	res, err := r.exec(ctx, nil, `UPDATE job_queue SET status='pending', last_error=?, run_after=?, updated_at=? WHERE tenant_id=? AND id=? AND status='running'`,
		lastError, runAfter, now, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
