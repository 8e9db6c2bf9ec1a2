package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseline/internal/domain"
)

const caseColumns = `id,tenant_id,journey_id,case_type,status,state,channel,created_by_actor_id,assigned_actor_id,meta_json,created_at,updated_at,deleted_at`

func scanCase(row interface{ Scan(...any) error }) (domain.Case, error) {
	var c domain.Case
	var createdBy, assigned, deleted sql.NullString
	var meta string
	if err := row.Scan(&c.ID, &c.TenantID, &c.JourneyID, &c.CaseType, &c.Status, &c.State, &c.Channel,
		&createdBy, &assigned, &meta, &c.CreatedAt, &c.UpdatedAt, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return c, ErrNotFound
		}
		return c, err
	}
	c.CreatedByActorID = nullString(createdBy)
	c.AssignedActorID = nullString(assigned)
	c.DeletedAt = nullString(deleted)
	c.Meta = decodeMeta(meta)
	return c, nil
}

// InsertCase creates the case unless its id already exists and reports whether it inserted.
func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) (bool, error) {
	meta, err := encodeMeta(c.Meta)
	if err != nil {
		return false, err
	}
	res, err := r.exec(ctx, tx, `INSERT INTO cases(id,tenant_id,journey_id,case_type,status,state,channel,created_by_actor_id,assigned_actor_id,meta_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		c.ID, c.TenantID, c.JourneyID, c.CaseType, c.Status, c.State, c.Channel,
		optional(c.CreatedByActorID), optional(c.AssignedActorID), meta, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetCase(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Case, error) {
	return scanCase(r.queryRow(ctx, tx, `SELECT `+caseColumns+` FROM cases WHERE tenant_id=? AND id=? AND deleted_at IS NULL`, tenantID, id))
}

// LatestOpenCase returns the most recently created open case the actor created in the journey.
// Concurrent inbound events for the same actor may observe each other's writes in either order.
func (r Repo) LatestOpenCase(ctx context.Context, tx *sql.Tx, tenantID, actorID, journeyID string) (domain.Case, error) {
	return scanCase(r.queryRow(ctx, tx, `SELECT `+caseColumns+` FROM cases
WHERE tenant_id=? AND created_by_actor_id=? AND journey_id=? AND deleted_at IS NULL AND status NOT IN ('closed','cancelled')
ORDER BY created_at DESC, id DESC LIMIT 1`, tenantID, actorID, journeyID))
}

// UpdateCaseState moves a case to state. Status follows the terminal states of the journey.
func (r Repo) UpdateCaseState(ctx context.Context, tx *sql.Tx, tenantID, id, state, status, updatedAt string) error {
	res, err := r.exec(ctx, tx, `UPDATE cases SET state=?, status=?, updated_at=? WHERE tenant_id=? AND id=? AND deleted_at IS NULL`,
		state, status, updatedAt, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilter struct {
	Status    string
	State     string
	JourneyID string
	ActorID   string
	Limit     int
}

func (r Repo) ListCases(ctx context.Context, tenantID string, f CaseFilter) ([]domain.Case, error) {
	var (
		where = []string{"tenant_id=?", "deleted_at IS NULL"}
		args  = []any{tenantID}
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.State != "" {
		where = append(where, "state=?")
		args = append(args, f.State)
	}
	if f.JourneyID != "" {
		where = append(where, "journey_id=?")
		args = append(args, f.JourneyID)
	}
	if f.ActorID != "" {
		where = append(where, "created_by_actor_id=?")
		args = append(args, f.ActorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.query(ctx, nil, `SELECT `+caseColumns+` FROM cases WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpsertCaseField writes a case field; the latest write wins.
func (r Repo) UpsertCaseField(ctx context.Context, tx *sql.Tx, tenantID string, f domain.CaseField) error {
	_, err := r.exec(ctx, tx, `INSERT INTO case_fields(case_id,key,tenant_id,value_json,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(case_id, key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
		f.CaseID, f.Key, tenantID, f.ValueJSON, f.UpdatedAt)
	return err
}

func (r Repo) ListCaseFields(ctx context.Context, tenantID, caseID string) ([]domain.CaseField, error) {
	rows, err := r.query(ctx, nil, `SELECT case_id,key,value_json,updated_at FROM case_fields WHERE tenant_id=? AND case_id=? ORDER BY key`, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CaseField
	for rows.Next() {
		var f domain.CaseField
		if err := rows.Scan(&f.CaseID, &f.Key, &f.ValueJSON, &f.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := r.exec(ctx, tx, `INSERT INTO case_attachments(id,tenant_id,case_id,media_url,kind,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`, a.ID, a.TenantID, a.CaseID, a.MediaURL, a.Kind, a.CreatedAt)
	return err
}

func (r Repo) ListAttachments(ctx context.Context, tenantID, caseID string) ([]domain.Attachment, error) {
	rows, err := r.query(ctx, nil, `SELECT id,tenant_id,case_id,media_url,kind,created_at FROM case_attachments WHERE tenant_id=? AND case_id=? ORDER BY created_at, id`, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.CaseID, &a.MediaURL, &a.Kind, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
