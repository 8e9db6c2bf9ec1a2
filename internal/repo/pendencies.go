package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const pendencyColumns = `id,tenant_id,case_id,type,assigned_role,question,required,status,due_at,answered_text,answered_payload_json,answered_at,created_at`

func scanPendency(row interface{ Scan(...any) error }) (domain.Pendency, error) {
	var p domain.Pendency
	var required int
	var due, text, payload, at sql.NullString
	if err := row.Scan(&p.ID, &p.TenantID, &p.CaseID, &p.Type, &p.AssignedRole, &p.Question, &required, &p.Status,
		&due, &text, &payload, &at, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	p.Required = required == 1
	p.DueAt = nullString(due)
	p.AnsweredText = nullString(text)
	p.AnsweredPayloadJSON = nullString(payload)
	p.AnsweredAt = nullString(at)
	return p, nil
}

// InsertPendency creates an open pendency unless its id already exists.
func (r Repo) InsertPendency(ctx context.Context, tx *sql.Tx, p domain.Pendency) (bool, error) {
	res, err := r.exec(ctx, tx, `INSERT INTO pendencies(id,tenant_id,case_id,type,assigned_role,question,required,status,due_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		p.ID, p.TenantID, p.CaseID, p.Type, p.AssignedRole, p.Question, boolInt(p.Required), domain.PendencyOpen, optional(p.DueAt), p.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// OldestOpenPendency returns the first open pendency for the role, by creation time.
func (r Repo) OldestOpenPendency(ctx context.Context, tx *sql.Tx, tenantID, caseID, role string) (domain.Pendency, error) {
	return scanPendency(r.queryRow(ctx, tx, `SELECT `+pendencyColumns+` FROM pendencies
WHERE tenant_id=? AND case_id=? AND assigned_role=? AND status='open'
ORDER BY created_at, id LIMIT 1`, tenantID, caseID, role))
}

// OpenPendencyByType returns the oldest open pendency of the given type.
func (r Repo) OpenPendencyByType(ctx context.Context, tx *sql.Tx, tenantID, caseID, pendencyType string) (domain.Pendency, error) {
	return scanPendency(r.queryRow(ctx, tx, `SELECT `+pendencyColumns+` FROM pendencies
WHERE tenant_id=? AND case_id=? AND type=? AND status='open'
ORDER BY created_at, id LIMIT 1`, tenantID, caseID, pendencyType))
}

// AnswerPendency moves an open pendency to answered. Answered rows are never rewritten;
// it reports false when the row was no longer open.
func (r Repo) AnswerPendency(ctx context.Context, tx *sql.Tx, tenantID, id string, text, payloadJSON *string, answeredAt string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE pendencies SET status='answered', answered_text=?, answered_payload_json=?, answered_at=?
WHERE tenant_id=? AND id=? AND status='open'`, optional(text), optional(payloadJSON), answeredAt, tenantID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListPendencies(ctx context.Context, tx *sql.Tx, tenantID, caseID string) ([]domain.Pendency, error) {
	rows, err := r.query(ctx, tx, `SELECT `+pendencyColumns+` FROM pendencies WHERE tenant_id=? AND case_id=? ORDER BY created_at, id`, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pendency
	for rows.Next() {
		p, err := scanPendency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
