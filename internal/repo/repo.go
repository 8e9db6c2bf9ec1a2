package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
)

// Repo is the store gateway. Queries are written with ? placeholders and rebound
// for the connection's dialect.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return r.on(tx).ExecContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	return r.on(tx).QueryContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return r.on(tx).QueryRowContext(ctx, r.Dialect.Rebind(query), args...)
}

// Timestamp formats t in the stored layout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(domain.TimeLayout)
}

func (r Repo) UpsertTenant(ctx context.Context, tx *sql.Tx, t domain.Tenant, cfg *config.Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal tenant config: %w", err)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO tenants(id,name,config_json,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, config_json=excluded.config_json, updated_at=excluded.updated_at`,
		t.ID, t.Name, string(payload), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.queryRow(ctx, nil, `SELECT id,name,created_at,updated_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.query(ctx, nil, `SELECT id,name,created_at,updated_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetTenantConfig returns the stored tenant config.
func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var payload string
	err := r.queryRow(ctx, nil, `SELECT config_json FROM tenants WHERE id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, fmt.Errorf("decode tenant config: %w", err)
	}
	cfg.Tenant.ID = tenantID
	return &cfg, nil
}

func (r Repo) UpsertChannelInstance(ctx context.Context, tx *sql.Tx, ci domain.ChannelInstance) error {
	_, err := r.exec(ctx, tx, `INSERT INTO channel_instances(id,tenant_id,provider,secret_hash,default_journey_id,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET provider=excluded.provider, secret_hash=excluded.secret_hash, default_journey_id=excluded.default_journey_id, deleted_at=NULL`,
		ci.ID, ci.TenantID, ci.Provider, ci.SecretHash, optional(ci.DefaultJourneyID), ci.CreatedAt)
	return err
}

// GetChannelInstance looks an instance up by id across tenants; the webhook only knows the
// instance id until this resolves the tenant.
func (r Repo) GetChannelInstance(ctx context.Context, id string) (domain.ChannelInstance, error) {
	var ci domain.ChannelInstance
	var def sql.NullString
	err := r.queryRow(ctx, nil, `SELECT id,tenant_id,provider,secret_hash,default_journey_id,created_at FROM channel_instances WHERE id=? AND deleted_at IS NULL`, id).
		Scan(&ci.ID, &ci.TenantID, &ci.Provider, &ci.SecretHash, &def, &ci.CreatedAt)
	if err == sql.ErrNoRows {
		return ci, ErrNotFound
	}
	if err != nil {
		return ci, err
	}
	ci.DefaultJourneyID = nullString(def)
	return ci, nil
}

func (r Repo) ListChannelInstances(ctx context.Context, tenantID string) ([]domain.ChannelInstance, error) {
	rows, err := r.query(ctx, nil, `SELECT id,tenant_id,provider,secret_hash,default_journey_id,created_at FROM channel_instances WHERE tenant_id=? AND deleted_at IS NULL ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChannelInstance
	for rows.Next() {
		var ci domain.ChannelInstance
		var def sql.NullString
		if err := rows.Scan(&ci.ID, &ci.TenantID, &ci.Provider, &ci.SecretHash, &def, &ci.CreatedAt); err != nil {
			return nil, err
		}
		ci.DefaultJourneyID = nullString(def)
		res = append(res, ci)
	}
	return res, rows.Err()
}

// InsertInboundMessage logs the raw provider payload. It reports false when the message id
// was already logged.
func (r Repo) InsertInboundMessage(ctx context.Context, m domain.InboundMessage) (bool, error) {
	res, err := r.exec(ctx, nil, `INSERT INTO wa_messages(id,tenant_id,instance_id,correlation_id,type,from_phone,to_phone,raw_json,received_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING`,
		m.ID, m.TenantID, m.InstanceID, m.CorrelationID, m.Type, optional(m.FromPhone), optional(m.ToPhone), m.RawJSON, m.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkInboundProcessed sets processed_at once. False means the message was already processed
// or was never logged.
func (r Repo) MarkInboundProcessed(ctx context.Context, tx *sql.Tx, tenantID, id, at string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE wa_messages SET processed_at=? WHERE tenant_id=? AND id=? AND processed_at IS NULL`, at, tenantID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) CountInboundMessages(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.queryRow(ctx, nil, `SELECT COUNT(*) FROM wa_messages WHERE tenant_id=?`, tenantID).Scan(&n)
	return n, err
}

// ListTimeline returns a case's events in occurrence order, ties by insertion.
// An empty caseID lists every event of the tenant.
func (r Repo) ListTimeline(ctx context.Context, tenantID, caseID string, limit int) ([]domain.TimelineEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id,tenant_id,case_id,type,actor_type,actor_id,message,meta_json,occurred_at FROM timeline_events WHERE tenant_id=?`
	args := []any{tenantID}
	if caseID != "" {
		query += ` AND case_id=?`
		args = append(args, caseID)
	}
	query += ` ORDER BY occurred_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		var ev domain.TimelineEvent
		var caseCol, actor sql.NullString
		var meta string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &caseCol, &ev.Type, &ev.ActorType, &actor, &ev.Message, &meta, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.CaseID = nullString(caseCol)
		ev.ActorID = nullString(actor)
		ev.Meta = decodeMeta(meta)
		res = append(res, ev)
	}
	return res, rows.Err()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optional[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal meta: %w", err)
	}
	return string(data), nil
}

func decodeMeta(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
