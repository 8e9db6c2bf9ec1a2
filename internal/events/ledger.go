package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"caseline/internal/db"
	"caseline/internal/domain"
)

// LedgerEntry is one audit record for an inbound-to-side-effect chain.
type LedgerEntry struct {
	TenantID      string
	CorrelationID string
	Action        string
	EntityKind    string
	EntityID      string
	Payload       EventPayload
}

// Ledger is the best-effort audit trail. Record never fails the caller; errors are logged.
type Ledger struct {
	DB      *sql.DB
	Dialect db.Dialect
	Logger  *slog.Logger
	Now     func() time.Time
}

func (l Ledger) Record(ctx context.Context, e LedgerEntry) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if l.DB == nil {
		return
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.WarnContext(ctx, "audit ledger marshal failed", "action", e.Action, "error", err)
		return
	}
	_, err = l.DB.ExecContext(ctx, l.Dialect.Rebind(`INSERT INTO audit_ledger(tenant_id,correlation_id,action,entity_kind,entity_id,payload_json,recorded_at) VALUES (?,?,?,?,?,?,?)`),
		e.TenantID, e.CorrelationID, e.Action, e.EntityKind, nullable(e.EntityID), string(data), now().UTC().Format(domain.TimeLayout))
	if err != nil {
		logger.WarnContext(ctx, "audit ledger append failed",
			"tenant_id", e.TenantID,
			"correlation_id", e.CorrelationID,
			"action", e.Action,
			"error", err,
		)
	}
}

// Entries lists ledger rows for a correlation id, oldest first.
func (l Ledger) Entries(ctx context.Context, tenantID, correlationID string) ([]LedgerEntry, error) {
	rows, err := l.DB.QueryContext(ctx, l.Dialect.Rebind(`SELECT tenant_id,correlation_id,action,entity_kind,COALESCE(entity_id,''),payload_json FROM audit_ledger WHERE tenant_id=? AND correlation_id=? ORDER BY id`),
		tenantID, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var payload string
		if err := rows.Scan(&e.TenantID, &e.CorrelationID, &e.Action, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
