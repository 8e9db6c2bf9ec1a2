package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"caseline/internal/db"
	"caseline/internal/domain"
)

// Actor types written on timeline events.
const (
	ActorSystem   = "system"
	ActorVendor   = "vendor"
	ActorEmployee = "employee"
	ActorWorker   = "worker"
)

// Writer appends timeline events inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, ev domain.TimelineEvent) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ev.OccurredAt == "" {
		ev.OccurredAt = w.Now().UTC().Format(domain.TimeLayout)
	}
	if ev.ActorType == "" {
		ev.ActorType = ActorSystem
	}
	meta := ev.Meta
	if meta == nil {
		meta = EventPayload{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO timeline_events(tenant_id,case_id,type,actor_type,actor_id,message,meta_json,occurred_at) VALUES (?,?,?,?,?,?,?,?)`),
		ev.TenantID, nullablePtr(ev.CaseID), ev.Type, ev.ActorType, nullablePtr(ev.ActorID), ev.Message, string(data), ev.OccurredAt)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullable(*v)
}
