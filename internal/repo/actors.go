package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const actorColumns = `id,tenant_id,phone,name,kind,parent_vendor_id,timezone,active,created_at`

func scanActor(row interface{ Scan(...any) error }) (domain.Actor, error) {
	var a domain.Actor
	var parent, tz sql.NullString
	var active int
	if err := row.Scan(&a.ID, &a.TenantID, &a.Phone, &a.Name, &a.Kind, &parent, &tz, &active, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return a, ErrNotFound
		}
		return a, err
	}
	a.ParentVendorID = nullString(parent)
	a.Timezone = nullString(tz)
	a.Active = active == 1
	return a, nil
}

// InsertActorIfAbsent creates the actor unless (tenant, phone) already exists.
// It reports whether this call inserted the row.
func (r Repo) InsertActorIfAbsent(ctx context.Context, tx *sql.Tx, a domain.Actor) (bool, error) {
	res, err := r.exec(ctx, tx, `INSERT INTO vendors(`+actorColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id, phone) DO NOTHING`,
		a.ID, a.TenantID, a.Phone, a.Name, a.Kind, optional(a.ParentVendorID), optional(a.Timezone), boolInt(a.Active), a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertActor creates or updates an actor keyed by (tenant, phone). Used by administrative import.
func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := r.exec(ctx, tx, `INSERT INTO vendors(`+actorColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id, phone) DO UPDATE SET name=excluded.name, kind=excluded.kind, parent_vendor_id=excluded.parent_vendor_id, timezone=excluded.timezone, active=excluded.active, deleted_at=NULL`,
		a.ID, a.TenantID, a.Phone, a.Name, a.Kind, optional(a.ParentVendorID), optional(a.Timezone), boolInt(a.Active), a.CreatedAt)
	return err
}

func (r Repo) GetActorByPhone(ctx context.Context, tx *sql.Tx, tenantID, phone string) (domain.Actor, error) {
	return scanActor(r.queryRow(ctx, tx, `SELECT `+actorColumns+` FROM vendors WHERE tenant_id=? AND phone=? AND deleted_at IS NULL`, tenantID, phone))
}

func (r Repo) GetActor(ctx context.Context, tenantID, id string) (domain.Actor, error) {
	return scanActor(r.queryRow(ctx, nil, `SELECT `+actorColumns+` FROM vendors WHERE tenant_id=? AND id=? AND deleted_at IS NULL`, tenantID, id))
}

func (r Repo) ListActors(ctx context.Context, tenantID string) ([]domain.Actor, error) {
	rows, err := r.query(ctx, nil, `SELECT `+actorColumns+` FROM vendors WHERE tenant_id=? AND deleted_at IS NULL ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
