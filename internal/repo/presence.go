package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const presenceColumns = `id,tenant_id,employee_id,day,timezone,state,work_state,created_at,updated_at`

func scanPresenceCase(row interface{ Scan(...any) error }) (domain.PresenceCase, error) {
	var pc domain.PresenceCase
	if err := row.Scan(&pc.ID, &pc.TenantID, &pc.EmployeeID, &pc.Day, &pc.Timezone, &pc.State, &pc.WorkState, &pc.CreatedAt, &pc.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return pc, ErrNotFound
		}
		return pc, err
	}
	return pc, nil
}

// EnsurePresenceCase creates the employee-day case unless one exists, then returns the stored row.
func (r Repo) EnsurePresenceCase(ctx context.Context, tx *sql.Tx, pc domain.PresenceCase) (domain.PresenceCase, error) {
	if _, err := r.exec(ctx, tx, `INSERT INTO presence_cases(`+presenceColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant_id, employee_id, day) DO NOTHING`,
		pc.ID, pc.TenantID, pc.EmployeeID, pc.Day, pc.Timezone, pc.State, pc.WorkState, pc.CreatedAt, pc.UpdatedAt); err != nil {
		return domain.PresenceCase{}, err
	}
	return r.GetPresenceCase(ctx, tx, pc.TenantID, pc.EmployeeID, pc.Day)
}

func (r Repo) GetPresenceCase(ctx context.Context, tx *sql.Tx, tenantID, employeeID, day string) (domain.PresenceCase, error) {
	return scanPresenceCase(r.queryRow(ctx, tx, `SELECT `+presenceColumns+` FROM presence_cases WHERE tenant_id=? AND employee_id=? AND day=? AND deleted_at IS NULL`,
		tenantID, employeeID, day))
}

// UpdatePresenceState applies a transition only if the case is still in the states it was read
// in; false means another punch won.
func (r Repo) UpdatePresenceState(ctx context.Context, tx *sql.Tx, pc domain.PresenceCase, state, workState, updatedAt string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE presence_cases SET state=?, work_state=?, updated_at=? WHERE tenant_id=? AND id=? AND state=? AND work_state=?`,
		state, workState, updatedAt, pc.TenantID, pc.ID, pc.State, pc.WorkState)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) InsertPunch(ctx context.Context, tx *sql.Tx, p domain.Punch) error {
	_, err := r.exec(ctx, tx, `INSERT INTO presence_punches(id,tenant_id,presence_case_id,employee_id,type,source,latitude,longitude,accuracy_meters,distance_meters,flag,occurred_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.PresenceCaseID, p.EmployeeID, p.Type, p.Source,
		optional(p.Latitude), optional(p.Longitude), optional(p.AccuracyMeters), optional(p.DistanceMeters), optional(p.Flag), p.OccurredAt)
	return err
}

func (r Repo) ListPunches(ctx context.Context, tenantID, presenceCaseID string) ([]domain.Punch, error) {
	rows, err := r.query(ctx, nil, `SELECT id,tenant_id,presence_case_id,employee_id,type,source,latitude,longitude,accuracy_meters,distance_meters,flag,occurred_at
FROM presence_punches WHERE tenant_id=? AND presence_case_id=? ORDER BY occurred_at, id`, tenantID, presenceCaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Punch
	for rows.Next() {
		var p domain.Punch
		var lat, lng, acc, dist sql.NullFloat64
		var flag sql.NullString
		if err := rows.Scan(&p.ID, &p.TenantID, &p.PresenceCaseID, &p.EmployeeID, &p.Type, &p.Source, &lat, &lng, &acc, &dist, &flag, &p.OccurredAt); err != nil {
			return nil, err
		}
		p.Latitude = nullFloat(lat)
		p.Longitude = nullFloat(lng)
		p.AccuracyMeters = nullFloat(acc)
		p.DistanceMeters = nullFloat(dist)
		p.Flag = nullString(flag)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountPresenceCases(ctx context.Context, tenantID, employeeID string) (int, error) {
	var n int
	err := r.queryRow(ctx, nil, `SELECT COUNT(*) FROM presence_cases WHERE tenant_id=? AND employee_id=?`, tenantID, employeeID).Scan(&n)
	return n, err
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
