package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"caseline/internal/domain"
)

const journeyColumns = `id,tenant_id,key,name,states_json,default_state,created_at`

func scanJourney(row interface{ Scan(...any) error }) (domain.Journey, error) {
	var j domain.Journey
	var tenant sql.NullString
	var states string
	if err := row.Scan(&j.ID, &tenant, &j.Key, &j.Name, &states, &j.DefaultState, &j.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return j, ErrNotFound
		}
		return j, err
	}
	j.TenantID = nullString(tenant)
	if err := json.Unmarshal([]byte(states), &j.States); err != nil {
		return j, fmt.Errorf("decode journey %s states: %w", j.ID, err)
	}
	return j, nil
}

// UpsertJourney stores a journey definition. Definitions are replaced only while no case
// references them; callers check with JourneyInUse.
func (r Repo) UpsertJourney(ctx context.Context, tx *sql.Tx, j domain.Journey) error {
	states, err := json.Marshal(j.States)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO journeys(`+journeyColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, states_json=excluded.states_json, default_state=excluded.default_state`,
		j.ID, optional(j.TenantID), j.Key, j.Name, string(states), j.DefaultState, j.CreatedAt)
	return err
}

func (r Repo) JourneyInUse(ctx context.Context, tx *sql.Tx, journeyID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM cases WHERE journey_id=?`, journeyID).Scan(&n)
	return n > 0, err
}

func (r Repo) GetJourney(ctx context.Context, id string) (domain.Journey, error) {
	return scanJourney(r.queryRow(ctx, nil, `SELECT `+journeyColumns+` FROM journeys WHERE id=?`, id))
}

// GetJourneyByKey finds a tenant journey by key, or a global one when tenantID is empty.
func (r Repo) GetJourneyByKey(ctx context.Context, tenantID, key string) (domain.Journey, error) {
	if tenantID == "" {
		return scanJourney(r.queryRow(ctx, nil, `SELECT `+journeyColumns+` FROM journeys WHERE tenant_id IS NULL AND key=?`, key))
	}
	return scanJourney(r.queryRow(ctx, nil, `SELECT `+journeyColumns+` FROM journeys WHERE tenant_id=? AND key=?`, tenantID, key))
}

// ListJourneys returns the tenant's own journeys plus the global ones.
func (r Repo) ListJourneys(ctx context.Context, tenantID string) ([]domain.Journey, error) {
	rows, err := r.query(ctx, nil, `SELECT `+journeyColumns+` FROM journeys WHERE tenant_id=? OR tenant_id IS NULL ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) EnableTenantJourney(ctx context.Context, tx *sql.Tx, tenantID, journeyID, createdAt string) error {
	_, err := r.exec(ctx, tx, `INSERT INTO tenant_journeys(tenant_id,journey_id,enabled,created_at) VALUES (?,?,1,?)
ON CONFLICT(tenant_id, journey_id) DO UPDATE SET enabled=1, created_at=excluded.created_at`, tenantID, journeyID, createdAt)
	return err
}

func (r Repo) DisableTenantJourneys(ctx context.Context, tx *sql.Tx, tenantID string) error {
	_, err := r.exec(ctx, tx, `UPDATE tenant_journeys SET enabled=0 WHERE tenant_id=?`, tenantID)
	return err
}

// EarliestEnabledJourney returns the tenant's oldest enabled journey assignment.
func (r Repo) EarliestEnabledJourney(ctx context.Context, tenantID string) (domain.Journey, error) {
	return scanJourney(r.queryRow(ctx, nil, `SELECT j.id,j.tenant_id,j.key,j.name,j.states_json,j.default_state,j.created_at
FROM tenant_journeys tj JOIN journeys j ON j.id = tj.journey_id
WHERE tj.tenant_id=? AND tj.enabled=1
ORDER BY tj.created_at, tj.journey_id LIMIT 1`, tenantID))
}
