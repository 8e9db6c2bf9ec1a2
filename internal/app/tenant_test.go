package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

const tenantYAML = `tenant:
  id: acme
  name: Acme
journeys:
  field_visit:
    name: Field visit
    states: [scheduled, on_site, done]
    default: scheduled
assignments: [field_visit, sales_order]
channels:
  - id: inst-1
    provider: zapi
    secret: s3cr3t
    default_journey: sales_order
presence:
  timezone: America/Sao_Paulo
`

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return repo.Repo{DB: conn, Dialect: db.SQLite}
}

func TestImportTenant(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	cfg, err := config.FromYAML([]byte(tenantYAML))
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	sum, err := ImportTenant(ctx, r, cfg, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"field_visit"}, sum.Journeys)
	assert.Equal(t, []string{"field_visit", "sales_order"}, sum.Enabled)
	assert.Equal(t, []string{"inst-1"}, sum.Channels)

	first, err := r.EarliestEnabledJourney(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "field_visit", first.Key)

	ci, err := r.GetChannelInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, repo.HashAPIKey("s3cr3t"), ci.SecretHash)
	require.NotNil(t, ci.DefaultJourneyID)
	global, err := r.GetJourneyByKey(ctx, "", "sales_order")
	require.NoError(t, err)
	assert.Equal(t, global.ID, *ci.DefaultJourneyID)
	channels, err := r.ListChannelInstances(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "inst-1", channels[0].ID)

	stored, err := r.GetTenantConfig(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", stored.Presence.Timezone)

	// Reordering assignments moves the fallback journey.
	cfg.Assignments = []string{"sales_order", "field_visit"}
	_, err = ImportTenant(ctx, r, cfg, now.Add(time.Hour))
	require.NoError(t, err)
	first, err = r.EarliestEnabledJourney(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "sales_order", first.Key)
}

func TestImportTenantRejectsBadInput(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Now()

	cfg := config.Default("acme")
	cfg.Assignments = []string{"nope"}
	_, err := ImportTenant(ctx, r, cfg, now)
	assert.ErrorContains(t, err, "unknown journey nope")
	_, err = r.GetTenant(ctx, "acme")
	assert.ErrorIs(t, err, repo.ErrNotFound, "failed import writes nothing")

	cfg = config.Default("acme")
	cfg.Channels = []config.ChannelConfig{{ID: "inst-1"}}
	_, err = ImportTenant(ctx, r, cfg, now)
	assert.ErrorContains(t, err, "secret is required")
}

func TestImportTenantFreezesJourneyInUse(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	cfg, err := config.FromYAML([]byte(tenantYAML))
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	_, err = ImportTenant(ctx, r, cfg, now)
	require.NoError(t, err)

	ts := repo.Timestamp(now)
	_, err = r.InsertCase(ctx, nil, domain.Case{
		ID: "c1", TenantID: "acme", JourneyID: JourneyID("acme", "field_visit"), CaseType: "field_visit",
		Status: domain.CaseStatusInProgress, State: "scheduled", CreatedAt: ts, UpdatedAt: ts,
	})
	require.NoError(t, err)

	def := cfg.Journeys["field_visit"]
	def.States = append(def.States, "cancelled")
	cfg.Journeys["field_visit"] = def
	_, err = ImportTenant(ctx, r, cfg, now)
	assert.ErrorContains(t, err, "cannot change")
}
