package presence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/logging"
	"caseline/internal/migrate"
	"caseline/internal/presence"
	"caseline/internal/repo"
)

const (
	tenantID   = "acme"
	employeeID = "emp-1"
)

var (
	siteLat = -23.5614
	siteLng = -46.6559
)

func newClock(t *testing.T, mutate func(*config.Config)) (presence.Clock, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	clock := presence.New(conn, db.SQLite, logging.Discard())
	now := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	clock.Now = func() time.Time { return now }

	cfg := config.Default(tenantID)
	if mutate != nil {
		mutate(cfg)
	}
	ts := repo.Timestamp(now)
	require.NoError(t, clock.Repo.UpsertTenant(context.Background(), nil, domain.Tenant{ID: tenantID, CreatedAt: ts, UpdatedAt: ts}, cfg))
	return clock, &now
}

func withGeofence(outside, missing string) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.Presence.Geofence = &config.Geofence{Latitude: siteLat, Longitude: siteLng, RadiusMeters: 150}
		cfg.Presence.OutsidePolicy = outside
		cfg.Presence.MissingLocationPolicy = missing
	}
}

func at(lat, lng float64) presence.Position {
	return presence.Position{Latitude: &lat, Longitude: &lng}
}

func TestPunchSequenceInfersTypes(t *testing.T) {
	clock, now := newClock(t, nil)
	ctx := context.Background()
	want := []struct{ punch, state string }{
		{presence.PunchEntry, presence.StateWorking},
		{presence.PunchBreakStart, presence.StateOnBreak},
		{presence.PunchBreakEnd, presence.StateAwaitingExit},
		{presence.PunchExit, presence.StateClosed},
	}
	var caseID string
	for _, w := range want {
		res, err := clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID})
		require.NoError(t, err)
		assert.Equal(t, w.punch, res.PunchType)
		assert.Equal(t, w.state, res.State)
		assert.Equal(t, w.state, res.WorkState)
		assert.Equal(t, "2024-01-01", res.Day)
		if caseID == "" {
			caseID = res.PresenceCaseID
		}
		assert.Equal(t, caseID, res.PresenceCaseID)
		*now = now.Add(time.Hour)
	}

	_, err := clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID})
	var rej *presence.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, presence.CodeDayClosed, rej.Code)

	punches, err := clock.Repo.ListPunches(ctx, tenantID, caseID)
	require.NoError(t, err)
	require.Len(t, punches, 4)
	assert.Equal(t, presence.SourceApp, punches[0].Source)

	timeline, err := clock.Repo.ListTimeline(ctx, tenantID, caseID, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 4)
	assert.Equal(t, "presence.punch", timeline[0].Type)
	assert.Equal(t, "employee", timeline[0].ActorType)
	assert.Equal(t, "APP", timeline[0].Meta["source"])
}

func TestBreakEndOutsideBreakIsRejectedWithoutMutation(t *testing.T) {
	clock, _ := newClock(t, nil)
	ctx := context.Background()

	_, err := clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID, PunchType: presence.PunchBreakEnd})
	var rej *presence.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, presence.CodeIllegalTransition, rej.Code)
	n, err := clock.Repo.CountPresenceCases(ctx, tenantID, employeeID)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID, PunchType: presence.PunchEntry})
	require.NoError(t, err)

	_, err = clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID, PunchType: presence.PunchBreakEnd})
	require.ErrorAs(t, err, &rej)
	pc, err := clock.Repo.GetPresenceCase(ctx, nil, tenantID, employeeID, res.Day)
	require.NoError(t, err)
	assert.Equal(t, presence.StateWorking, pc.State)
	assert.Equal(t, presence.StateWorking, pc.WorkState)
	punches, err := clock.Repo.ListPunches(ctx, tenantID, pc.ID)
	require.NoError(t, err)
	assert.Len(t, punches, 1)
}

func TestDayBucketingUsesLocalCalendarDate(t *testing.T) {
	clock, _ := newClock(t, nil)
	ctx := context.Background()
	zone := time.FixedZone("-03", -3*3600)

	late, err := clock.Punch(ctx, presence.Request{
		TenantID: tenantID, EmployeeID: employeeID,
		At: time.Date(2024, 1, 1, 23, 59, 0, 0, zone),
	})
	require.NoError(t, err)
	early, err := clock.Punch(ctx, presence.Request{
		TenantID: tenantID, EmployeeID: employeeID,
		At: time.Date(2024, 1, 2, 0, 1, 0, 0, zone),
	})
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01", late.Day)
	assert.Equal(t, "2024-01-02", early.Day)
	assert.NotEqual(t, late.PresenceCaseID, early.PresenceCaseID)
	assert.Equal(t, presence.PunchEntry, early.PunchType)
	assert.Equal(t, "America/Sao_Paulo", early.Timezone)
	n, err := clock.Repo.CountPresenceCases(ctx, tenantID, employeeID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmployeeZoneOverridesTenantZone(t *testing.T) {
	clock, _ := newClock(t, func(cfg *config.Config) { cfg.Presence.Timezone = "UTC" })
	ctx := context.Background()
	tz := "America/Sao_Paulo"
	require.NoError(t, clock.Repo.UpsertActor(ctx, nil, domain.Actor{
		ID: employeeID, TenantID: tenantID, Phone: "+5511988887777", Kind: domain.ActorKindEmployee,
		Timezone: &tz, Active: true, CreatedAt: repo.Timestamp(time.Now()),
	}))
	res, err := clock.Punch(ctx, presence.Request{
		TenantID: tenantID, EmployeeID: employeeID,
		At: time.Date(2024, 1, 2, 1, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", res.Day)

	other, err := clock.Punch(ctx, presence.Request{
		TenantID: tenantID, EmployeeID: "emp-2",
		At: time.Date(2024, 1, 2, 1, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02", other.Day)
}

func TestGeofenceInsideIsClean(t *testing.T) {
	clock, _ := newClock(t, withGeofence(config.PolicyReject, config.PolicyReject))
	res, err := clock.Punch(context.Background(), presence.Request{
		TenantID: tenantID, EmployeeID: employeeID, Position: at(siteLat+0.0005, siteLng),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Flag)
	require.NotNil(t, res.DistanceMeters)
	assert.InDelta(t, 55, *res.DistanceMeters, 5)
	assert.Empty(t, res.ReviewJob)
}

func TestGeofenceRejectPolicy(t *testing.T) {
	clock, _ := newClock(t, withGeofence(config.PolicyReject, config.PolicyReject))
	ctx := context.Background()
	_, err := clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID, Position: at(-22.9068, -43.1729)})
	var rej *presence.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, presence.CodeOutsideGeofence, rej.Code)

	_, err = clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, presence.CodeMissingLocation, rej.Code)

	n, err := clock.Repo.CountPresenceCases(ctx, tenantID, employeeID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGeofenceJustifyFlagsAndKeepsWorkState(t *testing.T) {
	clock, now := newClock(t, withGeofence(config.PolicyJustify, config.PolicyApprove))
	ctx := context.Background()

	res, err := clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID, Position: at(-23.60, -46.70)})
	require.NoError(t, err)
	assert.Equal(t, presence.StatePendingJustification, res.State)
	assert.Equal(t, presence.StateWorking, res.WorkState)
	assert.Equal(t, "PRESENCE_REVIEW:"+res.PresenceCaseID, res.ReviewJob)

	*now = now.Add(time.Hour)
	res, err = clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID, Position: at(siteLat, siteLng)})
	require.NoError(t, err)
	assert.Equal(t, presence.PunchBreakStart, res.PunchType)
	assert.Equal(t, presence.StatePendingJustification, res.State, "pending review survives clean punches")
	assert.Equal(t, presence.StateOnBreak, res.WorkState)

	*now = now.Add(time.Hour)
	res, err = clock.Punch(ctx, presence.Request{TenantID: tenantID, EmployeeID: employeeID})
	require.NoError(t, err)
	assert.Equal(t, presence.StatePendingApproval, res.State)
	assert.Equal(t, presence.StateAwaitingExit, res.WorkState)

	jobs, err := clock.Repo.ListJobs(ctx, tenantID, repo.JobFilter{Type: "PRESENCE_REVIEW"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "review is scheduled once per day case")

	punches, err := clock.Repo.ListPunches(ctx, tenantID, res.PresenceCaseID)
	require.NoError(t, err)
	require.Len(t, punches, 3)
	require.NotNil(t, punches[0].Flag)
	assert.Equal(t, presence.StatePendingJustification, *punches[0].Flag)
	assert.Nil(t, punches[1].Flag)
}

func TestLowAccuracyCountsAsMissingLocation(t *testing.T) {
	clock, _ := newClock(t, func(cfg *config.Config) {
		withGeofence(config.PolicyReject, config.PolicyApprove)(cfg)
		cfg.Presence.MaxAccuracyMeters = 50
	})
	pos := at(siteLat, siteLng)
	acc := 400.0
	pos.AccuracyMeters = &acc
	res, err := clock.Punch(context.Background(), presence.Request{TenantID: tenantID, EmployeeID: employeeID, Position: pos})
	require.NoError(t, err)
	assert.Equal(t, presence.StatePendingApproval, res.Flag)
}

func TestPunchValidation(t *testing.T) {
	clock, _ := newClock(t, nil)
	ctx := context.Background()
	lat := 10.0

	cases := map[string]presence.Request{
		"missing employee":   {TenantID: tenantID},
		"unknown punch type": {TenantID: tenantID, EmployeeID: employeeID, PunchType: "LUNCH"},
		"half position":      {TenantID: tenantID, EmployeeID: employeeID, Position: presence.Position{Latitude: &lat}},
		"out of range":       {TenantID: tenantID, EmployeeID: employeeID, Position: at(95, 0)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := clock.Punch(ctx, req)
			assert.True(t, errors.Is(err, presence.ErrValidation), "got %v", err)
		})
	}
	_, err := clock.Punch(ctx, presence.Request{TenantID: "ghost", EmployeeID: employeeID})
	assert.ErrorIs(t, err, presence.ErrUnknownTenant)
}

func TestNextAndInference(t *testing.T) {
	next, err := presence.Next(presence.StateWorking, presence.PunchExit)
	require.NoError(t, err)
	assert.Equal(t, presence.StateClosed, next)

	_, err = presence.Next(presence.StateAdjusted, presence.PunchEntry)
	assert.Error(t, err)

	_, err = presence.InferPunchType(presence.StateClosed)
	assert.Error(t, err)
}

func TestDistanceMeters(t *testing.T) {
	assert.InDelta(t, 0, presence.DistanceMeters(siteLat, siteLng, siteLat, siteLng), 1e-6)
	// São Paulo to Rio de Janeiro.
	assert.InDelta(t, 360_000, presence.DistanceMeters(-23.5505, -46.6333, -22.9068, -43.1729), 10_000)
}
