// Package presence runs the employee clock: one presence case per employee and local day.
package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/jobs"
	"caseline/internal/observability"
	"caseline/internal/repo"
)

var (
	ErrValidation    = errors.New("invalid punch request")
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrConcurrentPunch means another punch changed the day case between read and write.
	ErrConcurrentPunch = errors.New("concurrent punch for the same day")
)

const DayLayout = "2006-01-02"

type Request struct {
	TenantID   string
	EmployeeID string
	// PunchType is inferred from the day's state when empty.
	PunchType     string
	Source        string
	Position      Position
	At            time.Time
	CorrelationID string
}

type Result struct {
	PresenceCaseID string   `json:"presence_case_id"`
	PunchID        string   `json:"punch_id"`
	PunchType      string   `json:"punch_type"`
	Day            string   `json:"day"`
	Timezone       string   `json:"timezone"`
	State          string   `json:"state"`
	WorkState      string   `json:"work_state"`
	Flag           string   `json:"flag,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	ReviewJob      string   `json:"review_job,omitempty"`
}

type Clock struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger events.Ledger
	Jobs   jobs.Dispatcher
	Logger *slog.Logger
	Now    func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, logger *slog.Logger) Clock {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Clock{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Dialect: dialect},
		Ledger: events.Ledger{DB: conn, Dialect: dialect, Logger: logger},
		Jobs:   jobs.Dispatcher{Repo: r, Logger: logger},
		Logger: logger,
		Now:    time.Now,
	}
}

func (c Clock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Clock) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Zone resolves the zone that buckets an employee's punches into days: the employee's own
// zone, else the tenant presence zone, else America/Sao_Paulo.
func Zone(employeeTZ *string, cfg *config.Config) *time.Location {
	if employeeTZ != nil && *employeeTZ != "" {
		if loc, err := time.LoadLocation(*employeeTZ); err == nil {
			return loc
		}
	}
	if cfg != nil {
		return cfg.Location()
	}
	loc, err := time.LoadLocation(config.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Day is the zone-local calendar date of t.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

func presenceCaseID(tenantID, employeeID, day string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"|presence|"+employeeID+"|"+day)).String()
}

// Punch records one clock punch. The day case, punch row and timeline event are written in
// one transaction; a RejectionError leaves the store untouched.
func (c Clock) Punch(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := observability.Tracer().Start(ctx, "presence.punch")
	defer func() {
		outcome := "recorded"
		var rej *RejectionError
		switch {
		case errors.As(err, &rej):
			outcome = "rejected"
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Flag != "":
			outcome = "flagged"
		}
		observability.ObservePunch(res.PunchType, outcome)
		span.SetAttributes(
			attribute.String("caseline.tenant_id", req.TenantID),
			attribute.String("caseline.punch_type", res.PunchType),
			attribute.String("caseline.outcome", outcome),
		)
		span.End()
	}()

	if req.TenantID == "" || req.EmployeeID == "" {
		return res, fmt.Errorf("%w: tenant and employee are required", ErrValidation)
	}
	if req.PunchType != "" && !ValidPunchType(req.PunchType) {
		return res, fmt.Errorf("%w: unknown punch type %s", ErrValidation, req.PunchType)
	}
	if err := validPosition(req.Position); err != nil {
		return res, err
	}
	cfg, err := c.Repo.GetTenantConfig(ctx, req.TenantID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, fmt.Errorf("%w: %s", ErrUnknownTenant, req.TenantID)
	}
	if err != nil {
		return res, err
	}
	var employeeTZ *string
	if actor, err := c.Repo.GetActor(ctx, req.TenantID, req.EmployeeID); err == nil {
		employeeTZ = actor.Timezone
	} else if !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}

	now := c.now()
	at := req.At
	if at.IsZero() {
		at = now
	}
	loc := Zone(employeeTZ, cfg)
	res.Day = Day(at, loc)
	res.Timezone = loc.String()
	source := req.Source
	if source == "" {
		source = SourceApp
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	ts := repo.Timestamp(now)
	pc, err := c.Repo.EnsurePresenceCase(ctx, tx, domain.PresenceCase{
		ID:         presenceCaseID(req.TenantID, req.EmployeeID, res.Day),
		TenantID:   req.TenantID,
		EmployeeID: req.EmployeeID,
		Day:        res.Day,
		Timezone:   res.Timezone,
		State:      StateAwaitingEntry,
		WorkState:  StateAwaitingEntry,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	})
	if err != nil {
		return res, fmt.Errorf("ensure presence case: %w", err)
	}
	res.PresenceCaseID = pc.ID

	res.PunchType = req.PunchType
	if res.PunchType == "" {
		if res.PunchType, err = InferPunchType(pc.WorkState); err != nil {
			return res, err
		}
	}
	work, err := Next(pc.WorkState, res.PunchType)
	if err != nil {
		return res, err
	}
	verdict, err := CheckGeofence(cfg.Presence, req.Position)
	if err != nil {
		return res, err
	}
	res.Flag = verdict.Flag
	res.DistanceMeters = verdict.DistanceMeters
	res.WorkState = work
	res.State = caseState(pc.State, work, verdict.Flag)

	ok, err := c.Repo.UpdatePresenceState(ctx, tx, pc, res.State, res.WorkState, ts)
	if err != nil {
		return res, fmt.Errorf("update presence case: %w", err)
	}
	if !ok {
		return res, ErrConcurrentPunch
	}
	punch := domain.Punch{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		PresenceCaseID: pc.ID,
		EmployeeID:     req.EmployeeID,
		Type:           res.PunchType,
		Source:         source,
		Latitude:       req.Position.Latitude,
		Longitude:      req.Position.Longitude,
		AccuracyMeters: req.Position.AccuracyMeters,
		DistanceMeters: verdict.DistanceMeters,
		OccurredAt:     repo.Timestamp(at),
	}
	if verdict.Flag != "" {
		flag := verdict.Flag
		punch.Flag = &flag
	}
	if err := c.Repo.InsertPunch(ctx, tx, punch); err != nil {
		return res, fmt.Errorf("insert punch: %w", err)
	}
	res.PunchID = punch.ID

	meta := map[string]any{
		"punch_type": res.PunchType,
		"source":     source,
		"day":        res.Day,
		"state_from": pc.State,
		"state_to":   res.State,
		"work_state": res.WorkState,
	}
	if verdict.Flag != "" {
		meta["flag"] = verdict.Flag
	}
	if verdict.DistanceMeters != nil {
		meta["distance_meters"] = *verdict.DistanceMeters
	}
	employeeID := req.EmployeeID
	if err := c.Events.Append(ctx, tx, domain.TimelineEvent{
		TenantID:   req.TenantID,
		CaseID:     &pc.ID,
		Type:       "presence.punch",
		ActorType:  events.ActorEmployee,
		ActorID:    &employeeID,
		Message:    fmt.Sprintf("%s punch via %s", res.PunchType, source),
		Meta:       meta,
		OccurredAt: punch.OccurredAt,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	var jobErr error
	if verdict.Flag != "" {
		res.ReviewJob = jobs.OnceKey(jobs.TypePresenceReview, pc.ID)
		d := c.Jobs
		d.Now = c.now
		_, jobErr = d.Enqueue(ctx, jobs.Request{
			TenantID: req.TenantID,
			Type:     jobs.TypePresenceReview,
			Key:      res.ReviewJob,
			CaseID:   pc.ID,
			Payload:  map[string]any{"presence_case_id": pc.ID, "employee_id": req.EmployeeID, "day": res.Day, "flag": verdict.Flag},
		})
	}
	ledger := c.Ledger
	ledger.Now = c.now
	ledger.Record(ctx, events.LedgerEntry{
		TenantID:      req.TenantID,
		CorrelationID: req.CorrelationID,
		Action:        "presence.punch",
		EntityKind:    "presence_case",
		EntityID:      pc.ID,
		Payload:       events.EventPayload{"punch_id": punch.ID, "punch_type": res.PunchType, "state": res.State, "flag": res.Flag},
	})
	c.logger().InfoContext(ctx, "punch recorded",
		"tenant_id", req.TenantID, "employee_id", req.EmployeeID, "day", res.Day,
		"punch_type", res.PunchType, "state", res.State, "flag", res.Flag)
	return res, jobErr
}

func validPosition(p Position) error {
	if (p.Latitude == nil) != (p.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be sent together", ErrValidation)
	}
	if p.Latitude != nil && (*p.Latitude < -90 || *p.Latitude > 90 || *p.Longitude < -180 || *p.Longitude > 180) {
		return fmt.Errorf("%w: coordinates out of range", ErrValidation)
	}
	if p.AccuracyMeters != nil && *p.AccuracyMeters < 0 {
		return fmt.Errorf("%w: negative accuracy", ErrValidation)
	}
	return nil
}
