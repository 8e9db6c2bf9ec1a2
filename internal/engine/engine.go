// Package engine routes inbound channel events onto journey cases.
package engine

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"caseline/internal/db"
	"caseline/internal/events"
	"caseline/internal/jobs"
	"caseline/internal/repo"
)

var (
	// ErrValidation marks requests missing a field the inferred event type needs.
	ErrValidation      = errors.New("validation failed")
	ErrNoJourney       = errors.New("no journey resolvable for tenant")
	ErrUnknownInstance = errors.New("unknown channel instance")
	ErrUnauthorized    = errors.New("invalid webhook secret")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger events.Ledger
	Jobs   jobs.Dispatcher
	// Tables holds journey-specific transition tables; other journeys use GenericTable.
	Tables map[string]Table
	Logger *slog.Logger
	Now    func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Dialect: dialect},
		Ledger: events.Ledger{DB: conn, Dialect: dialect, Logger: logger},
		Jobs:   jobs.Dispatcher{Repo: r, Logger: logger},
		Tables: DefaultTables(),
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Dispatcher returns the job dispatcher on the engine clock.
func (e Engine) Dispatcher() jobs.Dispatcher {
	d := e.Jobs
	d.Now = e.now
	if d.Logger == nil {
		d.Logger = e.logger()
	}
	return d
}

func (e Engine) ledger() events.Ledger {
	l := e.Ledger
	l.Now = e.now
	return l
}

// TableFor returns the transition table for a journey key.
func (e Engine) TableFor(journeyKey string) Table {
	if t, ok := e.Tables[journeyKey]; ok {
		return t
	}
	return GenericTable()
}
