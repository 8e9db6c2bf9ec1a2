package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/jobs"
	"caseline/internal/logging"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

type fixture struct {
	runner Runner
	now    *time.Time
}

func newFixture(t *testing.T, endpoint string) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := config.Default("acme")
	cfg.Jobs.MaxAttempts = 2
	cfg.Jobs.Endpoints = map[string]config.EndpointConfig{
		jobs.TypeOCRImage: {URL: endpoint, Secret: "hook-secret", TimeoutSeconds: 1},
	}
	ts := repo.Timestamp(now)
	require.NoError(t, r.UpsertTenant(context.Background(), nil, domain.Tenant{ID: "acme", CreatedAt: ts, UpdatedAt: ts}, cfg))

	d := jobs.Dispatcher{Repo: r, Logger: logging.Discard(), Now: clock, Backoff: jobs.Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2}}
	return fixture{
		runner: Runner{Repo: r, Dispatcher: d, Logger: logging.Discard()},
		now:    &now,
	}
}

func (f fixture) enqueue(t *testing.T, jobType, key string) {
	t.Helper()
	ok, err := f.runner.Dispatcher.Enqueue(context.Background(), jobs.Request{
		TenantID: "acme", Type: jobType, Key: key, CaseID: "case-1", Payload: map[string]any{"media_url": "https://cdn.example/1.jpg"},
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunOnceDeliversConfiguredTypes(t *testing.T) {
	var (
		mu       sync.Mutex
		received []delivery
		headers  []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d delivery
		_ = json.NewDecoder(r.Body).Decode(&d)
		mu.Lock()
		received = append(received, d)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.enqueue(t, jobs.TypeOCRImage, "OCR_IMAGE:case-1")
	f.enqueue(t, jobs.TypeValidateFields, "VALIDATE_FIELDS:case-1:1")

	n, err := f.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, received, 1)
	assert.Equal(t, jobs.TypeOCRImage, received[0].Type)
	assert.Equal(t, "OCR_IMAGE:case-1", received[0].IdempotencyKey)
	assert.Equal(t, 1, received[0].Attempt)
	assert.Equal(t, "hook-secret", headers[0].Get("X-Caseline-Secret"))

	done, err := f.runner.Repo.ListJobs(context.Background(), "acme", repo.JobFilter{Status: domain.JobDone})
	require.NoError(t, err)
	require.Len(t, done, 1)
	pending, err := f.runner.Repo.ListJobs(context.Background(), "acme", repo.JobFilter{Status: domain.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1, "types without an endpoint stay queued")
	assert.Equal(t, jobs.TypeValidateFields, pending[0].Type)
}

func TestRunOnceRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ocr backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.enqueue(t, jobs.TypeOCRImage, "OCR_IMAGE:case-1")
	ctx := context.Background()

	n, err := f.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	jobsAfter, err := f.runner.Repo.ListJobs(ctx, "acme", repo.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobsAfter, 1)
	assert.Equal(t, domain.JobPending, jobsAfter[0].Status)
	require.NotNil(t, jobsAfter[0].LastError)
	assert.Contains(t, *jobsAfter[0].LastError, "502")

	// Not due until the backoff elapses.
	n, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	jobsAfter, _ = f.runner.Repo.ListJobs(ctx, "acme", repo.JobFilter{})
	assert.Equal(t, 1, jobsAfter[0].Attempts)

	*f.now = f.now.Add(2 * time.Minute)
	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	jobsAfter, _ = f.runner.Repo.ListJobs(ctx, "acme", repo.JobFilter{})
	assert.Equal(t, domain.JobFailed, jobsAfter[0].Status)
	assert.Equal(t, 2, jobsAfter[0].Attempts)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	f.runner.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.runner.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
