package jobs

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/logging"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

func newSQLiteDispatcher(t *testing.T) (Dispatcher, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := Dispatcher{
		Repo:   repo.Repo{DB: conn, Dialect: db.SQLite},
		Logger: logging.Discard(),
		Now:    func() time.Time { return now },
	}
	return d, &now
}

func TestKeys(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "OCR_IMAGE:case-1", OnceKey(TypeOCRImage, "case-1"))
	assert.Equal(t, "ASK_PENDENCIES:case-1:1700000000123", RecurringKey(TypeAskPendencies, "case-1", at))
	assert.NotEqual(t, RecurringKey(TypeAskPendencies, "case-1", at), RecurringKey(TypeAskPendencies, "case-1", at.Add(time.Millisecond)))
}

func TestEnqueueSwallowsDuplicateKey(t *testing.T) {
	d, _ := newSQLiteDispatcher(t)
	ctx := context.Background()
	req := Request{TenantID: "acme", Type: TypeOCRImage, Key: OnceKey(TypeOCRImage, "case-1"), CaseID: "case-1"}

	inserted, err := d.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = d.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := req
	other.TenantID = "globex"
	inserted, err = d.Enqueue(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted, "keys are scoped per tenant")

	jobs, err := d.Repo.ListJobs(ctx, "acme", repo.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobPending, jobs[0].Status)
	assert.Equal(t, "OCR_IMAGE:case-1", jobs[0].IdempotencyKey)
}

func TestEnqueuePostgresUniqueViolation(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	d := Dispatcher{Repo: repo.Repo{DB: conn, Dialect: db.Postgres}, Logger: logging.Discard()}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_queue(`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	inserted, err := d.Enqueue(context.Background(), Request{TenantID: "acme", Type: TypeOCRImage, Key: "OCR_IMAGE:c"})
	assert.NoError(t, err)
	assert.False(t, inserted)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_queue(`)).
		WillReturnError(errors.New("connection reset"))
	inserted, err = d.Enqueue(context.Background(), Request{TenantID: "acme", Type: TypeOCRImage, Key: "OCR_IMAGE:d"})
	assert.Error(t, err)
	assert.False(t, inserted)

	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10)`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err = d.Enqueue(context.Background(), Request{TenantID: "acme", Type: TypeOCRImage, Key: "OCR_IMAGE:e"})
	assert.NoError(t, err)
	assert.True(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRequiresKey(t *testing.T) {
	d := Dispatcher{}
	_, err := d.Enqueue(context.Background(), Request{TenantID: "acme", Type: TypeOCRImage})
	assert.Error(t, err)
}

func TestClaimAndCompleteLifecycle(t *testing.T) {
	d, now := newSQLiteDispatcher(t)
	ctx := context.Background()
	_, err := d.Enqueue(ctx, Request{TenantID: "acme", Type: TypeValidateFields, Key: "VALIDATE_FIELDS:c1", CaseID: "c1"})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, Request{TenantID: "acme", Type: TypeOCRImage, Key: "OCR_IMAGE:c1", CaseID: "c1", RunAfter: now.Add(time.Hour)})
	require.NoError(t, err)

	claimed, err := d.Claim(ctx, "acme", nil, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "future jobs are not due")
	job := claimed[0]
	assert.Equal(t, domain.JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)

	again, err := d.Claim(ctx, "acme", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	job, err = d.Complete(ctx, "acme", job.ID, Outcome{Error: "upstream 502"}, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "upstream 502", *job.LastError)
	assert.Equal(t, repo.Timestamp(now.Add(30*time.Second)), job.RunAfter)

	*now = now.Add(time.Minute)
	claimed, err = d.Claim(ctx, "acme", []string{TypeValidateFields}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	job, err = d.Complete(ctx, "acme", claimed[0].ID, Outcome{Error: "still broken"}, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)

	_, err = d.Complete(ctx, "acme", job.ID, Outcome{OK: true}, 2)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	d, now := newSQLiteDispatcher(t)
	d.Lease = 2 * time.Minute
	ctx := context.Background()
	_, err := d.Enqueue(ctx, Request{TenantID: "acme", Type: TypeOCRImage, Key: "OCR_IMAGE:c1", CaseID: "c1"})
	require.NoError(t, err)

	claimed, err := d.Claim(ctx, "acme", nil, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	jobID := claimed[0].ID

	*now = now.Add(time.Minute)
	claimed, err = d.Claim(ctx, "acme", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "lease still held")

	*now = now.Add(2 * time.Minute)
	claimed, err = d.Claim(ctx, "acme", nil, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "expired lease is claimable again")
	assert.Equal(t, jobID, claimed[0].ID)
	assert.Equal(t, 2, claimed[0].Attempts)
	assert.Equal(t, repo.Timestamp(*now), claimed[0].UpdatedAt)

	again, err := d.Claim(ctx, "acme", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "reclaim renews the lease")

	job, err := d.Complete(ctx, "acme", jobID, Outcome{OK: true}, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, job.Status)
}

func TestCompleteSuccess(t *testing.T) {
	d, _ := newSQLiteDispatcher(t)
	ctx := context.Background()
	_, err := d.Enqueue(ctx, Request{TenantID: "acme", Type: TypeAskPendencies, Key: "ASK_PENDENCIES:c1:1"})
	require.NoError(t, err)
	claimed, err := d.Claim(ctx, "acme", nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	job, err := d.Complete(ctx, "acme", claimed[0].ID, Outcome{OK: true}, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, job.Status)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 10*time.Second, b.Delay(10))
}
