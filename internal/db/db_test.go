package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `SELECT id FROM cases WHERE tenant_id=? AND meta_json LIKE '%?%' AND state=?`
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, `SELECT id FROM cases WHERE tenant_id=$1 AND meta_json LIKE '%?%' AND state=$2`, Postgres.Rebind(q))
}

func TestConfigDialect(t *testing.T) {
	assert.Equal(t, SQLite, Config{Workspace: "."}.Dialect())
	assert.Equal(t, Postgres, Config{DSN: "postgres://u:p@localhost/caseline"}.Dialect())
	assert.Equal(t, Postgres, Config{DSN: "PostgreSQL://localhost/caseline"}.Dialect())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))

	conn, err := Open(Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	_, err = conn.ExecContext(ctx, `CREATE TABLE k(id TEXT PRIMARY KEY, v TEXT, UNIQUE(v))`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO k(id,v) VALUES ('a','x')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO k(id,v) VALUES ('b','x')`)
	assert.True(t, IsUniqueViolation(err), "unique: %v", err)
	_, err = conn.ExecContext(ctx, `INSERT INTO k(id,v) VALUES ('a','y')`)
	assert.True(t, IsUniqueViolation(err), "primary key: %v", err)
	_, err = conn.ExecContext(ctx, `INSERT INTO missing(id) VALUES ('a')`)
	assert.False(t, IsUniqueViolation(err))
}
