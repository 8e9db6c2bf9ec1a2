package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, Migrate(conn, db.SQLite))
	require.NoError(t, Migrate(conn, db.SQLite))

	var applied int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	migrations, err := loadMigrations(db.SQLite)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), applied)

	var key string
	require.NoError(t, conn.QueryRow(`SELECT key FROM journeys WHERE id='jrn_sales_order'`).Scan(&key))
	assert.Equal(t, "sales_order", key)
}

func TestLoadMigrationsPerDialect(t *testing.T) {
	for _, d := range []db.Dialect{db.SQLite, db.Postgres} {
		migrations, err := loadMigrations(d)
		require.NoError(t, err, d)
		require.NotEmpty(t, migrations, d)
		assert.Equal(t, 1, migrations[0].Version)
	}
	_, err := loadMigrations(db.Dialect("mysql"))
	assert.Error(t, err)
}
