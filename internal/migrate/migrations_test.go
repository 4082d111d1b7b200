package migrate_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stasm/todo/internal/db"
	"github.com/stasm/todo/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{DSN: "file:" + filepath.Join(t.TempDir(), "m.db") + "?_pragma=foreign_keys(1)"})
	require.NoError(t, err)
	defer conn.Close()

	_, err = migrate.Version(conn)
	assert.Error(t, err, "schema_version does not exist yet")

	latest, err := migrate.Latest(db.SQLite)
	require.NoError(t, err)
	require.Positive(t, latest)

	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	v, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestEveryDialectHasMigrations(t *testing.T) {
	for _, d := range []db.Dialect{db.SQLite, db.Postgres} {
		latest, err := migrate.Latest(d)
		require.NoError(t, err, d)
		assert.Equal(t, 1, latest, d)
	}
}
