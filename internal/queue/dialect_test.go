package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDialect(t *testing.T) {
	cases := []struct {
		driver, uri string
		want        Dialect
	}{
		{"", "sqlite:///tasks.db", SQLite},
		{"", "file:tasks.db", SQLite},
		{"", "postgres://u:p@localhost/app", Postgres},
		{"", "postgresql+psycopg2://u:p@localhost/app", Postgres},
		{"", "mysql+pymysql://u:p@localhost/app", MySQL},
		{"mysql", "u:p@tcp(localhost:3306)/app", MySQL},
		{"Postgres", "whatever", Postgres},
	}
	for _, tc := range cases {
		got, err := ResolveDialect(tc.driver, tc.uri)
		require.NoError(t, err, tc.uri)
		assert.Equal(t, tc.want, got, tc.uri)
	}

	_, err := ResolveDialect("", "redis://localhost")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
	_, err = ResolveDialect("oracle", "")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestSQLiteDSN(t *testing.T) {
	dsn, err := SQLite.DSN("sqlite:///C:\\data\\tasks.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "file:C:/data/tasks.db?")
	assert.Contains(t, dsn, "_pragma=journal_mode(WAL)")
	assert.Contains(t, dsn, "_pragma=cache_size(-65536)")
	assert.Contains(t, dsn, "_pragma=synchronous(0)")
	assert.Contains(t, dsn, "_txlock=immediate")

	dsn, err = SQLite.DSN("sqlite:////var/lib/taskx.db?mode=rwc")
	require.NoError(t, err)
	assert.Contains(t, dsn, "file:/var/lib/taskx.db?")
	assert.Contains(t, dsn, "&mode=rwc")
}

func TestPostgresDSN(t *testing.T) {
	dsn, err := Postgres.DSN("postgresql+psycopg2://u:p@db:5432/app?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/app?sslmode=disable", dsn)
}

func TestMySQLDSN(t *testing.T) {
	dsn, err := MySQL.DSN("mysql+pymysql://u:p@db/app?charset=utf8mb4")
	require.NoError(t, err)
	assert.Contains(t, dsn, "u:p@tcp(db:3306)/app?")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")

	dsn, err = MySQL.DSN("u:p@tcp(db:3307)/app")
	require.NoError(t, err)
	assert.Contains(t, dsn, "u:p@tcp(db:3307)/app?")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestRebind(t *testing.T) {
	q := "UPDATE schedule SET claimed = TRUE WHERE id = ? AND retry_count < ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, "UPDATE schedule SET claimed = TRUE WHERE id = $1 AND retry_count < $2", Postgres.Rebind(q))
}

func TestSchemaPerDialect(t *testing.T) {
	assert.Contains(t, Postgres.schema()[0], "JSONB")
	assert.Contains(t, MySQL.schema()[0], "AUTO_INCREMENT")
	assert.Contains(t, SQLite.schema()[0], "AUTOINCREMENT")
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", Postgres.lockClause())
	assert.Empty(t, SQLite.lockClause())
	assert.Equal(t, "pgx", Postgres.DriverName())
}
