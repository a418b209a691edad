package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE cases SET stage=?, updated_at=? WHERE id=?`
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, `UPDATE cases SET stage=$1, updated_at=$2 WHERE id=$3`, Postgres.Rebind(q))
	assert.Equal(t, `SELECT 1`, Postgres.Rebind(`SELECT 1`))
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.Equal(t, SQLite, DialectOf(conn))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
	_, err = Open(Config{Driver: DriverPostgres})
	require.Error(t, err, "postgres needs a DSN")
}
