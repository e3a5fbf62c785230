package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE forms SET status=? WHERE token=? AND expires_at > ?`
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t, `UPDATE forms SET status=$1 WHERE token=$2 AND expires_at > $3`, Rebind(Postgres, q))
	assert.Equal(t, `SELECT 1`, Rebind(Postgres, `SELECT 1`))
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	_, err = os.Stat(filepath.Join(dir, ".formline", "formline.db"))
	require.NoError(t, err)
}

func TestDialect(t *testing.T) {
	assert.Equal(t, SQLite, Config{}.Dialect())
	assert.Equal(t, Postgres, Config{Driver: "postgres"}.Dialect())
}
