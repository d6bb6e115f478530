package sqlitedriver_test

import (
	"database/sql"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/teradata-labs/amcp/internal/sqlitedriver"
)

func TestRegistersSQLite3(t *testing.T) {
	assert.True(t, slices.Contains(sql.Drivers(), "sqlite3"), "sqlite3 driver should be registered")
}

// The archive opens its database with WAL mode and a busy timeout; both
// bindings must accept those pragmas and round-trip rows.
func TestArchivePragmas(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("PRAGMA journal_mode=WAL")
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA busy_timeout = 10000")
	require.NoError(t, err)

	_, err = db.Exec("CREATE TABLE sessions (id TEXT PRIMARY KEY, state TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO sessions (id, state) VALUES (?, ?)", "s-1", "completed")
	require.NoError(t, err)

	var state string
	require.NoError(t, db.QueryRow("SELECT state FROM sessions WHERE id = ?", "s-1").Scan(&state))
	assert.Equal(t, "completed", state)
}
