// Package testutil provides shared helpers for scheduler tests: an
// in-memory monitor database, a miniredis-backed client, scripted model
// fakes, and a mem-cube builder.
package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/memsched/internal/scheduler/monitor"
)

// NewTestDB creates an in-memory SQLite database with the monitor schema
// applied. The caller is responsible for closing the database.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(monitor.Schema)
	require.NoError(t, err)
	return db
}
