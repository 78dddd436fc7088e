// Package testing provides database helpers shared by store and server
// tests.
package testing

import (
	"database/sql"
	"testing"

	"github.com/teranos/hone/db"
)

// OpenDB returns an in-memory SQLite database with the full schema
// applied, closed when the test ends. The pool is pinned to a single
// connection because every database/sql connection to :memory: gets its
// own empty database.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(":memory:", nil)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	return conn
}
