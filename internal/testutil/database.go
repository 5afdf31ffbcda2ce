// Package testutil provides shared test helpers.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rubato-io/rubato/db"
)

// CreateTestDB opens a migrated SQLite database in a per-test temp dir.
// File-backed with WAL (like production) so concurrent connections in
// claim-exclusivity tests observe a coherent database, which in-memory
// SQLite does not guarantee across pool connections.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rubato_test.db")
	conn, err := db.Open(path, nil)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// SeedUser inserts a user row directly. Raw SQL keeps testutil free of
// store imports so in-package store tests can use it without a cycle.
func SeedUser(t *testing.T, conn *sql.DB, id, tier string) {
	t.Helper()
	_, err := conn.Exec(
		"INSERT INTO users (id, tier, created_at) VALUES (?, ?, ?)",
		id, tier, time.Now().UnixMilli(),
	)
	if err != nil {
		t.Fatalf("seeding user %s: %v", id, err)
	}
}

// SeedJob inserts an active job row directly.
func SeedJob(t *testing.T, conn *sql.DB, id, userID, name string) {
	t.Helper()
	now := time.Now().UnixMilli()
	_, err := conn.Exec(
		"INSERT INTO jobs (id, user_id, name, status, created_at, updated_at) VALUES (?, ?, ?, 'active', ?, ?)",
		id, userID, name, now, now,
	)
	if err != nil {
		t.Fatalf("seeding job %s: %v", id, err)
	}
}
