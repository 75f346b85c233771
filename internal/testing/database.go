// Package testing holds shared test fixtures.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JoyciAkira/sgn-core-sub001/db"
)

// CreateTestDB creates a file-backed SQLite test database with the full
// schema applied. A file (under t.TempDir) rather than :memory: so WAL
// behaves as in production. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sgn-test.db")
	database, err := db.Open(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})

	if err := db.Migrate(database, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return database
}
