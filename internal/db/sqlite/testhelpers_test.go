package sqlite

import (
	"path/filepath"
	"testing"
)

// testDB opens a temporary on-disk database with migrations applied.
func testDB(t *testing.T) *DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "taxon-test.db")
	database, err := Open(StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})

	return database
}
