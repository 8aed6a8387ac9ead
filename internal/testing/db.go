// Package testing provides testing utilities and helpers for the allocator.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/foliofund/allocator/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates an isolated on-disk SQLite database under the test's
// temporary directory, with the allocator schema applied. The file is removed
// with the temp dir when the test finishes.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "allocator_test.db")
	db, err := database.New(database.Config{
		Path: path,
		Name: "allocator-test",
	})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
