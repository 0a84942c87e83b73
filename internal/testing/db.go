// Package testing provides test helpers shared by the piohooks packages.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/yoradio/piohooks/internal/database"
)

// NewTestDB creates a migrated history database in a per-test directory.
// It is closed when the test finishes.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "piohooks.db")
	db, err := database.Open(path)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database: %v", err)
		}
	})

	return db
}
