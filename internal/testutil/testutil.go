// Package testutil provides shared test helpers for setting up source trees and backends.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/sift/internal/storage"
	"github.com/starford/sift/internal/store/sqlitestore"
)

// TestBackend creates a temporary SQLite backend that is automatically cleaned up.
func TestBackend(t *testing.T) *sqlitestore.DB {
	t.Helper()
	db, err := sqlitestore.Open(filepath.Join(t.TempDir(), "sift-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

// TestTree creates a temporary source tree holding files (relative path to
// content) and returns its root with a storage.Provider.
func TestTree(t *testing.T, files map[string]string) (string, storage.Provider) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fs, err := storage.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	return root, fs
}
