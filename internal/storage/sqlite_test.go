package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"tasks", "task_locks", "task_log", "queue_entries"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}

	// Bootstrap is idempotent.
	if err := BootstrapSQLite(context.Background(), db); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRequireLocalFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "a", "b", "state.db")

	var inspected string
	err := requireLocalFilesystem(dbPath, func(p string) (string, error) {
		inspected = p
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("local fs rejected: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want nearest existing %q", inspected, root)
	}

	err = requireLocalFilesystem(dbPath, func(string) (string, error) { return "NFS", nil })
	if err == nil || !strings.Contains(err.Error(), "NFS") {
		t.Fatalf("expected network fs error, got %v", err)
	}

	if err := requireLocalFilesystem(dbPath, func(string) (string, error) { return "", errFSUnknown }); err != nil {
		t.Fatalf("unknown fs should be skipped, got %v", err)
	}

	if err := requireLocalFilesystem(dbPath, func(string) (string, error) { return "", errors.New("statfs") }); err == nil {
		t.Fatal("expected detector error")
	}
}
