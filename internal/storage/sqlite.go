package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the dispatch database at path and
// ensures the dispatch tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := requireLocalFilesystem(path, filesystemName); err != nil {
		return nil, err
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; transactions never contend for an upgrade.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
//
// Timestamps are fixed-width UTC strings (see state.formatTime) so that
// lexical comparison in SQL matches chronological order.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
  id               TEXT PRIMARY KEY,
  owner            TEXT NOT NULL,
  command          TEXT NOT NULL,
  stdin            BLOB,
  queue            TEXT NOT NULL,
  lock_key         TEXT,
  lock_policy      TEXT NOT NULL DEFAULT 'reject',
  lock_held        INTEGER NOT NULL DEFAULT 0,
  block_on         TEXT,
  phase            TEXT NOT NULL,
  callback         JSON,
  output_mapping   JSON,
  cache_key        TEXT,
  cache_ttl_ms     INTEGER NOT NULL DEFAULT 0,
  lease_ttl_ms     INTEGER NOT NULL DEFAULT 0,
  worker           TEXT,
  result           JSON,
  reason           TEXT,
  created_at       TEXT NOT NULL,
  expires_at       TEXT NOT NULL,
  claimed_at       TEXT,
  lease_expires_at TEXT,
  completed_at     TEXT
);`,
		`CREATE TABLE IF NOT EXISTS task_locks (
  lock_key    TEXT PRIMARY KEY,
  holder_id   TEXT NOT NULL,
  acquired_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS task_log (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id      TEXT NOT NULL,
  queue        TEXT NOT NULL,
  lock_key     TEXT,
  phase        TEXT NOT NULL,
  reason       TEXT,
  worker       TEXT,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  queue       TEXT NOT NULL,
  task_id     TEXT NOT NULL,
  enqueued_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS queue_entries_queue_seq_idx ON queue_entries(queue, seq);`,
		`CREATE INDEX IF NOT EXISTS tasks_phase_expires_at_idx ON tasks(phase, expires_at);`,
		`CREATE INDEX IF NOT EXISTS tasks_phase_lease_idx ON tasks(phase, lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS tasks_lock_key_phase_idx ON tasks(lock_key, phase);`,
		`CREATE INDEX IF NOT EXISTS tasks_block_on_idx ON tasks(block_on);`,
		`CREATE INDEX IF NOT EXISTS task_log_task_id_idx ON task_log(task_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
