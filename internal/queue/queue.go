package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattjoyce/dispatchd/internal/retry"
)

// SQLite is a Broker stored in the queue_entries table of the dispatch
// database, so queued ids survive a restart without an external service.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (q *SQLite) Publish(ctx context.Context, queue, taskID string) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO queue_entries(queue, task_id, enqueued_at)
VALUES(?, ?, ?);
`, queue, taskID, time.Now().UTC().Format(time.RFC3339Nano))
	return retry.Unavailable("publish", err)
}

// Pop deletes and returns the oldest entry for queue. Returns ("", false, nil)
// if the queue is empty.
func (q *SQLite) Pop(ctx context.Context, queue string) (string, bool, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT seq
  FROM queue_entries
  WHERE queue = ?
  ORDER BY seq ASC
  LIMIT 1
)
DELETE FROM queue_entries
WHERE seq IN (SELECT seq FROM next)
RETURNING task_id;
`, queue).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, retry.Unavailable("pop", err)
	}
	return id, true, nil
}

func (q *SQLite) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE queue = ?;`, queue).Scan(&n)
	if err != nil {
		return 0, retry.Unavailable("queue depth", err)
	}
	return n, nil
}

func (q *SQLite) Queues(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT queue FROM queue_entries ORDER BY queue;`)
	if err != nil {
		return nil, retry.Unavailable("list queues", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, retry.Unavailable("scan queue", err)
		}
		out = append(out, name)
	}
	return out, retry.Unavailable("list queues", rows.Err())
}

// Contains reports whether taskID is already waiting on queue.
func (q *SQLite) Contains(ctx context.Context, queue, taskID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE queue = ? AND task_id = ?;`, queue, taskID).Scan(&n)
	if err != nil {
		return false, retry.Unavailable("queue lookup", err)
	}
	return n > 0, nil
}

// Close is a no-op; the database belongs to the caller.
func (q *SQLite) Close() error { return nil }
