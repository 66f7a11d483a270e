package state

import (
	"context"

	"github.com/mattjoyce/dispatchd/internal/retry"
)

// SaveLock records holder as the owner of key, replacing any previous row.
func (s *Store) SaveLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_locks(lock_key, holder_id, acquired_at)
VALUES(?, ?, ?)
ON CONFLICT(lock_key) DO UPDATE SET
  holder_id = excluded.holder_id,
  acquired_at = excluded.acquired_at;
`, key, holder, formatTime(s.now()))
	return retry.Unavailable("save lock", err)
}

// DeleteLock removes key only if holder still owns it.
func (s *Store) DeleteLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_locks WHERE lock_key = ? AND holder_id = ?;`, key, holder)
	return retry.Unavailable("delete lock", err)
}

// LoadLocks returns the persisted key -> holder table.
func (s *Store) LoadLocks(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lock_key, holder_id FROM task_locks;`)
	if err != nil {
		return nil, retry.Unavailable("load locks", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, holder string
		if err := rows.Scan(&key, &holder); err != nil {
			return nil, retry.Unavailable("scan lock", err)
		}
		out[key] = holder
	}
	if err := rows.Err(); err != nil {
		return nil, retry.Unavailable("load locks", err)
	}
	return out, nil
}
