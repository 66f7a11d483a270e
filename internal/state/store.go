// Package state is the durable status store for dispatch tasks and the lock
// table, backed by SQLite.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/dispatchd/internal/retry"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `
  id, owner, command, stdin, queue, lock_key, lock_policy, lock_held, block_on, phase,
  callback, output_mapping, cache_key, cache_ttl_ms, lease_ttl_ms, worker, result, reason,
  created_at, expires_at, claimed_at, lease_expires_at, completed_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts t. A record with the same id yields ErrDuplicateTask. A
// task inserted already terminal gets its audit row in the same
// transaction.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.Phase.Terminal() && t.CompletedAt == nil {
		now := s.now()
		t.CompletedAt = &now
	}
	cb, err := json.Marshal(t.Callback)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	var om any
	if !t.Output.IsZero() {
		raw, err := json.Marshal(t.Output)
		if err != nil {
			return fmt.Errorf("marshal output mapping: %w", err)
		}
		om = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return retry.Unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO tasks(
  id, owner, command, stdin, queue, lock_key, lock_policy, lock_held, block_on, phase,
  callback, output_mapping, cache_key, cache_ttl_ms, lease_ttl_ms, result, reason,
  created_at, expires_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, t.ID, t.Owner, t.Command, t.Stdin, t.Queue, nullString(t.LockKey), t.LockPolicy, t.LockHeld,
		nullString(t.BlockOn), t.Phase, string(cb), om, nullString(t.CacheKey),
		t.CacheTTL.Milliseconds(), t.LeaseTTL.Milliseconds(), nullJSON(t.Result), nullString(t.Reason),
		formatTime(t.CreatedAt), formatTime(t.ExpiresAt), nullTime(t.CompletedAt))
	if err != nil {
		return retry.Unavailable("insert task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return retry.Unavailable("insert task", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	if t.Phase.Terminal() {
		_, err = tx.ExecContext(ctx, `
INSERT INTO task_log(task_id, queue, lock_key, phase, reason, worker, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, t.ID, t.Queue, nullString(t.LockKey), t.Phase, nullString(t.Reason), nullString(t.Worker),
			formatTime(t.CreatedAt), nullTime(t.CompletedAt))
		if err != nil {
			return retry.Unavailable("insert task_log", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return retry.Unavailable("commit tx", err)
	}
	return nil
}

// Get loads a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, retry.Unavailable("load task", err)
	}
	return t, nil
}

// Transition moves id from one non-terminal phase to another. It reports
// false when the task was not in from.
func (s *Store) Transition(ctx context.Context, id string, from, to Phase) (bool, error) {
	if from.Terminal() || to.Terminal() {
		return false, fmt.Errorf("transition %s->%s: use MarkTerminal", from, to)
	}
	return s.execAffected(ctx, "transition task",
		`UPDATE tasks SET phase = ? WHERE id = ? AND phase = ?;`, to, id, from)
}

// Park moves a waiting task to blocked, provided its dependency has not
// already been cleared.
func (s *Store) Park(ctx context.Context, id string) (bool, error) {
	return s.execAffected(ctx, "park task",
		`UPDATE tasks SET phase = ? WHERE id = ? AND phase = ? AND block_on IS NOT NULL;`,
		PhaseBlocked, id, PhaseWaiting)
}

// SetLockHeld records that id now owns its lock.
func (s *Store) SetLockHeld(ctx context.Context, id string) (bool, error) {
	return s.execAffected(ctx, "set lock held",
		`UPDATE tasks SET lock_held = 1 WHERE id = ? AND phase IN (?, ?, ?, ?);`,
		id, PhaseWaiting, PhaseBlocked, PhaseQueued, PhaseRunning)
}

// ClearBlock drops id's dependency once the blocker has finished.
func (s *Store) ClearBlock(ctx context.Context, id string) (bool, error) {
	return s.execAffected(ctx, "clear block",
		`UPDATE tasks SET block_on = NULL WHERE id = ? AND block_on IS NOT NULL;`, id)
}

// Claim hands a queued task to worker and starts its lease. It returns
// (nil, nil) when the task is no longer claimable: already claimed, canceled,
// finalized, or past its deadline.
func (s *Store) Claim(ctx context.Context, id, worker string) (*Task, error) {
	var leaseMS int64
	err := s.db.QueryRowContext(ctx, `SELECT lease_ttl_ms FROM tasks WHERE id = ?;`, id).Scan(&leaseMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, retry.Unavailable("load lease ttl", err)
	}

	now := s.now()
	lease := now.Add(time.Duration(leaseMS) * time.Millisecond)
	row := s.db.QueryRowContext(ctx, `
UPDATE tasks
SET phase = ?, worker = ?, claimed_at = ?, lease_expires_at = ?
WHERE id = ? AND phase = ? AND expires_at > ?
RETURNING `+taskColumns+`;
`, PhaseRunning, worker, formatTime(now), formatTime(lease), id, PhaseQueued, formatTime(now))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, retry.Unavailable("claim task", err)
	}
	return t, nil
}

// RenewLease extends the lease of a running task held by worker.
func (s *Store) RenewLease(ctx context.Context, id, worker string) (time.Time, error) {
	var leaseMS int64
	err := s.db.QueryRowContext(ctx, `SELECT lease_ttl_ms FROM tasks WHERE id = ?;`, id).Scan(&leaseMS)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return time.Time{}, retry.Unavailable("load lease ttl", err)
	}
	lease := s.now().Add(time.Duration(leaseMS) * time.Millisecond)
	ok, err := s.execAffected(ctx, "renew lease", `
UPDATE tasks SET lease_expires_at = ?
WHERE id = ? AND phase = ? AND worker = ?;
`, formatTime(lease), id, PhaseRunning, worker)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return lease.UTC(), nil
}

// MarkTerminal finalizes id and appends an audit row. If from is non-empty
// the task must currently be in one of those phases. It is the only way a
// task becomes terminal and succeeds at most once per task.
func (s *Store) MarkTerminal(ctx context.Context, id string, to Phase, result json.RawMessage, reason string, from ...Phase) (*Task, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("invalid terminal phase: %q", to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, retry.Unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current Phase
	err = tx.QueryRowContext(ctx, `SELECT phase FROM tasks WHERE id = ?;`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, retry.Unavailable("load task for completion", err)
	}
	if current.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, current)
	}
	if len(from) > 0 && !phaseIn(current, from) {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnexpectedPhase, id, current)
	}

	completedAt := formatTime(s.now())
	row := tx.QueryRowContext(ctx, `
UPDATE tasks
SET phase = ?, result = ?, reason = ?, completed_at = ?
WHERE id = ?
RETURNING `+taskColumns+`;
`, to, nullJSON(result), nullString(reason), completedAt, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, retry.Unavailable("update task completion", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO task_log(task_id, queue, lock_key, phase, reason, worker, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, t.ID, t.Queue, nullString(t.LockKey), t.Phase, nullString(t.Reason), nullString(t.Worker),
		formatTime(t.CreatedAt), completedAt)
	if err != nil {
		return nil, retry.Unavailable("insert task_log", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, retry.Unavailable("commit tx", err)
	}
	return t, nil
}

// ListExpired returns unclaimed tasks whose deadline is at or before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.list(ctx, "list expired tasks", `
WHERE phase IN (?, ?, ?) AND expires_at <= ?
ORDER BY created_at ASC, rowid ASC;
`, PhaseWaiting, PhaseBlocked, PhaseQueued, formatTime(now))
}

// ListLeaseExpired returns running tasks whose worker lease has lapsed.
func (s *Store) ListLeaseExpired(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.list(ctx, "list lease-expired tasks", `
WHERE phase = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
ORDER BY created_at ASC, rowid ASC;
`, PhaseRunning, formatTime(now))
}

// ListActive returns every non-terminal task in submission order.
func (s *Store) ListActive(ctx context.Context) ([]*Task, error) {
	return s.list(ctx, "list active tasks", `
WHERE phase IN (?, ?, ?, ?)
ORDER BY created_at ASC, rowid ASC;
`, PhaseWaiting, PhaseBlocked, PhaseQueued, PhaseRunning)
}

// ListStalled returns pending tasks that could move on but have not:
// waiting tasks that own their lock (or need none), and blocked tasks whose
// blocker is finished or gone.
func (s *Store) ListStalled(ctx context.Context) ([]*Task, error) {
	return s.list(ctx, "list stalled tasks", `
WHERE (phase = ? AND (lock_key IS NULL OR lock_held = 1))
   OR (phase = ? AND (block_on IS NULL OR NOT EXISTS (
         SELECT 1 FROM tasks b WHERE b.id = tasks.block_on AND b.phase IN (?, ?, ?, ?))))
ORDER BY created_at ASC, rowid ASC;
`, PhaseWaiting, PhaseBlocked, PhaseWaiting, PhaseBlocked, PhaseQueued, PhaseRunning)
}

// CountByPhase returns the number of tasks per phase.
func (s *Store) CountByPhase(ctx context.Context) (map[Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(*) FROM tasks GROUP BY phase;`)
	if err != nil {
		return nil, retry.Unavailable("count tasks", err)
	}
	defer rows.Close()

	out := make(map[Phase]int)
	for rows.Next() {
		var (
			p Phase
			n int
		)
		if err := rows.Scan(&p, &n); err != nil {
			return nil, retry.Unavailable("scan task count", err)
		}
		out[p] = n
	}
	return out, retry.Unavailable("count tasks", rows.Err())
}

func (s *Store) list(ctx context.Context, op, where string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where, args...)
	if err != nil {
		return nil, retry.Unavailable(op, err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, retry.Unavailable(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, retry.Unavailable(op, err)
	}
	return out, nil
}

func (s *Store) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, retry.Unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, retry.Unavailable(op, err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var (
		t                                                  Task
		lockKey, blockOn, cacheKey, worker, reason, result sql.NullString
		cb, om                                             sql.NullString
		cacheTTL, leaseTTL                                 int64
		createdAt, expiresAt                               string
		claimedAt, leaseExpiresAt, completedAt             sql.NullString
	)
	err := sc.Scan(
		&t.ID, &t.Owner, &t.Command, &t.Stdin, &t.Queue, &lockKey, &t.LockPolicy, &t.LockHeld, &blockOn, &t.Phase,
		&cb, &om, &cacheKey, &cacheTTL, &leaseTTL, &worker, &result, &reason,
		&createdAt, &expiresAt, &claimedAt, &leaseExpiresAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.LockKey = lockKey.String
	t.BlockOn = blockOn.String
	t.CacheKey = cacheKey.String
	t.Worker = worker.String
	t.Reason = reason.String
	t.CacheTTL = time.Duration(cacheTTL) * time.Millisecond
	t.LeaseTTL = time.Duration(leaseTTL) * time.Millisecond
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if cb.Valid && cb.String != "" {
		if err := json.Unmarshal([]byte(cb.String), &t.Callback); err != nil {
			return nil, fmt.Errorf("decode callback for %s: %w", t.ID, err)
		}
	}
	if om.Valid && om.String != "" {
		if err := json.Unmarshal([]byte(om.String), &t.Output); err != nil {
			return nil, fmt.Errorf("decode output mapping for %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = parseTime(createdAt)
	t.ExpiresAt = parseTime(expiresAt)
	t.ClaimedAt = parseNullTime(claimedAt)
	t.LeaseExpiresAt = parseNullTime(leaseExpiresAt)
	t.CompletedAt = parseNullTime(completedAt)
	return &t, nil
}

func phaseIn(p Phase, set []Phase) bool {
	for _, q := range set {
		if p == q {
			return true
		}
	}
	return false
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
