// Package lock serializes tasks that touch the same resource and guards the
// dispatcher process itself against a second instance.
package lock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// Policy decides what happens when a key is already held.
type Policy string

const (
	// PolicyReject fails the submission with the holder's id.
	PolicyReject Policy = "reject"
	// PolicyQueue parks the submission until the key frees up, FIFO per key.
	PolicyQueue Policy = "queue"
	// PolicyJoin hands back the holder's id instead of creating a new task.
	PolicyJoin Policy = "join"
)

// ParsePolicy maps a name to a Policy; empty means reject.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyReject, nil
	case PolicyReject, PolicyQueue, PolicyJoin:
		return p, nil
	}
	return "", fmt.Errorf("unknown lock policy %q", s)
}

// Outcome of an Acquire call.
type Outcome int

const (
	Acquired Outcome = iota
	Queued
	Joined
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Queued:
		return "queued"
	case Joined:
		return "joined"
	}
	return "unknown"
}

// Acquisition reports how Acquire resolved. Holder is the owning task after
// the call (the caller itself when Acquired).
type Acquisition struct {
	Outcome Outcome
	Holder  string
}

var ErrLockHeld = errors.New("lock held")

// HeldError is returned under PolicyReject.
type HeldError struct {
	Key    string
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %q held by %s", e.Key, e.Holder)
}

func (e *HeldError) Is(target error) bool { return target == ErrLockHeld }

// Persister stores the holder table so it survives restarts. Waiter order is
// reconstructed from task records, not persisted here.
type Persister interface {
	SaveLock(ctx context.Context, key, holder string) error
	DeleteLock(ctx context.Context, key, holder string) error
}

type entry struct {
	holder  string
	waiters []string
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// Manager holds per-key locks. Keys hash onto a fixed set of shards, each
// with its own mutex, so unrelated keys never contend.
type Manager struct {
	shards  []*shard
	persist Persister
	logger  *slog.Logger
}

// DefaultShards is used when NewManager is given a non-positive count.
const DefaultShards = 64

func NewManager(shards int, p Persister, logger *slog.Logger) *Manager {
	if shards <= 0 {
		shards = DefaultShards
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{shards: make([]*shard, shards), persist: p, logger: logger}
	for i := range m.shards {
		m.shards[i] = &shard{keys: make(map[string]*entry)}
	}
	return m
}

func (m *Manager) shardFor(key string) *shard {
	sum := blake3.Sum256([]byte(key))
	return m.shards[binary.LittleEndian.Uint64(sum[:8])%uint64(len(m.shards))]
}

// Acquire tries to make taskID the holder of key. An empty key is always
// acquired. Re-acquiring as the current holder, or as an already-queued
// waiter, is idempotent.
func (m *Manager) Acquire(ctx context.Context, key, taskID string, policy Policy) (Acquisition, error) {
	if key == "" {
		return Acquisition{Outcome: Acquired, Holder: taskID}, nil
	}
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.keys[key]
	if !ok {
		if m.persist != nil {
			if err := m.persist.SaveLock(ctx, key, taskID); err != nil {
				return Acquisition{}, fmt.Errorf("persist lock %q: %w", key, err)
			}
		}
		sh.keys[key] = &entry{holder: taskID}
		return Acquisition{Outcome: Acquired, Holder: taskID}, nil
	}
	if e.holder == taskID {
		return Acquisition{Outcome: Acquired, Holder: taskID}, nil
	}

	switch policy {
	case PolicyQueue:
		for _, w := range e.waiters {
			if w == taskID {
				return Acquisition{Outcome: Queued, Holder: e.holder}, nil
			}
		}
		e.waiters = append(e.waiters, taskID)
		return Acquisition{Outcome: Queued, Holder: e.holder}, nil
	case PolicyJoin:
		return Acquisition{Outcome: Joined, Holder: e.holder}, nil
	default:
		return Acquisition{}, &HeldError{Key: key, Holder: e.holder}
	}
}

// Release gives up taskID's claim on key. If taskID holds the key, the first
// waiter (if any) is promoted and returned. If taskID is only waiting, it is
// dropped from the queue. Anything else is a no-op. The in-memory table is
// always updated; a persistence failure is returned for the caller to log
// and is reconciled on the next recovery.
func (m *Manager) Release(ctx context.Context, key, taskID string) (string, error) {
	if key == "" {
		return "", nil
	}
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.keys[key]
	if !ok {
		return "", nil
	}
	if e.holder != taskID {
		for i, w := range e.waiters {
			if w == taskID {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
		return "", nil
	}

	if len(e.waiters) == 0 {
		delete(sh.keys, key)
		if m.persist != nil {
			if err := m.persist.DeleteLock(ctx, key, taskID); err != nil {
				return "", fmt.Errorf("persist release of %q: %w", key, err)
			}
		}
		return "", nil
	}

	next := e.waiters[0]
	e.holder = next
	e.waiters = e.waiters[1:]
	m.logger.Debug("lock handed off", "lock_key", key, "from", taskID, "to", next)
	if m.persist != nil {
		if err := m.persist.SaveLock(ctx, key, next); err != nil {
			return next, fmt.Errorf("persist handoff of %q: %w", key, err)
		}
	}
	return next, nil
}

// Restore installs holder for key without consulting policy, replacing any
// in-memory state for key. Used when rebuilding from durable records.
func (m *Manager) Restore(ctx context.Context, key, holder string) error {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.keys[key] = &entry{holder: holder}
	if m.persist != nil {
		return m.persist.SaveLock(ctx, key, holder)
	}
	return nil
}

// Holder returns the current holder of key.
func (m *Manager) Holder(key string) (string, bool) {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.keys[key]; ok {
		return e.holder, true
	}
	return "", false
}

// Waiters returns a copy of key's queue.
func (m *Manager) Waiters(key string) []string {
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.keys[key]
	if !ok {
		return nil
	}
	return append([]string(nil), e.waiters...)
}

// Snapshot returns key -> holder for every held key.
func (m *Manager) Snapshot() map[string]string {
	out := make(map[string]string)
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, e := range sh.keys {
			out[k] = e.holder
		}
		sh.mu.Unlock()
	}
	return out
}
