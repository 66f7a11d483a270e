// Package cache stores successful task results under caller-chosen keys so
// an identical submission can be answered without running anything.
package cache

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Cache is a TTL'd byte store. Get reports a miss with ok=false and a nil
// error; backends only return errors for I/O failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

const maxRawKey = 200

// Key normalizes a caller key for storage. Long keys are replaced by their
// blake3 digest so backends never see unbounded key sizes.
func Key(raw string) string {
	if len(raw) <= maxRawKey {
		return "result:" + raw
	}
	sum := blake3.Sum256([]byte(raw))
	return "result:h:" + hex.EncodeToString(sum[:])
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	k := Key(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, k)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[Key(key)] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
