package queue

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Broker. Contents do not survive a restart; the
// dispatcher republishes queued tasks on recovery.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]string
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[string][]string)}
}

func (m *Memory) Publish(_ context.Context, queue, taskID string) error {
	m.mu.Lock()
	m.queues[queue] = append(m.queues[queue], taskID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Pop(_ context.Context, queue string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if len(q) == 0 {
		return "", false, nil
	}
	id := q[0]
	q[0] = ""
	m.queues[queue] = q[1:]
	return id, true, nil
}

func (m *Memory) Depth(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue]), nil
}

func (m *Memory) Queues(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for name := range m.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
