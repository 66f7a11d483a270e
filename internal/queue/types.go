// Package queue carries task ids from the dispatcher to workers. A broker is
// only a delivery channel: it may deliver an id that is no longer claimable,
// and the state store decides whether a claim succeeds.
package queue

import (
	"context"
	"fmt"
	"strings"
)

// Broker is a set of named FIFO queues of task ids.
type Broker interface {
	Publish(ctx context.Context, queue, taskID string) error
	// Pop removes the oldest id from queue; ok is false when it is empty.
	Pop(ctx context.Context, queue string) (taskID string, ok bool, err error)
	Depth(ctx context.Context, queue string) (int, error)
	// Queues lists known queue names. The sqlite backend omits drained ones.
	Queues(ctx context.Context) ([]string, error)
	Close() error
}

// Durable is implemented by brokers whose entries survive a restart.
type Durable interface {
	Contains(ctx context.Context, queue, taskID string) (bool, error)
}

// Backend names accepted by config.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ParseBackend normalizes a backend name; empty means sqlite.
func ParseBackend(s string) (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(s)); b {
	case "":
		return BackendSQLite, nil
	case BackendMemory, BackendSQLite, BackendRedis:
		return b, nil
	}
	return "", fmt.Errorf("unknown broker backend %q", s)
}
