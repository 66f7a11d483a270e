// Package callback holds the closed set of named completion handlers and
// invokes them once a task reaches a terminal state.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// DefaultName is used when a submission names no callback. It only logs the
// outcome.
const DefaultName = "log"

// Spec is the plain-data reference to a handler stored with a task.
type Spec struct {
	Name   string         `json:"name"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Outcome is what a handler learns about the finished task.
type Outcome struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Handler applies a task outcome to application state.
type Handler func(ctx context.Context, out Outcome, kwargs map[string]any) error

// Registry maps handler names to handlers. Handlers are registered at
// startup; names not present are rejected at submit.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry containing the default log handler.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	_ = r.Register(DefaultName, logHandler(logger))
	return r
}

// Register adds h under name. Re-registering a name is an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("callback name is empty")
	}
	if h == nil {
		return fmt.Errorf("callback %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("callback %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names lists registered handlers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func logHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, out Outcome, _ map[string]any) error {
		logger.Info("task finished", "task_id", out.TaskID, "status", out.Status, "reason", out.Reason)
		return nil
	}
}
