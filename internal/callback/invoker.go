package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

var (
	ErrUnknownHandler = errors.New("unknown callback handler")
	ErrTimeout        = errors.New("callback timed out")
)

// Publisher receives callback failure events.
type Publisher interface {
	Publish(eventType string, data any)
}

// EventCallbackFailed is published whenever a handler errors, panics or
// times out.
const EventCallbackFailed = "callback.failed"

// Invoker runs handlers with panic isolation and a time limit. Its errors are
// reported, never propagated into the task's terminal record.
type Invoker struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	pub      Publisher
}

func NewInvoker(reg *Registry, timeout time.Duration, pub Publisher, logger *slog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{registry: reg, timeout: timeout, logger: logger, pub: pub}
}

// Invoke runs the handler named by spec. A handler still running when the
// timeout fires is abandoned with its context canceled.
func (i *Invoker) Invoke(ctx context.Context, spec Spec, out Outcome) error {
	name := spec.Name
	if name == "" {
		name = DefaultName
	}
	h, ok := i.registry.Lookup(name)
	if !ok {
		return i.fail(name, out, fmt.Errorf("%w: %q", ErrUnknownHandler, name))
	}

	cctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("callback panicked: %v\n%s", r, debug.Stack())
			}
		}()
		done <- h(cctx, out, spec.Kwargs)
	}()

	select {
	case err := <-done:
		if err != nil {
			return i.fail(name, out, err)
		}
		return nil
	case <-cctx.Done():
		return i.fail(name, out, fmt.Errorf("%w after %s", ErrTimeout, i.timeout))
	}
}

func (i *Invoker) fail(name string, out Outcome, err error) error {
	i.logger.Error("callback failed", "task_id", out.TaskID, "callback", name, "status", out.Status, "error", err)
	if i.pub != nil {
		i.pub.Publish(EventCallbackFailed, map[string]any{
			"task_id":  out.TaskID,
			"callback": name,
			"error":    err.Error(),
		})
	}
	return err
}
