package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mattjoyce/dispatchd/internal/callback"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/state"
)

// finalize makes id terminal and runs everything that hangs off completion,
// in order: cache fill, callback, lock release, dependent release. It runs
// detached from ctx's cancellation so a disconnecting caller cannot leave a
// lock behind.
func (d *Dispatcher) finalize(ctx context.Context, id string, to state.Phase, result json.RawMessage, reason string, from ...state.Phase) (*state.Task, error) {
	ctx = context.WithoutCancel(ctx)

	t, err := d.store.MarkTerminal(ctx, id, to, result, reason, from...)
	if err != nil {
		return nil, err
	}
	logger := d.taskLogger(t)
	logger.Info("task finished", "status", t.Status(), "reason", t.Reason, "worker", t.Worker)

	if t.Phase == state.PhaseSuccess && t.CacheKey != "" && d.cache != nil {
		if err := d.cache.Set(ctx, t.CacheKey, t.Result, t.CacheTTL); err != nil {
			logger.Warn("cache store failed", "cache_key", t.CacheKey, "error", err)
		}
	}

	if d.invoker != nil {
		_ = d.invoker.Invoke(ctx, t.Callback, callback.Outcome{
			TaskID: t.ID,
			Status: string(t.Status()),
			Result: t.Result,
			Reason: t.Reason,
		})
	}

	d.releaseLock(ctx, t.LockKey, t.ID)

	for _, waiter := range d.blocker.Notify(t.ID) {
		d.clearBlock(ctx, waiter)
		d.advance(ctx, waiter)
		d.publish(events.DependencyReleased, events.TaskEvent{TaskID: waiter, Related: t.ID})
	}

	d.publish(completionEvent(t), eventOf(t))
	return t, nil
}

func completionEvent(t *state.Task) string {
	switch {
	case t.Phase == state.PhaseExpired:
		return events.TaskExpired
	case t.Reason == state.ReasonCanceled:
		return events.TaskCanceled
	default:
		return events.TaskCompleted
	}
}

// releaseLock frees key and moves the promoted waiter, if any, along.
func (d *Dispatcher) releaseLock(ctx context.Context, key, id string) {
	if key == "" {
		return
	}
	next, err := d.locks.Release(ctx, key, id)
	if err != nil {
		d.logger.Warn("persist lock release failed", "lock_key", key, "task_id", id, "error", err)
	}
	if next == "" {
		return
	}
	d.logger.Info("lock handed off", "lock_key", key, "from", id, "to", next)
	d.markLockHeld(ctx, next)
	d.advance(ctx, next)
	d.publish(events.LockPromoted, events.TaskEvent{TaskID: next, LockKey: key, Related: id})
}

func (d *Dispatcher) markLockHeld(ctx context.Context, id string) {
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		_, err := d.store.SetLockHeld(ctx, id)
		return err
	})
	if err != nil {
		d.logger.Error("record lock handoff failed", "task_id", id, "error", err)
	}
}

func (d *Dispatcher) clearBlock(ctx context.Context, id string) {
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		_, err := d.store.ClearBlock(ctx, id)
		return err
	})
	if err != nil {
		d.logger.Error("clear dependency failed", "task_id", id, "error", err)
	}
}

// advance moves a pending task as far as its lock and dependency allow and
// publishes it once it is queued. Safe to call any number of times.
func (d *Dispatcher) advance(ctx context.Context, id string) {
	// a lost race re-reads the row once; the winner has already moved it
	for attempt := 0; attempt < 2; attempt++ {
		if !d.advanceOnce(ctx, id) {
			return
		}
	}
}

// advanceOnce reports whether the row changed under it and should be
// re-read.
func (d *Dispatcher) advanceOnce(ctx context.Context, id string) bool {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, state.ErrTaskNotFound) {
			d.logger.Warn("load task to advance failed", "task_id", id, "error", err)
		}
		return false
	}

	target := state.PhaseQueued
	switch {
	case t.LockKey != "" && !t.LockHeld:
		target = state.PhaseWaiting
	case t.BlockOn != "":
		target = state.PhaseBlocked
	}
	if !forward(t.Phase, target) {
		return false
	}

	var ok bool
	if target == state.PhaseBlocked {
		ok, err = d.store.Park(ctx, id)
	} else {
		ok, err = d.store.Transition(ctx, id, t.Phase, target)
	}
	if err != nil {
		d.logger.Warn("advance task failed", "task_id", id, "to", target, "error", err)
		return false
	}
	if !ok {
		return true
	}
	if target != state.PhaseQueued {
		return false
	}

	if err := d.router.Enqueue(ctx, t.Queue, id); err != nil {
		d.taskLogger(t).Error("enqueue failed; task left waiting", "error", err)
		if _, rerr := d.store.Transition(ctx, id, state.PhaseQueued, state.PhaseWaiting); rerr != nil {
			d.taskLogger(t).Error("revert to waiting failed", "error", rerr)
		}
		return false
	}
	t.Phase = state.PhaseQueued
	d.taskLogger(t).Debug("task queued")
	d.publish(events.TaskQueued, eventOf(t))
	return false
}

// forward reports whether from -> to is a legal pre-claim move.
func forward(from, to state.Phase) bool {
	switch from {
	case state.PhaseWaiting:
		return to == state.PhaseBlocked || to == state.PhaseQueued
	case state.PhaseBlocked:
		return to == state.PhaseQueued
	}
	return false
}
