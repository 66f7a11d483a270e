package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/dispatchd/internal/lock"
	"github.com/mattjoyce/dispatchd/internal/state"
)

// ExpireOverdue finalizes every unclaimed task whose deadline has passed.
func (d *Dispatcher) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	tasks, err := d.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		d.blocker.Forget(t.ID)
		_, err := d.finalize(ctx, t.ID, state.PhaseExpired, detail(state.ReasonExpired, ""), state.ReasonExpired,
			state.PhaseWaiting, state.PhaseBlocked, state.PhaseQueued)
		if err != nil {
			if !errors.Is(err, state.ErrAlreadyTerminal) && !errors.Is(err, state.ErrUnexpectedPhase) {
				d.taskLogger(t).Error("expire task failed", "error", err)
			}
			continue
		}
		n++
	}
	return n, nil
}

// ReapLeases fails running tasks whose worker stopped renewing its lease.
func (d *Dispatcher) ReapLeases(ctx context.Context, now time.Time) (int, error) {
	tasks, err := d.store.ListLeaseExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		_, err := d.finalize(ctx, t.ID, state.PhaseFailure, detail(state.ReasonLostWorker, ""), state.ReasonLostWorker,
			state.PhaseRunning)
		if err != nil {
			if !errors.Is(err, state.ErrAlreadyTerminal) && !errors.Is(err, state.ErrUnexpectedPhase) {
				d.taskLogger(t).Error("reap lease failed", "error", err)
			}
			continue
		}
		d.taskLogger(t).Warn("worker lease expired", "worker", t.Worker)
		n++
	}
	return n, nil
}

// Reconcile pushes along pending tasks whose preconditions were met while a
// bookkeeping write failed.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	tasks, err := d.store.ListStalled(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if t.Phase == state.PhaseBlocked && t.BlockOn != "" {
			d.blocker.Forget(t.ID)
			d.clearBlock(ctx, t.ID)
		}
		d.advance(ctx, t.ID)
	}
	return len(tasks), nil
}

// Recover rebuilds in-memory lock and dependency state from the durable
// records after a restart, then republishes queued work the broker lost.
func (d *Dispatcher) Recover(ctx context.Context) error {
	tasks, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}
	persisted, err := d.store.LoadLocks(ctx)
	if err != nil {
		return fmt.Errorf("load locks: %w", err)
	}

	holders := make(map[string]string)
	for _, t := range tasks {
		if t.LockKey == "" || !t.LockHeld {
			continue
		}
		if prev, dup := holders[t.LockKey]; dup {
			d.taskLogger(t).Error("lock recorded twice during recovery", "other", prev)
			continue
		}
		holders[t.LockKey] = t.ID
		if err := d.locks.Restore(ctx, t.LockKey, t.ID); err != nil {
			return fmt.Errorf("restore lock %q: %w", t.LockKey, err)
		}
	}
	for key, holder := range persisted {
		if holders[key] != holder {
			if err := d.store.DeleteLock(ctx, key, holder); err != nil {
				return fmt.Errorf("drop stale lock %q: %w", key, err)
			}
		}
	}

	active := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		active[t.ID] = true
	}

	restored := 0
	for _, t := range tasks {
		if t.Phase == state.PhaseWaiting && t.LockKey != "" && !t.LockHeld {
			acq, err := d.locks.Acquire(ctx, t.LockKey, t.ID, lock.PolicyQueue)
			if err != nil {
				return fmt.Errorf("requeue lock waiter %s: %w", t.ID, err)
			}
			if acq.Outcome == lock.Acquired {
				d.markLockHeld(ctx, t.ID)
			}
		}
		if t.BlockOn != "" && t.Phase != state.PhaseRunning && t.Phase != state.PhaseQueued {
			if active[t.BlockOn] {
				d.blocker.Restore(t.ID, t.BlockOn)
			} else {
				d.clearBlock(ctx, t.ID)
			}
		}
	}

	for _, t := range tasks {
		switch t.Phase {
		case state.PhaseWaiting, state.PhaseBlocked:
			d.advance(ctx, t.ID)
		case state.PhaseQueued:
			held, err := d.router.Queued(ctx, t.Queue, t.ID)
			if err != nil {
				return fmt.Errorf("look up %s: %w", t.ID, err)
			}
			if held {
				continue
			}
			if err := d.router.Enqueue(ctx, t.Queue, t.ID); err != nil {
				return fmt.Errorf("republish %s: %w", t.ID, err)
			}
			restored++
		}
	}
	d.logger.Info("recovered dispatch state", "active", len(tasks), "locks", len(holders), "republished", restored)
	return nil
}

// Counts returns the number of task records per phase.
func (d *Dispatcher) Counts(ctx context.Context) (map[string]int, error) {
	byPhase, err := d.store.CountByPhase(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(byPhase))
	for p, n := range byPhase {
		out[string(p)] = n
	}
	return out, nil
}

// Lock reports the holder and FIFO waiters of key.
func (d *Dispatcher) Lock(key string) LockView {
	key = strings.TrimSpace(key)
	v := LockView{Key: key}
	if holder, ok := d.locks.Holder(key); ok {
		v.Holder = holder
		v.Waiters = d.locks.Waiters(key)
	}
	return v
}

// Pressure summarizes the in-memory coordination state.
func (d *Dispatcher) Pressure() Pressure {
	return Pressure{
		LocksHeld:       len(d.locks.Snapshot()),
		DependencyWaits: d.blocker.Waiting(),
	}
}
