package scheduler

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_sweeper.go -package=mocks github.com/mattjoyce/dispatchd/internal/scheduler Sweeper

// Sweeper is the dispatcher maintenance surface driven by the scheduler.
type Sweeper interface {
	// ExpireOverdue finalizes unclaimed tasks past their deadline.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	// ReapLeases fails running tasks whose worker lease lapsed.
	ReapLeases(ctx context.Context, now time.Time) (int, error)
	// Reconcile re-drives pending tasks whose preconditions are met.
	Reconcile(ctx context.Context) (int, error)
	// Recover rebuilds in-memory state from durable records.
	Recover(ctx context.Context) error
}
