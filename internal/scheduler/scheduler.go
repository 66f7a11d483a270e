// Package scheduler runs the dispatcher's periodic maintenance: deadline
// expiry, lease reaping and reconciliation, after a recovery pass at start.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultTick = time.Second

// Scheduler drives a Sweeper on a fixed tick.
type Scheduler struct {
	sweeper Sweeper
	tickInt time.Duration
	logger  *slog.Logger
	now     func() time.Time
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

// New creates a Scheduler. A non-positive tick uses one second.
func New(tick time.Duration, sw Sweeper, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper: sw,
		tickInt: tick,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start recovers dispatcher state and then begins the tick loop. A failed
// recovery aborts startup.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick", s.tickInt)

	if err := s.sweeper.Recover(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.stop.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.tickInt)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick runs one maintenance pass. Each step is independent; a failing step
// is logged and the others still run.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	if n, err := s.sweeper.ExpireOverdue(ctx, now); err != nil {
		s.logger.Error("Failed to expire overdue tasks", "error", err)
	} else if n > 0 {
		s.logger.Info("Expired overdue tasks", "count", n)
	}

	if n, err := s.sweeper.ReapLeases(ctx, now); err != nil {
		s.logger.Error("Failed to reap worker leases", "error", err)
	} else if n > 0 {
		s.logger.Warn("Reaped tasks with lost workers", "count", n)
	}

	if n, err := s.sweeper.Reconcile(ctx); err != nil {
		s.logger.Error("Failed to reconcile stalled tasks", "error", err)
	} else if n > 0 {
		s.logger.Info("Reconciled stalled tasks", "count", n)
	}
}
