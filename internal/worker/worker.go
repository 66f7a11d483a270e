// Package worker is the reference remote worker: it claims tasks from
// dispatchd queues over HTTP, runs each command through `sh -c`, keeps the
// lease alive while it runs, and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/retry"
)

const minRenewInterval = 100 * time.Millisecond

// TaskSource is the dispatcher as seen by a worker.
type TaskSource interface {
	Claim(ctx context.Context, queue, worker string) (*api.ClaimResponse, error)
	Renew(ctx context.Context, id, worker string) (time.Time, error)
	Report(ctx context.Context, id string, rep api.ReportRequest) error
}

// Options configures a Worker.
type Options struct {
	Name         string
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	ExecTimeout  time.Duration
}

// Worker polls its queues and executes what it claims.
type Worker struct {
	src    TaskSource
	opts   Options
	logger *slog.Logger
	next   int
}

// New creates a Worker.
func New(src TaskSource, opts Options, logger *slog.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		src:    src,
		opts:   opts,
		logger: logger.With("worker", opts.Name),
	}
}

// Run claims and executes tasks until ctx ends. Commands still running at
// that point are interrupted and their outcome reported before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.opts.Queues) == 0 {
		return fmt.Errorf("worker %s has no queues", w.opts.Name)
	}
	w.logger.Info("worker starting", "queues", w.opts.Queues, "concurrency", w.opts.Concurrency)

	pool := NewPool(w.opts.Concurrency, w.logger)
	defer pool.StopWait()

	slots := make(chan struct{}, w.opts.Concurrency)
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return nil
		}

		claimed := w.claimNext(ctx)
		if claimed == nil {
			<-slots
			if !sleep(ctx, w.opts.PollInterval) {
				w.logger.Info("worker stopping")
				return nil
			}
			continue
		}

		c := claimed
		err := pool.Submit(func(context.Context) {
			defer func() { <-slots }()
			w.handle(ctx, c)
		})
		if err != nil {
			<-slots
			w.reportUnrun(ctx, c, err)
		}
	}
}

// claimNext tries every queue once, starting after the one that produced
// the previous claim.
func (w *Worker) claimNext(ctx context.Context) *api.ClaimResponse {
	n := len(w.opts.Queues)
	for i := 0; i < n; i++ {
		q := w.opts.Queues[(w.next+i)%n]
		c, err := w.src.Claim(ctx, q, w.opts.Name)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("claim failed", "queue", q, "error", err)
			}
			continue
		}
		if c != nil {
			w.next = (w.next + i + 1) % n
			return c
		}
	}
	return nil
}

// handle runs one claimed task. Execution and lease renewal share an
// errgroup: losing the lease interrupts the command.
func (w *Worker) handle(ctx context.Context, c *api.ClaimResponse) {
	logger := log.WithTask(w.logger, c.ID, c.Queue, "")
	if ctx.Err() != nil {
		w.reportUnrun(ctx, c, errors.New("worker shutting down"))
		return
	}
	logger.Info("executing task")

	var res Result
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		res = Execute(gctx, c.Command, c.Stdin, w.opts.ExecTimeout, logger)
		return nil
	})
	g.Go(func() error {
		return w.keepLease(gctx, c, done, logger)
	})
	if err := g.Wait(); err != nil {
		logger.Warn("task abandoned", "error", err)
		return
	}

	started, finished := res.StartedAt, res.FinishedAt
	err := w.src.Report(context.WithoutCancel(ctx), c.ID, api.ReportRequest{
		Worker:     w.opts.Name,
		ReturnCode: res.ReturnCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		StartedAt:  &started,
		FinishedAt: &finished,
	})
	switch {
	case err == nil:
		logger.Info("task reported", "returncode", res.ReturnCode, "duration_ms", finished.Sub(started).Milliseconds())
	case retry.CodeOf(err) == retry.CodeExpired || retry.CodeOf(err) == retry.CodeCanceled:
		logger.Warn("report rejected, task already finalized", "error", err)
	default:
		logger.Error("report failed", "error", err)
	}
}

// keepLease renews the lease every third of its length until done closes.
// A permanent renewal failure means the dispatcher has finalized the task.
func (w *Worker) keepLease(ctx context.Context, c *api.ClaimResponse, done <-chan struct{}, logger *slog.Logger) error {
	interval := time.Until(c.LeaseExpiresAt) / 3
	if interval < minRenewInterval {
		interval = minRenewInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			until, err := w.src.Renew(ctx, c.ID, w.opts.Name)
			if err != nil {
				if retry.IsRetryable(err) {
					logger.Warn("lease renewal failed", "error", err)
					continue
				}
				return fmt.Errorf("lease lost: %w", err)
			}
			logger.Debug("lease renewed", "until", until)
		}
	}
}

// reportUnrun fails a claimed task that was never started.
func (w *Worker) reportUnrun(ctx context.Context, c *api.ClaimResponse, cause error) {
	now := time.Now()
	err := w.src.Report(context.WithoutCancel(ctx), c.ID, api.ReportRequest{
		Worker:     w.opts.Name,
		ReturnCode: rcCannotStart,
		Stderr:     []byte("not started: " + cause.Error()),
		StartedAt:  &now,
		FinishedAt: &now,
	})
	if err != nil {
		log.WithTask(w.logger, c.ID, c.Queue, "").Error("report failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
