package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrPoolFull is returned by Submit when every slot is taken.
var ErrPoolFull = errors.New("worker pool queue is full")

// ErrPoolStopped is returned by Submit after Stop or StopWait.
var ErrPoolStopped = errors.New("worker pool is stopped")

// Pool runs submitted jobs on a fixed number of goroutines. Panics in a job
// are recovered and logged; the goroutine keeps serving.
type Pool struct {
	workers   int
	taskQueue chan func(context.Context)
	logger    *slog.Logger

	mu      sync.RWMutex
	stopped bool

	waitGroup sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewPool starts numberOfWorkers goroutines. The queue holds up to one
// pending job per worker.
func NewPool(numberOfWorkers int, logger *slog.Logger) *Pool {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		workers:   numberOfWorkers,
		taskQueue: make(chan func(context.Context), numberOfWorkers),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < numberOfWorkers; i++ {
		p.waitGroup.Add(1)
		go p.worker()
	}
	return p
}

// Size is the number of worker goroutines.
func (p *Pool) Size() int { return p.workers }

func (p *Pool) worker() {
	defer p.waitGroup.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *Pool) run(task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}

// Submit queues task without blocking. The task's context is canceled by
// Stop.
func (p *Pool) Submit(task func(ctx context.Context)) error {
	if task == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop discards queued jobs, cancels running ones and waits for them.
func (p *Pool) Stop() {
	if !p.markStopped() {
		return
	}
cleanup:
	for {
		select {
		case <-p.taskQueue:
		default:
			break cleanup
		}
	}
	p.cancel()
	p.waitGroup.Wait()
}

// StopWait lets queued and running jobs finish, then returns.
func (p *Pool) StopWait() {
	if !p.markStopped() {
		return
	}
	close(p.taskQueue)
	p.waitGroup.Wait()
	p.cancel()
}

func (p *Pool) markStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	return true
}
