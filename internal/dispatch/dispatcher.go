package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/dispatchd/internal/cache"
	"github.com/mattjoyce/dispatchd/internal/callback"
	"github.com/mattjoyce/dispatchd/internal/depend"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/lock"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/output"
	"github.com/mattjoyce/dispatchd/internal/retry"
	"github.com/mattjoyce/dispatchd/internal/router"
	"github.com/mattjoyce/dispatchd/internal/state"
	"github.com/mattjoyce/dispatchd/internal/taskid"
)

// maxClaimSkips bounds how many stale ids one Claim call discards.
const maxClaimSkips = 1000

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Deps are the services a Dispatcher coordinates. Cache and Events are
// optional.
type Deps struct {
	Store     *state.Store
	Locks     *lock.Manager
	Blocker   *depend.Blocker
	Router    *router.Router
	Cache     cache.Cache
	Callbacks *callback.Registry
	Invoker   *callback.Invoker
	Events    Publisher
	Logger    *slog.Logger
}

// Dispatcher accepts commands, holds them until their lock and dependency
// allow, hands them to workers and finalizes them when workers report.
type Dispatcher struct {
	store     *state.Store
	locks     *lock.Manager
	blocker   *depend.Blocker
	router    *router.Router
	cache     cache.Cache
	callbacks *callback.Registry
	invoker   *callback.Invoker
	events    Publisher
	logger    *slog.Logger
	cfg       Config
	// bookkeeping writes after a task is terminal are retried briefly
	retry retry.Policy
	now   func() time.Time
}

func New(deps Deps, cfg Config) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     deps.Store,
		locks:     deps.Locks,
		blocker:   deps.Blocker,
		router:    deps.Router,
		cache:     deps.Cache,
		callbacks: deps.Callbacks,
		invoker:   deps.Invoker,
		events:    deps.Events,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		retry:     retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		now:       time.Now,
	}
}

type plan struct {
	queue    string
	policy   lock.Policy
	kind     taskid.Kind
	scope    taskid.Scope
	callback callback.Spec
}

func (d *Dispatcher) validate(req SubmitRequest) (plan, error) {
	var p plan
	if req.Command == "" {
		return p, retry.InvalidArgument("command is empty")
	}
	if req.Owner == "" {
		return p, retry.InvalidArgument("owner is empty")
	}
	var err error
	if p.kind, err = taskid.ParseKind(req.Kind); err != nil {
		return p, retry.InvalidArgument("%v", err)
	}
	if p.scope, err = taskid.ParseScope(req.Scope); err != nil {
		return p, retry.InvalidArgument("%v", err)
	}
	if p.queue, err = router.SelectQueue(req.Node, router.Class(req.Class)); err != nil {
		return p, err
	}
	if p.policy, err = lock.ParsePolicy(req.LockPolicy); err != nil {
		return p, retry.InvalidArgument("%v", err)
	}

	p.callback = callback.Spec{Name: callback.DefaultName}
	if req.Callback != nil {
		p.callback = *req.Callback
		if p.callback.Name == "" {
			p.callback.Name = callback.DefaultName
		}
	}
	if !d.callbacks.Has(p.callback.Name) {
		return p, retry.InvalidArgument("unknown callback %q", p.callback.Name)
	}
	if err := req.Output.Validate(); err != nil {
		return p, retry.InvalidArgument("output mapping: %v", err)
	}
	if req.CacheTTL < 0 || req.Deadline < 0 || req.LeaseTTL < 0 {
		return p, retry.InvalidArgument("durations must not be negative")
	}
	if req.CacheTTL > 0 && req.CacheKey == "" {
		return p, retry.InvalidArgument("cache_ttl requires cache_key")
	}
	if req.Deadline > 0 && !req.DeadlineAt.IsZero() {
		return p, retry.InvalidArgument("deadline and deadline_at are exclusive")
	}
	if !req.DeadlineAt.IsZero() && !req.DeadlineAt.After(d.now()) {
		return p, retry.Permanent(retry.CodeExpired, "deadline already passed", nil)
	}
	if req.ID != "" {
		if _, err := taskid.Parse(req.ID); err != nil {
			return p, retry.InvalidArgument("id: %v", err)
		}
	}
	if req.BlockOn != "" {
		if _, err := taskid.Parse(req.BlockOn); err != nil {
			return p, retry.InvalidArgument("block_on: %v", err)
		}
		if req.BlockOn == req.ID {
			return p, retry.InvalidArgument("task cannot block on itself")
		}
	}
	return p, nil
}

// Submit records a task and returns without waiting for it to run. Any
// error means no task was created and no lock is held; once the record
// exists, later failures are logged and left to the maintenance sweeps.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (Receipt, error) {
	// keys are stored and locked in the same trimmed form
	req.LockKey = strings.TrimSpace(req.LockKey)
	req.BlockOn = strings.TrimSpace(req.BlockOn)
	req.CacheKey = strings.TrimSpace(req.CacheKey)
	if req.CacheKey != "" && req.CacheTTL == 0 {
		req.CacheTTL = d.cfg.CacheTTL
	}

	p, err := d.validate(req)
	if err != nil {
		return Receipt{}, err
	}

	if req.ID != "" {
		existing, err := d.store.Get(ctx, req.ID)
		if err == nil {
			return Receipt{ID: existing.ID, Status: existing.Status(), Existing: true}, nil
		}
		if !errors.Is(err, state.ErrTaskNotFound) {
			return Receipt{}, err
		}
	}

	if req.CacheKey != "" && d.cache != nil {
		rcpt, hit, err := d.fromCache(ctx, req, p)
		if err != nil {
			return Receipt{}, err
		}
		if hit {
			return rcpt, nil
		}
	}

	id := req.ID
	if id == "" {
		id, err = taskid.New(taskid.Params{Owner: req.Owner, Tenant: req.Tenant, Kind: p.kind, Scope: p.scope})
		if err != nil {
			return Receipt{}, retry.InvalidArgument("%v", err)
		}
	}

	lease := req.LeaseTTL
	if lease <= 0 {
		lease = d.cfg.LeaseTTL
	}
	now := d.now()
	expires := req.DeadlineAt
	if expires.IsZero() {
		deadline := req.Deadline
		if deadline <= 0 {
			deadline = d.cfg.DefaultDeadline
		}
		expires = now.Add(deadline)
	}
	t := &state.Task{
		ID:         id,
		Owner:      req.Owner,
		Command:    req.Command,
		Stdin:      req.Stdin,
		Queue:      p.queue,
		LockKey:    req.LockKey,
		LockPolicy: string(p.policy),
		BlockOn:    req.BlockOn,
		Phase:      state.PhaseWaiting,
		Callback:   p.callback,
		Output:     req.Output,
		CacheKey:   req.CacheKey,
		CacheTTL:   req.CacheTTL,
		LeaseTTL:   lease,
		CreatedAt:  now,
		ExpiresAt:  expires,
	}

	acq, err := d.locks.Acquire(ctx, t.LockKey, id, p.policy)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return Receipt{}, retry.Conflict(held.Key, held.Holder, nil)
		}
		return Receipt{}, retry.Unavailable("acquire lock", err)
	}
	if acq.Outcome == lock.Joined {
		return Receipt{ID: acq.Holder, Status: d.statusOf(ctx, acq.Holder), Joined: true}, nil
	}
	t.LockHeld = t.LockKey != "" && acq.Outcome == lock.Acquired

	if err := d.store.Create(ctx, t); err != nil {
		if errors.Is(err, state.ErrDuplicateTask) {
			// lost a race with an identical explicit id; locks are keyed by id
			winner, gerr := d.store.Get(ctx, id)
			if gerr != nil {
				return Receipt{ID: id, Status: state.StatusPending, Existing: true}, nil
			}
			if winner.LockKey != t.LockKey {
				d.releaseLock(ctx, t.LockKey, id)
			}
			return Receipt{ID: id, Status: winner.Status(), Existing: true}, nil
		}
		d.releaseLock(ctx, t.LockKey, id)
		return Receipt{}, retry.Unavailable("create task", err)
	}

	logger := d.taskLogger(t)
	logger.Info("task submitted", "owner", t.Owner, "lock", acq.Outcome.String(), "block_on", t.BlockOn)
	d.publish(events.TaskSubmitted, eventOf(t))

	if acq.Outcome == lock.Queued {
		// a handoff may have landed before the record existed
		if holder, ok := d.locks.Holder(t.LockKey); ok && holder == id {
			d.markLockHeld(ctx, id)
		}
	}
	if t.BlockOn != "" {
		waiting, err := d.blocker.Wait(ctx, id, t.BlockOn, d.pending)
		switch {
		case err != nil:
			logger.Warn("register dependency failed", "error", err)
		case !waiting:
			d.clearBlock(ctx, id)
		}
	}
	d.advance(ctx, id)

	return Receipt{ID: id, Status: state.StatusPending}, nil
}

// fromCache answers req from a cached result with a dummy task that is
// already successful. Cache failures count as a miss.
func (d *Dispatcher) fromCache(ctx context.Context, req SubmitRequest, p plan) (Receipt, bool, error) {
	raw, ok, err := d.cache.Get(ctx, req.CacheKey)
	if err != nil {
		d.logger.Warn("cache lookup failed", "cache_key", req.CacheKey, "error", err)
		return Receipt{}, false, nil
	}
	if !ok {
		return Receipt{}, false, nil
	}

	id, err := taskid.New(taskid.Params{Owner: req.Owner, Tenant: req.Tenant, Kind: p.kind, Scope: p.scope, Dummy: true})
	if err != nil {
		return Receipt{}, false, retry.InvalidArgument("%v", err)
	}
	now := d.now()
	t := &state.Task{
		ID:          id,
		Owner:       req.Owner,
		Command:     req.Command,
		Queue:       p.queue,
		Phase:       state.PhaseSuccess,
		Callback:    p.callback,
		Output:      req.Output,
		CacheKey:    req.CacheKey,
		Result:      raw,
		Reason:      state.ReasonCached,
		CreatedAt:   now,
		ExpiresAt:   now,
		CompletedAt: &now,
	}
	// inserted already terminal so no sweep ever sees it pending
	if err := d.store.Create(ctx, t); err != nil {
		return Receipt{}, false, retry.Unavailable("create cached task", err)
	}
	d.logger.Info("task answered from cache", "task_id", id, "cache_key", req.CacheKey)
	return Receipt{ID: id, Status: state.StatusSuccess, Cached: true}, true, nil
}

// GetStatus returns the caller-visible state of id.
func (d *Dispatcher) GetStatus(ctx context.Context, id string) (StatusView, error) {
	t, err := d.load(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return viewOf(t), nil
}

// Claim hands the oldest claimable task on queueName to worker. It returns
// nil when the queue has nothing claimable.
func (d *Dispatcher) Claim(ctx context.Context, queueName, worker string) (*Claimed, error) {
	if worker == "" {
		return nil, retry.InvalidArgument("worker is empty")
	}
	for i := 0; i < maxClaimSkips; i++ {
		id, ok, err := d.router.Next(ctx, queueName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		t, err := d.store.Claim(ctx, id, worker)
		if err != nil {
			if perr := d.router.Enqueue(context.WithoutCancel(ctx), queueName, id); perr != nil {
				d.logger.Error("requeue after failed claim", "task_id", id, "queue", queueName, "error", perr)
			}
			return nil, err
		}
		if t == nil {
			d.logger.Debug("skipping unclaimable task", "task_id", id, "queue", queueName)
			continue
		}
		d.taskLogger(t).Info("task claimed", "worker", worker)
		d.publish(events.TaskClaimed, eventOf(t))
		return &Claimed{
			ID:             t.ID,
			Command:        t.Command,
			Stdin:          t.Stdin,
			Queue:          t.Queue,
			LeaseExpiresAt: *t.LeaseExpiresAt,
		}, nil
	}
	return nil, nil
}

// Renew extends worker's lease on a running task.
func (d *Dispatcher) Renew(ctx context.Context, id, worker string) (time.Time, error) {
	exp, err := d.store.RenewLease(ctx, id, worker)
	switch {
	case err == nil:
		return exp, nil
	case errors.Is(err, state.ErrTaskNotFound):
		return time.Time{}, retry.Permanent(retry.CodeNotFound, "task not found", err)
	case errors.Is(err, state.ErrNotRunning):
		if t, gerr := d.store.Get(ctx, id); gerr == nil && t.Phase.Terminal() {
			return time.Time{}, finishedError(t)
		}
		return time.Time{}, retry.Permanent(retry.CodeConflict, "task is not running for this worker", err)
	}
	return time.Time{}, err
}

// Report finalizes a running task from its worker's outcome. Reports for a
// task that was already finalized (canceled, lease lost) are rejected.
func (d *Dispatcher) Report(ctx context.Context, id string, rep Report) error {
	t, err := d.load(ctx, id)
	if err != nil {
		return err
	}
	if t.Phase.Terminal() {
		return finishedError(t)
	}
	if t.Phase != state.PhaseRunning {
		return retry.Permanent(retry.CodeConflict, fmt.Sprintf("task is %s, not running", t.Phase), nil)
	}
	if rep.Worker == "" {
		return retry.InvalidArgument("worker is empty")
	}
	if rep.Worker != t.Worker {
		return retry.Permanent(retry.CodeConflict, fmt.Sprintf("task is claimed by %s", t.Worker), nil)
	}

	phase, result := d.buildResult(t, rep)
	_, err = d.finalize(ctx, id, phase, result, "", state.PhaseRunning)
	if errors.Is(err, state.ErrAlreadyTerminal) || errors.Is(err, state.ErrUnexpectedPhase) {
		if cur, gerr := d.store.Get(ctx, id); gerr == nil && cur.Phase.Terminal() {
			return finishedError(cur)
		}
		return retry.Permanent(retry.CodeConflict, "task is not running", err)
	}
	return err
}

func (d *Dispatcher) buildResult(t *state.Task, rep Report) (state.Phase, json.RawMessage) {
	finished := rep.FinishedAt
	if finished.IsZero() {
		finished = d.now()
	}
	started := rep.StartedAt
	if started.IsZero() {
		started = finished
		if t.ClaimedAt != nil {
			started = *t.ClaimedAt
		}
	}
	res, err := t.Output.Apply(output.Execution{
		ReturnCode: rep.ReturnCode,
		Stdout:     output.Truncate(rep.Stdout, d.cfg.MaxOutputBytes),
		Stderr:     output.Truncate(rep.Stderr, d.cfg.MaxOutputBytes),
		StartedAt:  started,
		FinishedAt: finished,
	})
	if err != nil {
		return state.PhaseFailure, detail("output mapping failed: "+err.Error(), "")
	}
	if rep.ReturnCode != 0 {
		return state.PhaseFailure, res
	}
	return state.PhaseSuccess, res
}

// Cancel fails a task that has not finished. A pending task never runs; a
// running task is finalized now and its worker's eventual report is
// rejected. The remote command itself is not interrupted.
func (d *Dispatcher) Cancel(ctx context.Context, id, reason string) error {
	t, err := d.load(ctx, id)
	if err != nil {
		return err
	}
	if t.Phase.Terminal() {
		return retry.Permanent(retry.CodeConflict, fmt.Sprintf("task already %s", t.Status()), nil)
	}
	d.blocker.Forget(id)
	_, err = d.finalize(ctx, id, state.PhaseFailure, detail(state.ReasonCanceled, reason), state.ReasonCanceled)
	if errors.Is(err, state.ErrAlreadyTerminal) {
		return retry.Permanent(retry.CodeConflict, "task already finished", err)
	}
	return err
}

func (d *Dispatcher) load(ctx context.Context, id string) (*state.Task, error) {
	t, err := d.store.Get(ctx, id)
	if errors.Is(err, state.ErrTaskNotFound) {
		return nil, retry.Permanent(retry.CodeNotFound, "task not found", err)
	}
	return t, err
}

func (d *Dispatcher) statusOf(ctx context.Context, id string) state.Status {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return state.StatusPending
	}
	return t.Status()
}

// pending reports whether id exists and is unfinished.
func (d *Dispatcher) pending(ctx context.Context, id string) (bool, error) {
	t, err := d.store.Get(ctx, id)
	if errors.Is(err, state.ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !t.Phase.Terminal(), nil
}

func finishedError(t *state.Task) error {
	if t.Reason == state.ReasonCanceled {
		return retry.Permanent(retry.CodeCanceled, "task was canceled", nil)
	}
	msg := "task already " + string(t.Status())
	if t.Reason != "" {
		msg += ": " + t.Reason
	}
	return retry.Permanent(retry.CodeExpired, msg, nil)
}

func detail(msg, note string) json.RawMessage {
	m := map[string]string{"detail": msg}
	if note != "" && note != msg {
		m["reason"] = note
	}
	b, _ := json.Marshal(m)
	return b
}

func (d *Dispatcher) taskLogger(t *state.Task) *slog.Logger {
	return log.WithTask(d.logger, t.ID, t.Queue, t.LockKey)
}

func (d *Dispatcher) publish(eventType string, ev events.TaskEvent) {
	if d.events != nil {
		d.events.Publish(eventType, ev)
	}
}

func eventOf(t *state.Task) events.TaskEvent {
	return events.TaskEvent{
		TaskID:  t.ID,
		Queue:   t.Queue,
		LockKey: t.LockKey,
		Status:  string(t.Status()),
		Worker:  t.Worker,
		Reason:  t.Reason,
	}
}
