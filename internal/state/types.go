package state

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/dispatchd/internal/callback"
	"github.com/mattjoyce/dispatchd/internal/output"
)

// Phase is the internal lifecycle position of a task.
type Phase string

const (
	// PhaseWaiting: lock not yet held, or admitted but not yet queued.
	PhaseWaiting Phase = "waiting"
	// PhaseBlocked: holds its lock (if any) but its dependency is unfinished.
	PhaseBlocked Phase = "blocked"
	PhaseQueued  Phase = "queued"
	PhaseRunning Phase = "running"
	PhaseSuccess Phase = "success"
	PhaseFailure Phase = "failure"
	PhaseExpired Phase = "expired"
)

// Terminal reports whether p is final.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseFailure || p == PhaseExpired
}

// Status is the caller-visible projection of a Phase.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusExpired Status = "EXPIRED"
)

// Done reports whether a task with status s will not change again.
func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusExpired
}

// Status maps p to what callers observe.
func (p Phase) Status() Status {
	switch p {
	case PhaseRunning:
		return StatusRunning
	case PhaseSuccess:
		return StatusSuccess
	case PhaseFailure:
		return StatusFailure
	case PhaseExpired:
		return StatusExpired
	default:
		return StatusPending
	}
}

// Reasons recorded on tasks finalized by the dispatcher itself.
const (
	ReasonCanceled   = "canceled"
	ReasonExpired    = "deadline exceeded"
	ReasonLostWorker = "lost worker"
	ReasonCached     = "cached"
)

// Task is the durable record of one submission.
type Task struct {
	ID         string
	Owner      string
	Command    string
	Stdin      []byte
	Queue      string
	LockKey    string
	LockPolicy string
	LockHeld   bool
	BlockOn    string
	Phase      Phase
	Callback   callback.Spec
	Output     output.Mapping
	CacheKey   string
	CacheTTL   time.Duration
	LeaseTTL   time.Duration
	Worker     string
	Result     json.RawMessage
	Reason     string

	CreatedAt      time.Time
	ExpiresAt      time.Time
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time
	CompletedAt    *time.Time
}

// Status returns the caller-visible status.
func (t *Task) Status() Status { return t.Phase.Status() }

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrDuplicateTask   = errors.New("task already exists")
	ErrAlreadyTerminal = errors.New("task already terminal")
	ErrUnexpectedPhase = errors.New("task not in expected phase")
	ErrNotRunning      = errors.New("task not running for this worker")
)
