package dispatch

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/dispatchd/internal/callback"
	"github.com/mattjoyce/dispatchd/internal/output"
	"github.com/mattjoyce/dispatchd/internal/state"
)

// SubmitRequest describes one command to run on a node.
type SubmitRequest struct {
	// ID is optional. When set it must parse as a task id; resubmitting an
	// existing id returns that task without creating a record.
	ID     string
	Owner  string
	Tenant string
	Kind   string
	Scope  string

	Command string
	Stdin   []byte
	Node    string
	Class   string

	LockKey    string
	LockPolicy string
	BlockOn    string

	Callback *callback.Spec
	Output   output.Mapping

	// CacheTTL defaults to Config.CacheTTL when CacheKey is set.
	CacheKey string
	CacheTTL time.Duration
	// Deadline is relative to submission; DeadlineAt is absolute. At most
	// one may be set.
	Deadline   time.Duration
	DeadlineAt time.Time
	LeaseTTL   time.Duration
}

// Receipt is returned by Submit.
type Receipt struct {
	ID     string       `json:"id"`
	Status state.Status `json:"status"`
	// Joined: ID is the running holder of the requested lock.
	Joined bool `json:"joined,omitempty"`
	// Cached: ID is a stand-in task answered from the result cache.
	Cached bool `json:"cached,omitempty"`
	// Existing: the caller-supplied id was already known.
	Existing bool `json:"existing,omitempty"`
}

// StatusView is what pollers see.
type StatusView struct {
	ID          string          `json:"id"`
	Status      state.Status    `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Queue       string          `json:"queue"`
	LockKey     string          `json:"lock_key,omitempty"`
	BlockOn     string          `json:"block_on,omitempty"`
	Worker      string          `json:"worker,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Claimed is the work handed to a worker.
type Claimed struct {
	ID             string    `json:"id"`
	Command        string    `json:"command"`
	Stdin          []byte    `json:"stdin,omitempty"`
	Queue          string    `json:"queue"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Report is a worker's account of one execution.
type Report struct {
	Worker     string    `json:"worker"`
	ReturnCode int       `json:"returncode"`
	Stdout     []byte    `json:"stdout,omitempty"`
	Stderr     []byte    `json:"stderr,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// LockView is one lock key as seen by the lock manager.
type LockView struct {
	Key     string   `json:"key"`
	Holder  string   `json:"holder,omitempty"`
	Waiters []string `json:"waiters,omitempty"`
}

// Pressure counts held locks and parked dependents.
type Pressure struct {
	LocksHeld       int `json:"locks_held"`
	DependencyWaits int `json:"dependency_waits"`
}

// Config holds dispatcher tunables.
type Config struct {
	DefaultDeadline time.Duration
	LeaseTTL        time.Duration
	CacheTTL        time.Duration
	MaxOutputBytes  int
}

func (c Config) withDefaults() Config {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 10 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	return c
}

func viewOf(t *state.Task) StatusView {
	return StatusView{
		ID:          t.ID,
		Status:      t.Status(),
		Result:      t.Result,
		Reason:      t.Reason,
		Queue:       t.Queue,
		LockKey:     t.LockKey,
		BlockOn:     t.BlockOn,
		Worker:      t.Worker,
		CreatedAt:   t.CreatedAt,
		ExpiresAt:   t.ExpiresAt,
		CompletedAt: t.CompletedAt,
	}
}
