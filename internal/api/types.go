package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/dispatchd/internal/callback"
	"github.com/mattjoyce/dispatchd/internal/dispatch"
	"github.com/mattjoyce/dispatchd/internal/router"
)

// SubmitTaskRequest is the JSON body for POST /v1/tasks. Durations use Go
// syntax ("90s", "5m"); deadline also accepts an RFC 3339 time. Stdin is
// base64 in JSON.
type SubmitTaskRequest struct {
	ID     string `json:"id,omitempty"`
	Owner  string `json:"owner"`
	Tenant string `json:"tenant,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Scope  string `json:"scope,omitempty"`

	Command string `json:"command"`
	Stdin   []byte `json:"stdin,omitempty"`
	Node    string `json:"node,omitempty"`
	Class   string `json:"class,omitempty"`

	LockKey    string `json:"lock_key,omitempty"`
	LockPolicy string `json:"lock_policy,omitempty"`
	BlockOn    string `json:"block_on,omitempty"`

	Callback *callback.Spec  `json:"callback,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`

	CacheKey string `json:"cache_key,omitempty"`
	CacheTTL string `json:"cache_ttl,omitempty"`
	Deadline string `json:"deadline,omitempty"`
	LeaseTTL string `json:"lease_ttl,omitempty"`
}

// ClaimRequest is the JSON body for POST /v1/queues/{queue}/claim.
type ClaimRequest struct {
	Worker string `json:"worker"`
}

// ClaimResponse carries one unit of work. Stdin is base64 in JSON.
type ClaimResponse struct {
	ID             string    `json:"id"`
	Command        string    `json:"command"`
	Stdin          []byte    `json:"stdin,omitempty"`
	Queue          string    `json:"queue"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// ReportRequest is the JSON body for POST /v1/tasks/{id}/report. Stdout and
// Stderr are base64 in JSON so arbitrary bytes survive.
type ReportRequest struct {
	Worker     string     `json:"worker"`
	ReturnCode int        `json:"returncode"`
	Stdout     []byte     `json:"stdout,omitempty"`
	Stderr     []byte     `json:"stderr,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LeaseRequest is the JSON body for POST /v1/tasks/{id}/lease.
type LeaseRequest struct {
	Worker string `json:"worker"`
}

// LeaseResponse reports the renewed lease.
type LeaseResponse struct {
	ID             string    `json:"id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// QueuesResponse is returned by GET /v1/queues.
type QueuesResponse struct {
	Queues []router.QueueDepth `json:"queues"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Holder string `json:"holder,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Subscribers   int    `json:"subscribers"`
	// Tasks counts task records by internal phase.
	Tasks map[string]int `json:"tasks,omitempty"`
	// Pressure counts held locks and parked dependents.
	Pressure *dispatch.Pressure `json:"pressure,omitempty"`
}
