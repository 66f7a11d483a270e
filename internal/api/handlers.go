package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/dispatchd/internal/dispatch"
	"github.com/mattjoyce/dispatchd/internal/output"
	"github.com/mattjoyce/dispatchd/internal/retry"
)

const maxBodyBytes = 16 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if s.queues != nil {
		depths, err := s.queues.Depths(r.Context())
		if err != nil {
			s.logger.Error("failed to compute queue depth", "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "failed to compute queue depth")
			return
		}
		for _, d := range depths {
			depth += d.Depth
		}
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	}
	if s.events != nil {
		resp.Subscribers = s.events.Subscribers()
	}
	if tc, ok := s.tasks.(TaskCounter); ok {
		counts, err := tc.Counts(r.Context())
		if err != nil {
			s.logger.Warn("failed to count tasks", "error", err)
		} else {
			resp.Tasks = counts
		}
	}
	if li, ok := s.tasks.(LockInspector); ok {
		p := li.Pressure()
		resp.Pressure = &p
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmit handles POST /v1/tasks.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitTaskRequest
	if !s.decode(w, r, &body, true) {
		return
	}

	req, err := body.toDispatch()
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	receipt, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	status := http.StatusAccepted
	if receipt.Existing || receipt.Joined {
		status = http.StatusOK
	}
	respondJSON(w, status, receipt)
}

// handleGetTask handles GET /v1/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.tasks.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleCancel handles DELETE /v1/tasks/{id}?reason=...
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tasks.Cancel(r.Context(), id, r.URL.Query().Get("reason")); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	view, err := s.tasks.GetStatus(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleQueues handles GET /v1/queues.
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queues.Depths(r.Context())
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, QueuesResponse{Queues: depths})
}

// handleLock handles GET /v1/locks/{key}. A free key has no holder.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	li, ok := s.tasks.(LockInspector)
	if !ok {
		s.writeError(w, http.StatusNotFound, "lock inspection not supported")
		return
	}
	respondJSON(w, http.StatusOK, li.Lock(chi.URLParam(r, "key")))
}

// handleClaim handles POST /v1/queues/{queue}/claim. 204 means the queue
// had nothing claimable.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body ClaimRequest
	if !s.decode(w, r, &body, false) {
		return
	}
	if body.Worker == "" {
		s.writeError(w, http.StatusBadRequest, "worker is required")
		return
	}

	claimed, err := s.tasks.Claim(r.Context(), chi.URLParam(r, "queue"), body.Worker)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	if claimed == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, ClaimResponse{
		ID:             claimed.ID,
		Command:        claimed.Command,
		Stdin:          claimed.Stdin,
		Queue:          claimed.Queue,
		LeaseExpiresAt: claimed.LeaseExpiresAt,
	})
}

// handleReport handles POST /v1/tasks/{id}/report.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var body ReportRequest
	if !s.decode(w, r, &body, false) {
		return
	}

	rep := dispatch.Report{
		Worker:     body.Worker,
		ReturnCode: body.ReturnCode,
		Stdout:     body.Stdout,
		Stderr:     body.Stderr,
	}
	if body.StartedAt != nil {
		rep.StartedAt = *body.StartedAt
	}
	if body.FinishedAt != nil {
		rep.FinishedAt = *body.FinishedAt
	}

	id := chi.URLParam(r, "id")
	if err := s.tasks.Report(r.Context(), id, rep); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	view, err := s.tasks.GetStatus(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleLease handles POST /v1/tasks/{id}/lease.
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var body LeaseRequest
	if !s.decode(w, r, &body, false) {
		return
	}
	id := chi.URLParam(r, "id")
	until, err := s.tasks.Renew(r.Context(), id, body.Worker)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, LeaseResponse{ID: id, LeaseExpiresAt: until})
}

func (b SubmitTaskRequest) toDispatch() (dispatch.SubmitRequest, error) {
	req := dispatch.SubmitRequest{
		ID:         b.ID,
		Owner:      b.Owner,
		Tenant:     b.Tenant,
		Kind:       b.Kind,
		Scope:      b.Scope,
		Command:    b.Command,
		Node:       b.Node,
		Class:      b.Class,
		LockKey:    b.LockKey,
		LockPolicy: b.LockPolicy,
		BlockOn:    b.BlockOn,
		Callback:   b.Callback,
		CacheKey:   b.CacheKey,
		Stdin:      b.Stdin,
	}

	if len(b.Output) > 0 && string(b.Output) != "null" {
		m, err := output.Decode(b.Output)
		if err != nil {
			return req, retry.InvalidArgument("output: %v", err)
		}
		req.Output = m
	}

	var err error
	if req.CacheTTL, err = parseDuration("cache_ttl", b.CacheTTL); err != nil {
		return req, err
	}
	if at, perr := time.Parse(time.RFC3339, b.Deadline); perr == nil {
		req.DeadlineAt = at
	} else if req.Deadline, err = parseDuration("deadline", b.Deadline); err != nil {
		return req, err
	}
	if req.LeaseTTL, err = parseDuration("lease_ttl", b.LeaseTTL); err != nil {
		return req, err
	}
	return req, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, retry.InvalidArgument("%s: invalid duration %q", field, v)
	}
	return d, nil
}

// decode reads a JSON body into dst. An empty body leaves dst zero.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, strict bool) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// writeDispatchError maps a classified error to its HTTP status.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	code := retry.CodeOf(err)
	resp := ErrorResponse{Error: err.Error(), Code: string(code)}

	var status int
	switch code {
	case retry.CodeInvalidArgument:
		status = http.StatusBadRequest
	case retry.CodeNotFound:
		status = http.StatusNotFound
	case retry.CodeConflict:
		status = http.StatusConflict
		resp.Holder = retry.HolderOf(err)
	case retry.CodeExpired, retry.CodeCanceled:
		status = http.StatusGone
	case retry.CodeUnavailable:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	default:
		s.logger.Error("internal error", "error", err)
		status = http.StatusInternalServerError
		resp.Error = "internal error"
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
