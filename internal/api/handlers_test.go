package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dispatchd/internal/dispatch"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/retry"
	"github.com/mattjoyce/dispatchd/internal/router"
	"github.com/mattjoyce/dispatchd/internal/state"
)

// mockTasks implements TaskService for testing
type mockTasks struct {
	submitFunc func(ctx context.Context, req dispatch.SubmitRequest) (dispatch.Receipt, error)
	statusFunc func(ctx context.Context, id string) (dispatch.StatusView, error)
	claimFunc  func(ctx context.Context, queue, worker string) (*dispatch.Claimed, error)
	reportFunc func(ctx context.Context, id string, rep dispatch.Report) error
	renewFunc  func(ctx context.Context, id, worker string) (time.Time, error)
	cancelFunc func(ctx context.Context, id, reason string) error
}

func (m *mockTasks) Submit(ctx context.Context, req dispatch.SubmitRequest) (dispatch.Receipt, error) {
	return m.submitFunc(ctx, req)
}

func (m *mockTasks) GetStatus(ctx context.Context, id string) (dispatch.StatusView, error) {
	if m.statusFunc == nil {
		return dispatch.StatusView{ID: id, Status: state.StatusPending}, nil
	}
	return m.statusFunc(ctx, id)
}

func (m *mockTasks) Claim(ctx context.Context, queue, worker string) (*dispatch.Claimed, error) {
	return m.claimFunc(ctx, queue, worker)
}

func (m *mockTasks) Report(ctx context.Context, id string, rep dispatch.Report) error {
	return m.reportFunc(ctx, id, rep)
}

func (m *mockTasks) Renew(ctx context.Context, id, worker string) (time.Time, error) {
	return m.renewFunc(ctx, id, worker)
}

func (m *mockTasks) Cancel(ctx context.Context, id, reason string) error {
	return m.cancelFunc(ctx, id, reason)
}

type mockQueues struct {
	depths []router.QueueDepth
	err    error
}

func (m *mockQueues) Depths(context.Context) ([]router.QueueDepth, error) { return m.depths, m.err }

func newTestServer(tasks TaskService, queues QueueLister, hub EventStream) *Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0", APIKey: "test-key", WorkerKey: "worker-key"}, tasks, queues, hub, logger)
}

func do(t *testing.T, s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s := newTestServer(&mockTasks{}, &mockQueues{depths: []router.QueueDepth{{Queue: "fast.n1", Depth: 2}, {Queue: "mgmt", Depth: 1}}}, events.NewHub(4))

	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.QueueDepth)
}

func TestAuthScopes(t *testing.T) {
	tasks := &mockTasks{
		claimFunc: func(context.Context, string, string) (*dispatch.Claimed, error) { return nil, nil },
	}
	s := newTestServer(tasks, &mockQueues{}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   any
		want   int
	}{
		{"no key", http.MethodGet, "/v1/queues", "", nil, http.StatusUnauthorized},
		{"wrong key", http.MethodGet, "/v1/queues", "nope", nil, http.StatusUnauthorized},
		{"api key lists queues", http.MethodGet, "/v1/queues", "test-key", nil, http.StatusOK},
		{"worker key cannot list queues", http.MethodGet, "/v1/queues", "worker-key", nil, http.StatusUnauthorized},
		{"worker key claims", http.MethodPost, "/v1/queues/fast.n1/claim", "worker-key", ClaimRequest{Worker: "w1"}, http.StatusNoContent},
		{"api key claims", http.MethodPost, "/v1/queues/fast.n1/claim", "test-key", ClaimRequest{Worker: "w1"}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.key, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmitTranslatesRequest(t *testing.T) {
	var got dispatch.SubmitRequest
	tasks := &mockTasks{
		submitFunc: func(_ context.Context, req dispatch.SubmitRequest) (dispatch.Receipt, error) {
			got = req
			return dispatch.Receipt{ID: "alice:ed:acme:0001", Status: state.StatusPending}, nil
		},
	}
	s := newTestServer(tasks, &mockQueues{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/tasks", "test-key", map[string]any{
		"owner":       "alice",
		"tenant":      "acme",
		"command":     "virsh start vm-1",
		"stdin":       []byte("yes\n"),
		"node":        "n1",
		"class":       "slow",
		"lock_key":    "vm-1",
		"lock_policy": "queue",
		"output":      map[string]any{"stdout": "log", "stdout_json": false},
		"cache_ttl":   "30s",
		"deadline":    "5m",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var receipt dispatch.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, "alice:ed:acme:0001", receipt.ID)

	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, []byte("yes\n"), got.Stdin)
	assert.Equal(t, "queue", got.LockPolicy)
	assert.Equal(t, "log", got.Output.Stdout)
	assert.Equal(t, 30*time.Second, got.CacheTTL)
	assert.Equal(t, 5*time.Minute, got.Deadline)
	assert.Zero(t, got.LeaseTTL)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	called := false
	tasks := &mockTasks{
		submitFunc: func(context.Context, dispatch.SubmitRequest) (dispatch.Receipt, error) {
			called = true
			return dispatch.Receipt{}, nil
		},
	}
	s := newTestServer(tasks, &mockQueues{}, nil)

	bodies := map[string]any{
		"unknown field":   map[string]any{"owner": "a", "command": "x", "colour": "red"},
		"unknown output":  map[string]any{"owner": "a", "command": "x", "output": map[string]any{"bogus": true}},
		"bad duration":    map[string]any{"owner": "a", "command": "x", "deadline": "soon"},
		"negative ttl":    map[string]any{"owner": "a", "command": "x", "cache_ttl": "-1s"},
		"not json object": []int{1, 2},
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/tasks", "test-key", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.False(t, called)
}

func TestSubmitAcceptsAbsoluteDeadline(t *testing.T) {
	var got dispatch.SubmitRequest
	tasks := &mockTasks{
		submitFunc: func(_ context.Context, req dispatch.SubmitRequest) (dispatch.Receipt, error) {
			got = req
			return dispatch.Receipt{ID: "alice:ed:acme:0001", Status: state.StatusPending}, nil
		},
	}
	s := newTestServer(tasks, &mockQueues{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/tasks", "test-key", map[string]any{
		"owner": "alice", "command": "uptime", "deadline": "2030-01-02T15:04:05Z",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC), got.DeadlineAt.UTC())
	assert.Zero(t, got.Deadline)
}

// inspectingTasks adds lock inspection to mockTasks.
type inspectingTasks struct {
	mockTasks
	views    map[string]dispatch.LockView
	pressure dispatch.Pressure
}

func (m *inspectingTasks) Lock(key string) dispatch.LockView {
	if v, ok := m.views[key]; ok {
		return v
	}
	return dispatch.LockView{Key: key}
}

func (m *inspectingTasks) Pressure() dispatch.Pressure { return m.pressure }

func TestLockInspection(t *testing.T) {
	tasks := &inspectingTasks{
		views: map[string]dispatch.LockView{
			"vm-1": {Key: "vm-1", Holder: "alice:ed:acme:0001", Waiters: []string{"bob:ed:acme:0002"}},
		},
		pressure: dispatch.Pressure{LocksHeld: 1, DependencyWaits: 2},
	}
	s := newTestServer(tasks, &mockQueues{}, nil)

	rec := do(t, s, http.MethodGet, "/v1/locks/vm-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/locks/vm-1", "test-key", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view dispatch.LockView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "alice:ed:acme:0001", view.Holder)
	assert.Equal(t, []string{"bob:ed:acme:0002"}, view.Waiters)

	rec = do(t, s, http.MethodGet, "/v1/locks/vm-9", "test-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view = dispatch.LockView{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "vm-9", view.Key)
	assert.Empty(t, view.Holder)

	rec = do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.NotNil(t, health.Pressure)
	assert.Equal(t, dispatch.Pressure{LocksHeld: 1, DependencyWaits: 2}, *health.Pressure)
}

func TestLockInspectionUnsupported(t *testing.T) {
	s := newTestServer(&mockTasks{}, &mockQueues{}, nil)
	rec := do(t, s, http.MethodGet, "/v1/locks/vm-1", "test-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "", nil)
	var health HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Nil(t, health.Pressure)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", retry.InvalidArgument("owner is required"), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"not found", retry.Permanent(retry.CodeNotFound, "task x", nil), http.StatusNotFound, "NOT_FOUND"},
		{"conflict", retry.Conflict("vm-1", "alice:ed:acme:0001", nil), http.StatusConflict, "CONFLICT"},
		{"expired", retry.Permanent(retry.CodeExpired, "task finished", nil), http.StatusGone, "EXPIRED"},
		{"canceled", retry.Permanent(retry.CodeCanceled, "task canceled", nil), http.StatusGone, "CANCELED"},
		{"unavailable", retry.Unavailable("create task", io.ErrUnexpectedEOF), http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"unclassified", io.ErrClosedPipe, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := &mockTasks{
				submitFunc: func(context.Context, dispatch.SubmitRequest) (dispatch.Receipt, error) {
					return dispatch.Receipt{}, tt.err
				},
			}
			s := newTestServer(tasks, &mockQueues{}, nil)
			rec := do(t, s, http.MethodPost, "/v1/tasks", "test-key", map[string]any{"owner": "a", "command": "x"})

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, resp.Code)
			switch tt.wantStatus {
			case http.StatusConflict:
				assert.Equal(t, "alice:ed:acme:0001", resp.Holder)
			case http.StatusServiceUnavailable:
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			case http.StatusInternalServerError:
				assert.Equal(t, "internal error", resp.Error)
			}
		})
	}
}

func TestClaimReportLease(t *testing.T) {
	lease := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var reported dispatch.Report
	tasks := &mockTasks{
		claimFunc: func(_ context.Context, queue, worker string) (*dispatch.Claimed, error) {
			assert.Equal(t, "fast.n1", queue)
			assert.Equal(t, "w1", worker)
			return &dispatch.Claimed{ID: "t1", Command: "uptime", Stdin: []byte{0, 1, 2}, Queue: queue, LeaseExpiresAt: lease}, nil
		},
		reportFunc: func(_ context.Context, id string, rep dispatch.Report) error {
			assert.Equal(t, "t1", id)
			reported = rep
			return nil
		},
		renewFunc: func(_ context.Context, id, worker string) (time.Time, error) {
			return lease.Add(time.Minute), nil
		},
	}
	s := newTestServer(tasks, &mockQueues{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/queues/fast.n1/claim", "worker-key", ClaimRequest{Worker: "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var claim ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.Equal(t, []byte{0, 1, 2}, claim.Stdin)
	assert.True(t, claim.LeaseExpiresAt.Equal(lease))

	rec = do(t, s, http.MethodPost, "/v1/tasks/t1/lease", "worker-key", LeaseRequest{Worker: "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var renewed LeaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &renewed))
	assert.True(t, renewed.LeaseExpiresAt.Equal(lease.Add(time.Minute)))

	started := lease.Add(-time.Second)
	rec = do(t, s, http.MethodPost, "/v1/tasks/t1/report", "worker-key", ReportRequest{
		Worker: "w1", ReturnCode: 3, Stdout: []byte("out"), Stderr: []byte{0xff, 0xfe}, StartedAt: &started,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, reported.ReturnCode)
	assert.Equal(t, []byte{0xff, 0xfe}, reported.Stderr)
	assert.True(t, reported.StartedAt.Equal(started))
	assert.True(t, reported.FinishedAt.IsZero())

	rec = do(t, s, http.MethodPost, "/v1/queues/fast.n1/claim", "worker-key", ClaimRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelPassesReason(t *testing.T) {
	var gotReason string
	tasks := &mockTasks{
		cancelFunc: func(_ context.Context, id, reason string) error {
			gotReason = reason
			return nil
		},
		statusFunc: func(_ context.Context, id string) (dispatch.StatusView, error) {
			return dispatch.StatusView{ID: id, Status: state.StatusFailure, Reason: state.ReasonCanceled}, nil
		},
	}
	s := newTestServer(tasks, &mockQueues{}, nil)

	rec := do(t, s, http.MethodDelete, "/v1/tasks/t1?reason=operator", "test-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator", gotReason)

	var view dispatch.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, state.StatusFailure, view.Status)
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TaskSubmitted, events.TaskEvent{TaskID: "t1"})
	hub.Publish(events.TaskQueued, events.TaskEvent{TaskID: "t1", Queue: "fast.n1"})

	s := newTestServer(&mockTasks{}, &mockQueues{}, hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	readEvent := func() (id, typ, data string) {
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if id != "" {
					return
				}
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		return
	}

	id, typ, data := readEvent()
	assert.Equal(t, "2", id)
	assert.Equal(t, events.TaskQueued, typ)
	assert.Contains(t, data, `"fast.n1"`)

	hub.Publish(events.TaskClaimed, events.TaskEvent{TaskID: "t1", Worker: "w1"})
	id, typ, _ = readEvent()
	assert.Equal(t, "3", id)
	assert.Equal(t, events.TaskClaimed, typ)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
