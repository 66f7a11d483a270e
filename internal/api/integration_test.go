package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/cache"
	"github.com/mattjoyce/dispatchd/internal/callback"
	"github.com/mattjoyce/dispatchd/internal/depend"
	"github.com/mattjoyce/dispatchd/internal/dispatch"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/lock"
	"github.com/mattjoyce/dispatchd/internal/queue"
	"github.com/mattjoyce/dispatchd/internal/router"
	"github.com/mattjoyce/dispatchd/internal/state"
	"github.com/mattjoyce/dispatchd/internal/storage"
)

// TestAPIIntegration drives a real dispatcher over HTTP: submit, claim,
// report, poll, and a rejected second lock holder.
func TestAPIIntegration(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := state.NewStore(db)
	hub := events.NewHub(64)
	reg := callback.NewRegistry(logger)
	rt := router.New(queue.NewSQLite(db))
	d := dispatch.New(dispatch.Deps{
		Store:     store,
		Locks:     lock.NewManager(4, store, logger),
		Blocker:   depend.NewBlocker(),
		Router:    rt,
		Cache:     cache.NewMemory(),
		Callbacks: reg,
		Invoker:   callback.NewInvoker(reg, time.Second, hub, logger),
		Events:    hub,
		Logger:    logger,
	}, dispatch.Config{})

	server := api.New(api.Config{APIKey: "k", WorkerKey: "wk"}, d, rt, hub, logger)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	call := func(method, path, key string, body any) (*http.Response, []byte) {
		t.Helper()
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			rd = bytes.NewReader(b)
		}
		req, err := http.NewRequest(method, srv.URL+path, rd)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, data
	}

	resp, data := call(http.MethodPost, "/v1/tasks", "k", map[string]any{
		"owner": "alice", "tenant": "acme", "command": "echo hi", "node": "n1", "lock_key": "vm-1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	var receipt dispatch.Receipt
	require.NoError(t, json.Unmarshal(data, &receipt))
	assert.Equal(t, state.StatusPending, receipt.Status)

	resp, data = call(http.MethodPost, "/v1/tasks", "k", map[string]any{
		"owner": "bob", "tenant": "acme", "command": "echo again", "node": "n1", "lock_key": "vm-1",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(data))
	var conflict api.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &conflict))
	assert.Equal(t, receipt.ID, conflict.Holder)

	resp, data = call(http.MethodGet, "/v1/queues", "k", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var queues api.QueuesResponse
	require.NoError(t, json.Unmarshal(data, &queues))
	require.Len(t, queues.Queues, 1)
	assert.Equal(t, router.QueueDepth{Queue: "fast.n1", Depth: 1}, queues.Queues[0])

	resp, data = call(http.MethodPost, "/v1/queues/fast.n1/claim", "wk", api.ClaimRequest{Worker: "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var claim api.ClaimResponse
	require.NoError(t, json.Unmarshal(data, &claim))
	assert.Equal(t, receipt.ID, claim.ID)
	assert.Equal(t, "echo hi", claim.Command)

	resp, _ = call(http.MethodPost, "/v1/queues/fast.n1/claim", "wk", api.ClaimRequest{Worker: "w1"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = call(http.MethodPost, "/v1/tasks/"+claim.ID+"/report", "wk", api.ReportRequest{
		Worker: "w1", ReturnCode: 0, Stdout: []byte("hi\n"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = call(http.MethodGet, "/v1/tasks/"+receipt.ID, "k", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view dispatch.StatusView
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, state.StatusSuccess, view.Status)

	var result map[string]any
	require.NoError(t, json.Unmarshal(view.Result, &result))
	assert.Equal(t, "hi\n", result["stdout"])

	resp, _ = call(http.MethodPost, "/v1/tasks/"+claim.ID+"/report", "wk", api.ReportRequest{Worker: "w1"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp, _ = call(http.MethodGet, "/v1/tasks/alice:ed:acme:00000000000000000000000000000000", "k", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = call(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health api.HealthzResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, 1, health.Tasks[string(state.PhaseSuccess)])
	require.NotNil(t, health.Pressure)
	assert.Zero(t, health.Pressure.LocksHeld)

	resp, data = call(http.MethodGet, "/v1/locks/vm-1", "k", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lv dispatch.LockView
	require.NoError(t, json.Unmarshal(data, &lv))
	assert.Empty(t, lv.Holder)

	// Stdin that is not valid UTF-8 reaches the worker byte for byte.
	raw := []byte{0xff, 0x00, 0xfe, '\n'}
	resp, data = call(http.MethodPost, "/v1/tasks", "k", api.SubmitTaskRequest{
		Owner: "alice", Tenant: "acme", Command: "cat", Node: "n2", Stdin: raw, LockKey: "vm-2",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	var binReceipt dispatch.Receipt
	require.NoError(t, json.Unmarshal(data, &binReceipt))

	resp, data = call(http.MethodGet, "/v1/locks/vm-2", "k", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &lv))
	assert.Equal(t, binReceipt.ID, lv.Holder)

	resp, data = call(http.MethodPost, "/v1/queues/fast.n2/claim", "wk", api.ClaimRequest{Worker: "w2"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var binClaim api.ClaimResponse
	require.NoError(t, json.Unmarshal(data, &binClaim))
	assert.Equal(t, binReceipt.ID, binClaim.ID)
	assert.Equal(t, raw, binClaim.Stdin)
}
