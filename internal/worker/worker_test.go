package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/retry"
)

// fakeSource hands out pre-loaded claims and records reports.
type fakeSource struct {
	mu       sync.Mutex
	queues   map[string][]*api.ClaimResponse
	reports  map[string]api.ReportRequest
	renewals map[string]int
	renewErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		queues:   make(map[string][]*api.ClaimResponse),
		reports:  make(map[string]api.ReportRequest),
		renewals: make(map[string]int),
	}
}

func (f *fakeSource) add(queue, id, command string, lease time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[queue] = append(f.queues[queue], &api.ClaimResponse{
		ID: id, Command: command, Queue: queue, LeaseExpiresAt: time.Now().Add(lease),
	})
}

func (f *fakeSource) Claim(_ context.Context, queue, worker string) (*api.ClaimResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[queue]
	if len(q) == 0 {
		return nil, nil
	}
	f.queues[queue] = q[1:]
	return q[0], nil
}

func (f *fakeSource) Renew(_ context.Context, id, worker string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals[id]++
	if f.renewErr != nil {
		return time.Time{}, f.renewErr
	}
	return time.Now().Add(time.Minute), nil
}

func (f *fakeSource) Report(_ context.Context, id string, rep api.ReportRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[id] = rep
	return nil
}

func (f *fakeSource) report(id string) (api.ReportRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[id]
	return r, ok
}

func (f *fakeSource) renewCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals[id]
}

func startWorker(t *testing.T, src TaskSource, opts Options) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(src, opts, discardLogger()).Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorkerRunsAndReports(t *testing.T) {
	src := newFakeSource()
	src.add("fast.n1", "t1", "echo one", time.Minute)
	src.add("mgmt", "t2", "echo two >&2; exit 4", time.Minute)

	stop := startWorker(t, src, Options{Name: "w1", Queues: []string{"fast.n1", "mgmt"}, Concurrency: 2, PollInterval: 10 * time.Millisecond})
	defer stop()

	require.Eventually(t, func() bool {
		_, ok1 := src.report("t1")
		_, ok2 := src.report("t2")
		return ok1 && ok2
	}, 5*time.Second, 10*time.Millisecond)

	r1, _ := src.report("t1")
	assert.Equal(t, "w1", r1.Worker)
	assert.Equal(t, 0, r1.ReturnCode)
	assert.Equal(t, "one\n", string(r1.Stdout))
	require.NotNil(t, r1.StartedAt)
	require.NotNil(t, r1.FinishedAt)

	r2, _ := src.report("t2")
	assert.Equal(t, 4, r2.ReturnCode)
	assert.Equal(t, "two\n", string(r2.Stderr))
}

func TestWorkerRenewsLease(t *testing.T) {
	src := newFakeSource()
	src.add("slow.n1", "t1", "sleep 0.5", 300*time.Millisecond)

	stop := startWorker(t, src, Options{Name: "w1", Queues: []string{"slow.n1"}, Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stop()

	require.Eventually(t, func() bool {
		_, ok := src.report("t1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, src.renewCount("t1"), 2)
}

func TestWorkerAbandonsTaskOnLostLease(t *testing.T) {
	src := newFakeSource()
	src.renewErr = retry.Permanent(retry.CodeCanceled, "task was canceled", nil)
	src.add("fast.n1", "t1", "exec sleep 10", 300*time.Millisecond)

	start := time.Now()
	stop := startWorker(t, src, Options{Name: "w1", Queues: []string{"fast.n1"}, Concurrency: 1, PollInterval: 10 * time.Millisecond})

	require.Eventually(t, func() bool { return src.renewCount("t1") > 0 }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Less(t, time.Since(start), 5*time.Second)
	_, reported := src.report("t1")
	assert.False(t, reported, "a task whose lease was lost must not be reported")
}

func TestWorkerKeepsRenewingThroughTransientErrors(t *testing.T) {
	src := newFakeSource()
	src.renewErr = retry.Transient(retry.CodeUnavailable, "db busy", nil)
	src.add("fast.n1", "t1", "sleep 0.4", 300*time.Millisecond)

	stop := startWorker(t, src, Options{Name: "w1", Queues: []string{"fast.n1"}, Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stop()

	require.Eventually(t, func() bool {
		_, ok := src.report("t1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	r, _ := src.report("t1")
	assert.Equal(t, 0, r.ReturnCode)
}

func TestWorkerRequiresQueues(t *testing.T) {
	err := New(newFakeSource(), Options{Name: "w1"}, discardLogger()).Run(context.Background())
	assert.Error(t, err)
}
