package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/router"
)

func ev(t *testing.T, id int64, typ string, at time.Time, te events.TaskEvent) events.Event {
	t.Helper()
	data, err := json.Marshal(te)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: at, Data: data}
}

func TestTaskTableLifecycle(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tt := NewTaskTable()

	tt.Apply(ev(t, 1, events.TaskSubmitted, base, events.TaskEvent{TaskID: "a", LockKey: "vm-1", Status: "PENDING"}))
	tt.Apply(ev(t, 2, events.TaskQueued, base.Add(time.Second), events.TaskEvent{TaskID: "a", Queue: "fast.n1"}))
	tt.Apply(ev(t, 3, events.TaskClaimed, base.Add(2*time.Second), events.TaskEvent{TaskID: "a", Worker: "w1", Status: "RUNNING"}))

	rows := tt.Rows()
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, "RUNNING", r.Status)
	assert.Equal(t, "fast.n1", r.Queue)
	assert.Equal(t, "vm-1", r.LockKey)
	assert.Equal(t, "w1", r.Worker)
	assert.Equal(t, 3*time.Second, r.Duration(base.Add(5*time.Second)))

	tt.Apply(ev(t, 4, events.TaskCompleted, base.Add(4*time.Second), events.TaskEvent{TaskID: "a", Status: "FAILURE"}))
	assert.Equal(t, "FAILURE", r.Status)
	assert.Equal(t, 2*time.Second, r.Duration(base.Add(time.Hour)))
	assert.Equal(t, 1, tt.Counts()["FAILURE"])
}

func TestTaskTableExpiryAndNotes(t *testing.T) {
	now := time.Now()
	tt := NewTaskTable()

	tt.Apply(ev(t, 1, events.TaskSubmitted, now, events.TaskEvent{TaskID: "a"}))
	tt.Apply(ev(t, 2, events.LockPromoted, now, events.TaskEvent{TaskID: "a", LockKey: "k", Related: "b"}))
	require.Equal(t, "lock granted", tt.Rows()[0].Note)

	tt.Apply(ev(t, 3, events.TaskCanceled, now, events.TaskEvent{TaskID: "a", Reason: "canceled"}))
	r := tt.Rows()[0]
	assert.Equal(t, "EXPIRED", r.Status)
	assert.Equal(t, "canceled", r.Reason)
	assert.Zero(t, r.Duration(now), "a task that never ran has no duration")
}

func TestTaskTableIgnoresForeignEvents(t *testing.T) {
	tt := NewTaskTable()
	tt.Apply(events.Event{ID: 1, Type: "other", Data: json.RawMessage(`{"x":1}`)})
	tt.Apply(events.Event{ID: 2, Type: events.TaskQueued, Data: json.RawMessage(`not json`)})
	assert.Zero(t, tt.Len())
}

func TestTaskTableOrdersNewestFirstAndTrims(t *testing.T) {
	base := time.Now()
	tt := NewTaskTable()
	for i := 0; i < maxTrackedTasks+10; i++ {
		at := base.Add(time.Duration(i) * time.Millisecond)
		id := fmt.Sprintf("t%03d", i)
		tt.Apply(ev(t, int64(2*i+1), events.TaskSubmitted, at, events.TaskEvent{TaskID: id}))
		tt.Apply(ev(t, int64(2*i+2), events.TaskCompleted, at, events.TaskEvent{TaskID: id, Status: "SUCCESS"}))
	}

	assert.Equal(t, maxTrackedTasks, tt.Len())
	rows := tt.Rows()
	assert.Equal(t, fmt.Sprintf("t%03d", maxTrackedTasks+9), rows[0].ID)
}

type fakeSource struct {
	events []events.Event
	since  chan int64
}

func (f *fakeSource) Stream(ctx context.Context, lastID int64, fn func(events.Event) error) error {
	f.since <- lastID
	for _, e := range f.events {
		if e.ID <= lastID {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return errors.New("connection reset")
}

func (f *fakeSource) Health(context.Context) (api.HealthzResponse, error) {
	return api.HealthzResponse{Status: "ok", QueueDepth: 2}, nil
}

func (f *fakeSource) Queues(context.Context) ([]router.QueueDepth, error) {
	return []router.QueueDepth{{Queue: "mgmt", Depth: 2}}, nil
}

func TestSubscribeResumesFromLastEvent(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		events: []events.Event{
			ev(t, 1, events.TaskSubmitted, now, events.TaskEvent{TaskID: "a"}),
			ev(t, 2, events.TaskQueued, now, events.TaskEvent{TaskID: "a", Queue: "mgmt"}),
		},
		since: make(chan int64, 2),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFeed()

	msg := subscribe(ctx, src, f)()
	closed, ok := msg.(streamClosedMsg)
	require.True(t, ok)
	assert.EqualError(t, closed.err, "connection reset")
	assert.Equal(t, int64(0), <-src.since)
	assert.Equal(t, int64(2), f.lastID.Load())

	first := receive(ctx, f)()
	assert.Equal(t, int64(1), events.Event(first.(eventMsg)).ID)

	subscribe(ctx, src, f)()
	assert.Equal(t, int64(2), <-src.since)
}

func TestModelAppliesMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMonitor(ctx, &fakeSource{since: make(chan int64, 1)})

	next, _ := m.Update(healthMsg(api.HealthzResponse{Status: "ok", QueueDepth: 3}))
	mm := next.(Model)
	assert.True(t, mm.connected)
	assert.Equal(t, 3, mm.health.QueueDepth)

	next, _ = mm.Update(eventMsg(ev(t, 1, events.TaskClaimed, time.Now(), events.TaskEvent{TaskID: "a", Worker: "w1"})))
	mm = next.(Model)
	assert.Len(t, mm.eventLog, 1)
	assert.Equal(t, 1, mm.tasks.Counts()["RUNNING"])

	next, _ = mm.Update(streamClosedMsg{err: errors.New("eof")})
	mm = next.(Model)
	assert.False(t, mm.connected)
	assert.Contains(t, mm.lastError, "reconnecting")

	next, _ = mm.Update(queuesMsg{{Queue: "fast.n1", Depth: 4}})
	mm = next.(Model)
	assert.Equal(t, "fast.n1=4", mm.renderQueues())
}
