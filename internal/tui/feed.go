package tui

import (
	"context"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/router"
)

// Source is the slice of the API client the monitor needs.
type Source interface {
	Stream(ctx context.Context, lastID int64, fn func(events.Event) error) error
	Health(ctx context.Context) (api.HealthzResponse, error)
	Queues(ctx context.Context) ([]router.QueueDepth, error)
}

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type queuesMsg []router.QueueDepth

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type streamClosedMsg struct{ err error }

type reconnectMsg struct{}

const (
	pollInterval      = 5 * time.Second
	reconnectInterval = 3 * time.Second
	requestTimeout    = 2 * time.Second
)

// feed carries events from the stream goroutine into the update loop.
// lastID survives reconnects so the server replays only what was missed.
type feed struct {
	ch     chan events.Event
	lastID atomic.Int64
}

func newFeed() *feed {
	return &feed{ch: make(chan events.Event, 100)}
}

// subscribe streams events until the connection drops, then reports
// streamClosedMsg so the model can schedule a reconnect.
func subscribe(ctx context.Context, src Source, f *feed) tea.Cmd {
	return func() tea.Msg {
		err := src.Stream(ctx, f.lastID.Load(), func(e events.Event) error {
			if e.ID > 0 {
				f.lastID.Store(e.ID)
			}
			select {
			case f.ch <- e:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return streamClosedMsg{err: err}
	}
}

func receive(ctx context.Context, f *feed) tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-f.ch:
			return eventMsg(e)
		case <-ctx.Done():
			return nil
		}
	}
}

func fetchHealth(ctx context.Context, src Source) tea.Cmd {
	return func() tea.Msg {
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		h, err := src.Health(rctx)
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(h)
	}
}

func fetchQueues(ctx context.Context, src Source) tea.Cmd {
	return func() tea.Msg {
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		q, err := src.Queues(rctx)
		if err != nil {
			return errMsg{err}
		}
		return queuesMsg(q)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
