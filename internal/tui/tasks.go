package tui

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mattjoyce/dispatchd/internal/events"
)

const maxTrackedTasks = 200

// TaskRow is the monitor's view of one task, built only from events.
type TaskRow struct {
	ID      string
	Queue   string
	LockKey string
	Status  string
	Worker  string
	Reason  string
	Note    string

	Submitted time.Time
	Started   time.Time
	Finished  time.Time
	Updated   time.Time
}

// Duration is the run time so far, or zero if the task never ran.
func (r *TaskRow) Duration(now time.Time) time.Duration {
	if r.Started.IsZero() {
		return 0
	}
	end := r.Finished
	if end.IsZero() {
		end = now
	}
	return end.Sub(r.Started)
}

// TaskTable folds the event stream into per-task rows.
type TaskTable struct {
	rows map[string]*TaskRow
}

func NewTaskTable() *TaskTable {
	return &TaskTable{rows: make(map[string]*TaskRow)}
}

// Apply updates the table from one event. Events it does not understand
// are ignored.
func (t *TaskTable) Apply(e events.Event) {
	var te events.TaskEvent
	if err := json.Unmarshal(e.Data, &te); err != nil || te.TaskID == "" {
		return
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	row := t.row(te.TaskID, at)
	if te.Queue != "" {
		row.Queue = te.Queue
	}
	if te.LockKey != "" {
		row.LockKey = te.LockKey
	}
	if te.Worker != "" {
		row.Worker = te.Worker
	}
	row.Updated = at

	switch e.Type {
	case events.TaskSubmitted:
		row.Status = statusOr(te.Status, "PENDING")
		row.Note = "submitted"
	case events.TaskQueued:
		row.Status = "PENDING"
		row.Note = "queued"
	case events.TaskClaimed:
		row.Status = "RUNNING"
		row.Started = at
		row.Note = ""
	case events.TaskCompleted:
		row.Status = statusOr(te.Status, "SUCCESS")
		row.Finished = at
		row.Note = ""
	case events.TaskExpired, events.TaskCanceled:
		row.Status = statusOr(te.Status, "EXPIRED")
		row.Reason = te.Reason
		row.Finished = at
		row.Note = ""
	case events.LockPromoted:
		row.Note = "lock granted"
	case events.DependencyReleased:
		row.Note = "dependency done"
	case events.CallbackFailed:
		row.Note = "callback failed"
	}

	t.trim()
}

// Rows returns tasks most recently updated first.
func (t *TaskTable) Rows() []*TaskRow {
	out := make([]*TaskRow, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Updated.Equal(out[j].Updated) {
			return out[i].ID < out[j].ID
		}
		return out[i].Updated.After(out[j].Updated)
	})
	return out
}

// Counts tallies rows by status.
func (t *TaskTable) Counts() map[string]int {
	c := make(map[string]int)
	for _, r := range t.rows {
		c[r.Status]++
	}
	return c
}

func (t *TaskTable) Len() int { return len(t.rows) }

func (t *TaskTable) row(id string, at time.Time) *TaskRow {
	if r, ok := t.rows[id]; ok {
		return r
	}
	r := &TaskRow{ID: id, Status: "PENDING", Submitted: at}
	t.rows[id] = r
	return r
}

// trim drops the oldest finished tasks once the table is over capacity.
func (t *TaskTable) trim() {
	if len(t.rows) <= maxTrackedTasks {
		return
	}
	rows := t.Rows()
	for i := len(rows) - 1; i >= 0 && len(t.rows) > maxTrackedTasks; i-- {
		if !rows[i].Finished.IsZero() {
			delete(t.rows, rows[i].ID)
		}
	}
}

func statusOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
