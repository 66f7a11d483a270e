package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/router"
)

const maxEventLog = 50

// Model is the BubbleTea model for `system watch`.
type Model struct {
	ctx context.Context
	src Source

	width  int
	height int

	health    api.HealthzResponse
	connected bool
	queues    []router.QueueDepth
	tasks     *TaskTable
	eventLog  []events.Event
	now       time.Time

	table table.Model
	theme Theme
	feed  *feed

	lastError string
}

// NewMonitor builds a monitor reading from src. ctx bounds the background
// stream; cancel it after the program exits.
func NewMonitor(ctx context.Context, src Source) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "ID", Width: 12},
			{Title: "Queue", Width: 16},
			{Title: "Lock", Width: 16},
			{Title: "Worker", Width: 12},
			{Title: "Duration", Width: 10},
			{Title: "Note", Width: 20},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		ctx:      ctx,
		src:      src,
		tasks:    NewTaskTable(),
		eventLog: make([]events.Event, 0, maxEventLog),
		now:      time.Now(),
		table:    t,
		theme:    NewDefaultTheme(),
		feed:     newFeed(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.ctx, m.src, m.feed),
		receive(m.ctx, m.feed),
		fetchHealth(m.ctx, m.src),
		fetchQueues(m.ctx, m.src),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)

	case tickMsg:
		m.now = time.Time(msg)
		m.refreshRows()
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.tasks.Apply(e)
		m.refreshRows()
		m.connected = true
		m.lastError = ""
		return m, receive(m.ctx, m.feed)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.connected = true
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.ctx, m.src)()
		})

	case queuesMsg:
		m.queues = []router.QueueDepth(msg)
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return fetchQueues(m.ctx, m.src)()
		})

	case streamClosedMsg:
		m.connected = false
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		} else {
			m.lastError = "event stream closed, reconnecting..."
		}
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.ctx, m.src, m.feed)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.ctx, m.src)()
		})
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) refreshRows() {
	rows := make([]table.Row, 0, m.tasks.Len())
	for _, r := range m.tasks.Rows() {
		duration := "-"
		if d := r.Duration(m.now); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		note := r.Note
		if r.Reason != "" {
			note = r.Reason
		}
		rows = append(rows, table.Row{
			m.theme.Symbol(r.Status),
			shortID(r.ID),
			r.Queue,
			r.LockKey,
			r.Worker,
			duration,
			note,
		})
	}
	m.table.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		m.renderHeader(),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("Tasks"),
				m.table.View(),
			),
		),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("Event Stream"),
				m.renderEvents(),
			),
		),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll Tasks"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	status := m.theme.StatusOK.Render("CONNECTED")
	switch {
	case !m.connected:
		status = m.theme.StatusFailed.Render("DISCONNECTED")
	case m.health.Status != "" && m.health.Status != "ok":
		status = m.theme.StatusFailed.Render(strings.ToUpper(m.health.Status))
	}

	counts := m.tasks.Counts()
	items := []string{
		fmt.Sprintf("Server: %s", status),
		fmt.Sprintf("Uptime: %s", (time.Duration(m.health.UptimeSeconds) * time.Second).String()),
		fmt.Sprintf("Queued: %d", m.health.QueueDepth),
		fmt.Sprintf("Running: %d  Failed: %d", counts["RUNNING"], counts["FAILURE"]),
	}

	cell := lipgloss.NewStyle().Width((m.width - 4) / len(items))
	cells := make([]string, len(items))
	for i, it := range items {
		cells[i] = cell.Render(it)
	}

	lines := []string{lipgloss.JoinHorizontal(lipgloss.Top, cells...)}
	if q := m.renderQueues(); q != "" {
		lines = append(lines, m.theme.Dim.Render(q))
	}
	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderQueues() string {
	var parts []string
	for _, q := range m.queues {
		if q.Depth > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", q.Queue, q.Depth))
		}
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-19s | %s", e.At.Local().Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return m.theme.Dim.Render("  No events yet...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
