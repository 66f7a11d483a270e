// Package tui implements the `system watch` monitor: a live view of task
// lifecycle events, queue depths and server health.
package tui

import "github.com/charmbracelet/lipgloss"

// Theme keeps all monitor styling in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPending lipgloss.Style
	StatusExpired lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusExpired: lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

// Symbol renders the one-character status marker used in the task table.
func (t Theme) Symbol(status string) string {
	switch status {
	case "RUNNING":
		return t.StatusRunning.Render("◉")
	case "SUCCESS":
		return t.StatusOK.Render("●")
	case "FAILURE":
		return t.StatusFailed.Render("∅")
	case "EXPIRED":
		return t.StatusExpired.Render("◔")
	default:
		return t.StatusPending.Render("○")
	}
}
