// Package tui provides the conveyor CLI's terminal UI: shared styles and the
// log-follow viewport.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/conveyor-ci/conveyor/internal/store"
)

// Colors — brand palette.
var (
	ColorPrimary = lipgloss.Color("#0EA5E9") // sky
	ColorAccent  = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
)

var (
	// Title is the heading above the log panel.
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	// Dimmed for timestamps and metadata.
	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Help for keybind hints at the bottom.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	stderrStyle = lipgloss.NewStyle().Foreground(ColorWarning)
	stdoutStyle = lipgloss.NewStyle().Foreground(ColorText)
)

// StatusStyle returns a style for the given job status.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case store.JobRunning:
		return lipgloss.NewStyle().Foreground(ColorAccent)
	case store.JobCompleted:
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case store.JobFailed:
		return lipgloss.NewStyle().Foreground(ColorError)
	case store.JobCancelled:
		return lipgloss.NewStyle().Foreground(ColorMuted)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}

// RenderStatus returns the status word colored for terminal output.
func RenderStatus(status string) string {
	return StatusStyle(status).Render(status)
}
