package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/conveyor-ci/conveyor/internal/stream"
)

const maxLogLines = 1000

// LogMsg carries one relay message into the TUI.
type LogMsg struct {
	Message stream.Message
}

// FollowModel is the log-follow viewport for one job.
type FollowModel struct {
	jobID      string
	viewport   viewport.Model
	lines      []string
	autoScroll bool
	finished   bool
	quitting   bool
	width      int
	height     int
}

// NewFollowModel creates a follower for the given job.
func NewFollowModel(jobID string) FollowModel {
	return FollowModel{
		jobID:      jobID,
		viewport:   viewport.New(80, 20),
		autoScroll: true,
	}
}

func (m FollowModel) Init() tea.Cmd {
	return nil
}

func (m FollowModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - 4
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("G"))):
			m.autoScroll = true
			m.viewport.GotoBottom()
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("g"))):
			m.autoScroll = false
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("j", "down", "k", "up"))):
			m.autoScroll = false
		}

	case LogMsg:
		if msg.Message.Type == "eof" {
			m.finished = true
			return m, nil
		}
		if msg.Message.Line != nil {
			m.addLine(*msg.Message.Line)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *FollowModel) addLine(line stream.LogLine) {
	m.lines = append(m.lines, formatLine(line))
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.autoScroll {
		m.viewport.GotoBottom()
	}
}

func formatLine(line stream.LogLine) string {
	ts := line.Timestamp.Format("15:04:05")
	style := stdoutStyle
	if line.Stream == "stderr" {
		style = stderrStyle
	}
	return fmt.Sprintf("  %s %s", Dimmed.Render(ts), style.Render(line.Line))
}

func (m FollowModel) View() string {
	title := Title.Render(fmt.Sprintf(" Job %s", m.jobID))
	status := ""
	if m.finished {
		status = Dimmed.Render("  (finished)")
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted).
		Width(m.width - 2).
		Render(m.viewport.View())

	helpBar := Help.Render("  q quit · g/G top/bottom · j/k scroll")

	return lipgloss.JoinVertical(lipgloss.Left, title+status, panel, helpBar)
}

// Finished reports whether the job's log stream ended.
func (m FollowModel) Finished() bool { return m.finished }
