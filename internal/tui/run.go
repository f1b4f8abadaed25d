package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/conveyor-ci/conveyor/internal/client"
)

// Follow streams the job's logs into a full-screen viewport until the job
// finishes or the user quits.
func Follow(ctx context.Context, c *client.Client, jobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, err := c.FollowLogs(ctx, jobID)
	if err != nil {
		return err
	}

	p := tea.NewProgram(NewFollowModel(jobID), tea.WithAltScreen())

	go func() {
		for msg := range msgs {
			p.Send(LogMsg{Message: msg})
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
