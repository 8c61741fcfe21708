// Package tui renders a live dashboard of pipelines, agents and open
// requests fed by the dispatcher.
package tui

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
)

// App wraps the Bubbletea program.
type App struct {
	model   Model
	feed    *Feed
	program *tea.Program
}

// New creates a dashboard that renders whatever is pushed into feed.
func New(feed *Feed, title string) *App {
	return &App{
		model: NewModel(feed, title),
		feed:  feed,
	}
}

// Run blocks until the user quits, ctx is canceled or the process receives
// SIGINT, SIGTERM or SIGHUP.
func (a *App) Run(ctx context.Context) error {
	a.program = tea.NewProgram(
		a.model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-sigChan:
			a.program.Quit()
		case <-done:
		}
	}()

	_, err := a.program.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
