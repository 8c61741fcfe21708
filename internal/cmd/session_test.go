package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/orchsync/internal/dispatch"
	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/event"
	"github.com/Iron-Ham/orchsync/internal/logging"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// idleBackend answers no fetch.
type idleBackend struct{}

func (idleBackend) FetchPipeline(context.Context, string) (protocol.Pipeline, error) {
	return protocol.Pipeline{}, errors.ErrNotConnected
}

func (idleBackend) FetchAgent(context.Context, string) (protocol.Agent, error) {
	return protocol.Agent{}, errors.ErrNotConnected
}

func (idleBackend) FetchToolCalls(context.Context, string, int) ([]protocol.ToolCall, error) {
	return nil, errors.ErrNotConnected
}

func (idleBackend) FetchStateChanges(context.Context, string, int) ([]protocol.StateChange, error) {
	return nil, errors.ErrNotConnected
}

func (idleBackend) FetchDecisions(context.Context, string, int) ([]protocol.Decision, error) {
	return nil, errors.ErrNotConnected
}

func TestSession_ConnectionChanged(t *testing.T) {
	d, err := dispatch.New(event.NewBus(), idleBackend{})
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	defer d.Close()

	notices := make(chan error, 4)
	teardown := d.Setup(dispatch.Callbacks{OnNotice: func(err error) { notices <- err }})
	defer teardown()

	s := &session{dispatcher: d, logger: logging.NopLogger()}
	var seen []bool
	s.OnConnection(func(connected bool, _ error) { seen = append(seen, connected) })

	s.connectionChanged(false, errors.ErrNotConnected)
	select {
	case err := <-notices:
		if !errors.Is(err, errors.ErrNotConnected) {
			t.Errorf("notice = %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lost connection was not surfaced as a notice")
	}

	s.connectionChanged(true, nil)
	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Errorf("listener saw %v, want [false true]", seen)
	}
}
