package tui

import (
	"sync/atomic"

	"github.com/Iron-Ham/orchsync/internal/dispatch"
	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/Iron-Ham/orchsync/internal/store"
	tea "github.com/charmbracelet/bubbletea"
)

// AgentMsg carries an agent after a status, activity or stats update.
type AgentMsg struct {
	Agent protocol.Agent
}

// AgentRemovedMsg reports a terminated agent.
type AgentRemovedMsg struct {
	ID string
}

// MetaActionMsg carries a supervisor action.
type MetaActionMsg struct {
	Action protocol.MetaAgentAction
}

// PipelineMsg carries a plain or auto pipeline.
type PipelineMsg struct {
	Pipeline protocol.Pipeline
}

// StateMsg carries an orchestrator snapshot for one pipeline.
type StateMsg struct {
	PipelineID string
	Snapshot   protocol.OrchestratorSnapshot
}

// ToolCallMsg carries a new timeline entry.
type ToolCallMsg struct {
	Call protocol.ToolCall
}

// DecisionMsg carries an orchestrator decision.
type DecisionMsg struct {
	Decision protocol.Decision
}

// AlertMsg, ReviewMsg and CommandMsg carry request entities; a terminal
// resolution removes them from the view.
type AlertMsg struct {
	Alert protocol.SecurityAlert
}

type ReviewMsg struct {
	Review protocol.PendingReview
}

type CommandMsg struct {
	Command protocol.ElevatedCommandRequest
}

// NoticeMsg is a user-facing degradation notice.
type NoticeMsg struct {
	Err error
}

// SnapshotMsg seeds the view from the cache.
type SnapshotMsg struct {
	Snapshot store.Snapshot
}

// ConnMsg reports the transport's connection state.
type ConnMsg struct {
	Connected bool
	Err       error
}

// feedMsg wraps a message drained from a Feed so the model knows to keep
// listening.
type feedMsg struct {
	inner tea.Msg
}

// DefaultFeedSize is the number of undelivered messages a Feed buffers.
const DefaultFeedSize = 1024

// Feed buffers messages between the dispatcher and the bubbletea program.
// Dispatcher callbacks must not block, so Push never waits: when the buffer
// is full the message is dropped and counted.
type Feed struct {
	ch      chan tea.Msg
	dropped atomic.Int64
}

// NewFeed creates a Feed with room for size messages.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{ch: make(chan tea.Msg, size)}
}

// Push enqueues msg, reporting false if it was dropped.
func (f *Feed) Push(msg tea.Msg) bool {
	select {
	case f.ch <- msg:
		return true
	default:
		f.dropped.Add(1)
		return false
	}
}

// Dropped reports how many messages overflowed the buffer.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

func (f *Feed) listen() tea.Cmd {
	return func() tea.Msg {
		return feedMsg{inner: <-f.ch}
	}
}

// Callbacks adapts the feed to the dispatcher's consumer contract.
func (f *Feed) Callbacks() dispatch.Callbacks {
	agent := func(a protocol.Agent) { f.Push(AgentMsg{Agent: a}) }
	pipeline := func(p protocol.Pipeline) { f.Push(PipelineMsg{Pipeline: p}) }
	return dispatch.Callbacks{
		OnAgentStatus:     agent,
		OnAgentActivity:   agent,
		OnAgentStats:      agent,
		OnAgentRemoved:    func(id string) { f.Push(AgentRemovedMsg{ID: id}) },
		OnMetaAgentAction: func(a protocol.MetaAgentAction) { f.Push(MetaActionMsg{Action: a}) },
		OnPipeline:        pipeline,
		OnAutoPipeline:    pipeline,
		OnToolCall:        func(tc protocol.ToolCall) { f.Push(ToolCallMsg{Call: tc}) },
		OnOrchestratorState: func(id string, snap protocol.OrchestratorSnapshot) {
			f.Push(StateMsg{PipelineID: id, Snapshot: snap})
		},
		OnDecision:        func(d protocol.Decision) { f.Push(DecisionMsg{Decision: d}) },
		OnSecurityAlert:   func(a protocol.SecurityAlert) { f.Push(AlertMsg{Alert: a}) },
		OnPendingReview:   func(r protocol.PendingReview) { f.Push(ReviewMsg{Review: r}) },
		OnElevatedCommand: func(c protocol.ElevatedCommandRequest) { f.Push(CommandMsg{Command: c}) },
		OnNotice:          func(err error) { f.Push(NoticeMsg{Err: err}) },
	}
}
