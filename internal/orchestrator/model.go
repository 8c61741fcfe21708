// Package orchestrator models the backend orchestrator state machine as
// observed by the client, one Model per auto pipeline.
//
// Two event kinds drive transitions: explicit state changes, applied after
// a desync check against the recorded state, and verification decisions.
// Tool calls never transition; they are tagged with the state active when
// they were made and appended to an audit timeline.
//
// A Model is not safe for concurrent use. It is owned by the sync loop.
package orchestrator

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/orchsync/internal/errors"
	"github.com/Iron-Ham/orchsync/internal/protocol"
)

// Outcome describes what applying an event did to a Model.
type Outcome int

const (
	// Applied means the event moved the model to a new state.
	Applied Outcome = iota
	// Recorded means the event was logged without a transition.
	Recorded
	// Duplicate means the model already reflected the event.
	Duplicate
	// Stale means the event is older than the last state write.
	Stale
	// Desync means the event's prior state disagrees with the model.
	Desync
	// Invalid means the event names a transition outside the graph.
	Invalid
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Recorded:
		return "recorded"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Desync:
		return "desync"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// NeedsReconcile reports whether the outcome calls for fetching canonical
// state.
func (o Outcome) NeedsReconcile() bool {
	return o == Desync || o == Invalid
}

// entry is an append-only log record with its arrival sequence, used to
// break timestamp ties.
type entry[T any] struct {
	seq uint64
	at  time.Time
	val T
}

// log is an append-only record list with identity-based deduplication.
type log[T any] struct {
	entries []entry[T]
	seen    map[string]struct{}
}

func (l *log[T]) add(key string, seq uint64, at time.Time, val T) bool {
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	if _, dup := l.seen[key]; dup {
		return false
	}
	l.seen[key] = struct{}{}
	l.entries = append(l.entries, entry[T]{seq: seq, at: at, val: val})
	return true
}

// sorted returns the values ordered by timestamp, ties by arrival.
func (l *log[T]) sorted() []T {
	ordered := slices.Clone(l.entries)
	slices.SortStableFunc(ordered, func(a, b entry[T]) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]T, len(ordered))
	for i, e := range ordered {
		out[i] = e.val
	}
	return out
}

func (l *log[T]) len() int { return len(l.entries) }

// Model is the client's view of one pipeline's orchestrator.
type Model struct {
	pipelineID string
	state      protocol.OrchestratorState
	iteration  int
	counters   protocol.Counters
	stateAt    time.Time

	seq       uint64
	tools     log[protocol.ToolCall]
	changes   log[protocol.StateChange]
	decisions log[protocol.Decision]
}

// NewModel creates a Model in the idle state.
func NewModel(pipelineID string) *Model {
	return &Model{
		pipelineID: pipelineID,
		state:      protocol.StateIdle,
	}
}

// PipelineID returns the pipeline the model tracks.
func (m *Model) PipelineID() string { return m.pipelineID }

// State returns the recorded orchestrator state.
func (m *Model) State() protocol.OrchestratorState { return m.state }

// Iteration returns the recorded iteration.
func (m *Model) Iteration() int { return m.iteration }

// Counters returns the cumulative artifact counters.
func (m *Model) Counters() protocol.Counters { return m.counters }

// StateAt returns the timestamp of the last state write.
func (m *Model) StateAt() time.Time { return m.stateAt }

// Snapshot returns the model's current state as a snapshot.
func (m *Model) Snapshot() protocol.OrchestratorSnapshot {
	return protocol.OrchestratorSnapshot{
		State:     m.state,
		Iteration: m.iteration,
		Counters:  m.counters,
		Timestamp: m.stateAt,
	}
}

func (m *Model) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// ApplyStateChange logs sc and applies it if it is current, consistent
// with the recorded state and an edge of the graph. A Desync outcome
// returns a *errors.DesyncDetectedError; Invalid returns an error wrapping
// errors.ErrInvalidTransition.
func (m *Model) ApplyStateChange(sc protocol.StateChange) (Outcome, error) {
	m.changes.add(stateChangeKey(sc), m.nextSeq(), sc.Timestamp, sc)
	m.counters = m.counters.Merge(sc.Counters)

	if sc.Timestamp.Before(m.stateAt) {
		return Stale, nil
	}

	if m.state == sc.NewState && sc.Iteration <= m.iteration {
		m.stateAt = sc.Timestamp
		return Duplicate, nil
	}

	if sc.OldState != m.state {
		return Desync, errors.NewDesyncDetectedError(m.pipelineID, string(m.state), string(sc.OldState))
	}

	if !CanTransition(sc.OldState, sc.NewState) {
		return Invalid, fmt.Errorf("pipeline %s: %s -> %s: %w",
			m.pipelineID, sc.OldState, sc.NewState, errors.ErrInvalidTransition)
	}

	m.state = sc.NewState
	m.iteration = max(m.iteration, sc.Iteration)
	m.stateAt = sc.Timestamp
	return Applied, nil
}

// ApplyDecision logs d and, when it is current and the orchestrator has
// not finished, moves the model to the decision's target state. Iterate
// also advances the iteration.
func (m *Model) ApplyDecision(d protocol.Decision) Outcome {
	if !m.decisions.add(decisionKey(d), m.nextSeq(), d.Timestamp, d) {
		return Duplicate
	}

	if d.Timestamp.Before(m.stateAt) {
		return Stale
	}
	if m.state.IsTerminal() {
		return Recorded
	}

	target := DecisionTarget(d.Kind)
	if target == "" {
		return Recorded
	}

	if d.Kind == protocol.DecisionIterate {
		m.iteration++
	}
	m.state = target
	m.stateAt = d.Timestamp
	return Applied
}

// RecordToolCall appends tc to the audit timeline and returns it as
// recorded. A call without a state is tagged with the current one.
func (m *Model) RecordToolCall(tc protocol.ToolCall) (protocol.ToolCall, bool) {
	if tc.State == "" {
		tc.State = m.state
		tc.Iteration = m.iteration
	}
	added := m.tools.add(toolCallKey(tc), m.nextSeq(), tc.Timestamp, tc)
	return tc, added
}

// UpdateCounters merges a periodic counter report.
func (m *Model) UpdateCounters(c protocol.Counters) {
	m.counters = m.counters.Merge(c)
}

// Adopt replaces the recorded state with canonical fetched state.
// Counters merge by maximum so they never regress.
func (m *Model) Adopt(snap protocol.OrchestratorSnapshot) {
	if snap.State.Valid() {
		m.state = snap.State
	}
	m.iteration = snap.Iteration
	m.counters = m.counters.Merge(snap.Counters)
	if snap.Timestamp.After(m.stateAt) {
		m.stateAt = snap.Timestamp
	}
}

// MergeToolHistory adds previously emitted tool calls, skipping ones
// already logged, and returns how many were added.
func (m *Model) MergeToolHistory(calls []protocol.ToolCall) int {
	added := 0
	for _, tc := range calls {
		if m.tools.add(toolCallKey(tc), m.nextSeq(), tc.Timestamp, tc) {
			added++
		}
	}
	return added
}

// MergeDecisionHistory adds previously emitted decisions without
// re-applying their transitions.
func (m *Model) MergeDecisionHistory(decisions []protocol.Decision) int {
	added := 0
	for _, d := range decisions {
		if m.decisions.add(decisionKey(d), m.nextSeq(), d.Timestamp, d) {
			added++
		}
	}
	return added
}

// MergeStateHistory adds previously emitted state changes without
// re-applying them.
func (m *Model) MergeStateHistory(changes []protocol.StateChange) int {
	added := 0
	for _, sc := range changes {
		if m.changes.add(stateChangeKey(sc), m.nextSeq(), sc.Timestamp, sc) {
			added++
		}
	}
	return added
}

// Timeline returns the tool-call audit log in display order.
func (m *Model) Timeline() []protocol.ToolCall { return m.tools.sorted() }

// Decisions returns the decision log in display order.
func (m *Model) Decisions() []protocol.Decision { return m.decisions.sorted() }

// StateChanges returns the state-change log in display order.
func (m *Model) StateChanges() []protocol.StateChange { return m.changes.sorted() }

// ToolCallCount returns the number of logged tool-call entries.
func (m *Model) ToolCallCount() int { return m.tools.len() }

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	c := *m
	c.tools = m.tools.clone()
	c.changes = m.changes.clone()
	c.decisions = m.decisions.clone()
	return &c
}

func (l log[T]) clone() log[T] {
	out := log[T]{entries: slices.Clone(l.entries)}
	if l.seen != nil {
		out.seen = make(map[string]struct{}, len(l.seen))
		for k := range l.seen {
			out.seen[k] = struct{}{}
		}
	}
	return out
}

func toolCallKey(tc protocol.ToolCall) string {
	if tc.CallID != "" {
		return fmt.Sprintf("%s/%s", tc.CallID, tc.Phase)
	}
	return fmt.Sprintf("%s/%s/%d", tc.Tool, tc.Phase, tc.Timestamp.UnixNano())
}

func decisionKey(d protocol.Decision) string {
	return fmt.Sprintf("%s/%d", d.Kind, d.Timestamp.UnixNano())
}

func stateChangeKey(sc protocol.StateChange) string {
	return fmt.Sprintf("%s/%s/%d/%d", sc.OldState, sc.NewState, sc.Iteration, sc.Timestamp.UnixNano())
}
