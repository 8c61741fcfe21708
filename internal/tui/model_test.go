package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/Iron-Ham/orchsync/internal/store"
	tea "github.com/charmbracelet/bubbletea"
)

func send(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pipeline(id, request string, age time.Duration) protocol.Pipeline {
	return protocol.Pipeline{
		ID:        id,
		Request:   request,
		Status:    protocol.PipelineRunning,
		UpdatedAt: t0.Add(-age),
		Steps: []protocol.Step{
			{Number: 1, Role: protocol.RolePlanning, Status: protocol.StepCompleted},
			{Number: 2, Role: protocol.RoleBuilding, Status: protocol.StepRunning, AgentID: "agent-1"},
		},
	}
}

func TestModel_AppliesDataMessages(t *testing.T) {
	m := NewModel(nil, "orchsync")
	m = send(m,
		PipelineMsg{Pipeline: pipeline("p1", "add retries", 0)},
		StateMsg{PipelineID: "p1", Snapshot: protocol.OrchestratorSnapshot{State: protocol.StateExecuting, Iteration: 2}},
		AgentMsg{Agent: protocol.Agent{ID: "a1", Status: protocol.AgentRunning}},
		AgentMsg{Agent: protocol.Agent{ID: "a2", Status: protocol.AgentIdle}},
		AgentRemovedMsg{ID: "a2"},
	)

	if _, ok := m.pipelines["p1"]; !ok {
		t.Fatal("pipeline not stored")
	}
	if got := m.states["p1"]; got.State != protocol.StateExecuting || got.Iteration != 2 {
		t.Errorf("state = %+v", got)
	}
	if len(m.agents) != 1 {
		t.Errorf("agents = %v, want only a1", m.agents)
	}
}

func TestModel_PipelineCarriesOrchestrator(t *testing.T) {
	p := pipeline("p1", "x", 0)
	p.Auto = true
	p.Orchestrator = &protocol.OrchestratorSnapshot{State: protocol.StatePlanning, Iteration: 1}

	m := send(NewModel(nil, "orchsync"), PipelineMsg{Pipeline: p})
	if m.states["p1"].State != protocol.StatePlanning {
		t.Errorf("state = %v, want planning", m.states["p1"].State)
	}
}

func TestModel_RequestsCloseOnTerminalResolution(t *testing.T) {
	m := NewModel(nil, "orchsync")
	m = send(m,
		AlertMsg{Alert: protocol.SecurityAlert{ID: "s1", Severity: "high", Message: "rm -rf", State: protocol.ResolutionOpen}},
		ReviewMsg{Review: protocol.PendingReview{ID: "r1", Summary: "diff", State: protocol.ResolutionOpen}},
		CommandMsg{Command: protocol.ElevatedCommandRequest{ID: "c1", Command: "sudo make install"}},
	)
	if len(m.alerts) != 1 || len(m.reviews) != 1 || len(m.commands) != 1 {
		t.Fatalf("open requests = %d/%d/%d, want 1/1/1", len(m.alerts), len(m.reviews), len(m.commands))
	}

	m = send(m,
		AlertMsg{Alert: protocol.SecurityAlert{ID: "s1", State: protocol.ResolutionResolved}},
		ReviewMsg{Review: protocol.PendingReview{ID: "r1", State: protocol.ResolutionApproved}},
		CommandMsg{Command: protocol.ElevatedCommandRequest{ID: "c1", State: protocol.ResolutionDenied}},
	)
	if len(m.alerts)+len(m.reviews)+len(m.commands) != 0 {
		t.Errorf("resolved requests should be removed")
	}
}

func TestModel_EventsAndNoticesAreCapped(t *testing.T) {
	m := NewModel(nil, "orchsync")
	for i := 0; i < maxEvents+5; i++ {
		m = send(m, ToolCallMsg{Call: protocol.ToolCall{PipelineID: "p1", Tool: "bash", Phase: protocol.ToolStarted}})
	}
	for i := 0; i < maxNotices+3; i++ {
		m = send(m, NoticeMsg{Err: errors.New("reconciliation keeps failing")})
	}
	m = send(m, NoticeMsg{})

	if len(m.events) != maxEvents {
		t.Errorf("events = %d, want %d", len(m.events), maxEvents)
	}
	if len(m.notices) != maxNotices {
		t.Errorf("notices = %d, want %d", len(m.notices), maxNotices)
	}
}

func TestModel_Navigation(t *testing.T) {
	m := NewModel(nil, "orchsync")
	m = send(m,
		PipelineMsg{Pipeline: pipeline("old", "first", 2*time.Minute)},
		PipelineMsg{Pipeline: pipeline("new", "second", 0)},
	)

	if got := m.visiblePipelines()[0].ID; got != "new" {
		t.Fatalf("most recent pipeline should sort first, got %s", got)
	}

	m = send(m, runes("j"))
	if m.selected != 1 {
		t.Errorf("selected = %d after j, want 1", m.selected)
	}
	m = send(m, runes("j"))
	if m.selected != 1 {
		t.Errorf("selected = %d after j at bottom, want 1", m.selected)
	}
	m = send(m, tea.KeyMsg{Type: tea.KeyUp})
	if m.selected != 0 {
		t.Errorf("selected = %d after up, want 0", m.selected)
	}
}

func TestModel_Filter(t *testing.T) {
	m := NewModel(nil, "orchsync")
	m = send(m,
		PipelineMsg{Pipeline: pipeline("p1", "Add retries", 0)},
		PipelineMsg{Pipeline: pipeline("p2", "fix login", time.Minute)},
	)

	m = send(m, runes("/"))
	if !m.filtering {
		t.Fatal("expected filter mode after /")
	}
	m = send(m, runes("retr"), tea.KeyMsg{Type: tea.KeyEnter})
	if m.filtering {
		t.Error("enter should leave filter mode")
	}
	visible := m.visiblePipelines()
	if len(visible) != 1 || visible[0].ID != "p1" {
		t.Errorf("visible = %v, want only p1", visible)
	}

	// q is a filter character while filtering, not quit.
	m = send(m, runes("/"), runes("q"))
	if m.quitting {
		t.Error("q should be typed into the filter")
	}

	m = send(m, tea.KeyMsg{Type: tea.KeyEsc})
	if len(m.visiblePipelines()) != 2 {
		t.Error("esc should clear the filter")
	}
}

func TestModel_Quit(t *testing.T) {
	m := NewModel(nil, "orchsync")
	next, cmd := m.Update(runes("q"))
	if !next.(Model).quitting {
		t.Error("expected quitting")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if next.(Model).View() != "" {
		t.Error("View should be empty after quit")
	}
}

func TestModel_Snapshot(t *testing.T) {
	p := pipeline("p1", "seed", 0)
	p.Orchestrator = &protocol.OrchestratorSnapshot{State: protocol.StateVerifying}
	m := send(NewModel(nil, "orchsync"), SnapshotMsg{Snapshot: store.Snapshot{
		Pipelines: []protocol.Pipeline{p},
		Agents:    []protocol.Agent{{ID: "a1", Status: protocol.AgentRunning}},
		Alerts:    []protocol.SecurityAlert{{ID: "s1", State: protocol.ResolutionOpen}},
	}})

	if len(m.pipelines) != 1 || len(m.agents) != 1 || len(m.alerts) != 1 {
		t.Errorf("seeded %d/%d/%d", len(m.pipelines), len(m.agents), len(m.alerts))
	}
	if m.states["p1"].State != protocol.StateVerifying {
		t.Errorf("state not seeded")
	}
}

func TestModel_View(t *testing.T) {
	m := NewModel(nil, "orchsync")
	m = send(m,
		tea.WindowSizeMsg{Width: 140, Height: 40},
		ConnMsg{Connected: true},
		PipelineMsg{Pipeline: pipeline("p1", "add retries", 0)},
		StateMsg{PipelineID: "p1", Snapshot: protocol.OrchestratorSnapshot{State: protocol.StateExecuting, Iteration: 3}},
		AgentMsg{Agent: protocol.Agent{ID: "a1", Status: protocol.AgentWaitingForInput, HasPendingInput: true}},
		AlertMsg{Alert: protocol.SecurityAlert{ID: "s1", Severity: "high", Message: "curl | sh"}},
		NoticeMsg{Err: errors.New("subscription to agent.stats failed")},
	)

	view := m.View()
	for _, want := range []string{
		"orchsync",
		"connected",
		"add retries",
		"executing #3",
		"awaiting input",
		"Open requests (1)",
		"curl | sh",
		"subscription to agent.stats failed",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_ViewDisconnected(t *testing.T) {
	m := send(NewModel(nil, "orchsync"), ConnMsg{Err: errors.New("connection refused")})
	if !strings.Contains(m.View(), "disconnected: connection refused") {
		t.Error("expected disconnect reason in header")
	}
}

func TestFeed(t *testing.T) {
	f := NewFeed(2)
	cb := f.Callbacks()

	cb.OnAgentStatus(protocol.Agent{ID: "a1"})
	cb.OnOrchestratorState("p1", protocol.OrchestratorSnapshot{State: protocol.StateIdle})
	cb.OnNotice(errors.New("dropped"))

	if f.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", f.Dropped())
	}

	first := f.listen()().(feedMsg)
	if got, ok := first.inner.(AgentMsg); !ok || got.Agent.ID != "a1" {
		t.Errorf("first = %#v", first.inner)
	}
	second := f.listen()().(feedMsg)
	if got, ok := second.inner.(StateMsg); !ok || got.PipelineID != "p1" {
		t.Errorf("second = %#v", second.inner)
	}
}

func TestModel_DrainsFeed(t *testing.T) {
	f := NewFeed(4)
	m := NewModel(f, "orchsync")
	f.Callbacks().OnPipeline(pipeline("p1", "x", 0))

	msg := f.listen()()
	next, cmd := m.Update(msg)
	if _, ok := next.(Model).pipelines["p1"]; !ok {
		t.Error("feed message not applied")
	}
	if cmd == nil {
		t.Error("model should keep listening after a feed message")
	}
}
