package tui

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	maxEvents  = 8
	maxNotices = 4
)

// Model is the dashboard state. It is driven entirely by messages, so it
// can be exercised without a terminal.
type Model struct {
	feed  *Feed
	title string

	keys      keyMap
	help      help.Model
	spinner   spinner.Model
	filter    textinput.Model
	filtering bool

	width    int
	height   int
	quitting bool

	connected bool
	connErr   error

	pipelines map[string]protocol.Pipeline
	states    map[string]protocol.OrchestratorSnapshot
	agents    map[string]protocol.Agent
	alerts    map[string]protocol.SecurityAlert
	reviews   map[string]protocol.PendingReview
	commands  map[string]protocol.ElevatedCommandRequest

	selected int
	events   []string
	notices  []string
}

// NewModel creates a dashboard that drains feed. A nil feed is allowed for
// tests that drive Update directly.
func NewModel(feed *Feed, title string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	ti := textinput.New()
	ti.Placeholder = "pipeline id or request"
	ti.Prompt = "/ "
	ti.CharLimit = 128

	return Model{
		feed:      feed,
		title:     title,
		keys:      defaultKeys(),
		help:      help.New(),
		spinner:   sp,
		filter:    ti,
		pipelines: make(map[string]protocol.Pipeline),
		states:    make(map[string]protocol.OrchestratorSnapshot),
		agents:    make(map[string]protocol.Agent),
		alerts:    make(map[string]protocol.SecurityAlert),
		reviews:   make(map[string]protocol.PendingReview),
		commands:  make(map[string]protocol.ElevatedCommandRequest),
	}
}

// Init starts the spinner and begins draining the feed.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick}
	if m.feed != nil {
		cmds = append(cmds, m.feed.listen())
	}
	return tea.Batch(cmds...)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case feedMsg:
		m = m.apply(msg.inner)
		var next tea.Cmd
		if m.feed != nil {
			next = m.feed.listen()
		}
		return m, next
	}

	return m.apply(msg), nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filtering {
		switch msg.Type {
		case tea.KeyEsc:
			m.filtering = false
			m.filter.Blur()
			m.filter.SetValue("")
			m.selected = 0
			return m, nil
		case tea.KeyEnter:
			m.filtering = false
			m.filter.Blur()
			return m, nil
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		m.selected = 0
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.visiblePipelines())-1 {
			m.selected++
		}
	case key.Matches(msg, m.keys.Filter):
		m.filtering = true
		return m, m.filter.Focus()
	case key.Matches(msg, m.keys.Clear):
		m.filter.SetValue("")
		m.selected = 0
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}
	return m, nil
}

// apply folds a data message into the model.
func (m Model) apply(msg tea.Msg) Model {
	switch msg := msg.(type) {
	case AgentMsg:
		m.agents[msg.Agent.ID] = msg.Agent
	case AgentRemovedMsg:
		delete(m.agents, msg.ID)
	case MetaActionMsg:
		a := msg.Action
		m.pushEvent(fmt.Sprintf("meta %s %s", a.Action, a.AgentID))
	case PipelineMsg:
		p := msg.Pipeline
		m.pipelines[p.ID] = p
		if p.Orchestrator != nil {
			m.states[p.ID] = *p.Orchestrator
		}
	case StateMsg:
		m.states[msg.PipelineID] = msg.Snapshot
	case ToolCallMsg:
		tc := msg.Call
		mark := ""
		if tc.IsError {
			mark = " !"
		}
		m.pushEvent(fmt.Sprintf("%s %s %s%s", shortID(tc.PipelineID), tc.Tool, tc.Phase, mark))
	case DecisionMsg:
		d := msg.Decision
		m.pushEvent(fmt.Sprintf("%s decision %s", shortID(d.PipelineID), d.Kind))
	case AlertMsg:
		putOpen(m.alerts, msg.Alert.ID, msg.Alert, msg.Alert.State)
	case ReviewMsg:
		putOpen(m.reviews, msg.Review.ID, msg.Review, msg.Review.State)
	case CommandMsg:
		putOpen(m.commands, msg.Command.ID, msg.Command, msg.Command.State)
	case NoticeMsg:
		if msg.Err != nil {
			m.notices = appendCapped(m.notices, msg.Err.Error(), maxNotices)
		}
	case ConnMsg:
		m.connected = msg.Connected
		m.connErr = msg.Err
	case SnapshotMsg:
		s := msg.Snapshot
		for _, p := range s.Pipelines {
			m.pipelines[p.ID] = p
			if p.Orchestrator != nil {
				m.states[p.ID] = *p.Orchestrator
			}
		}
		for _, a := range s.Agents {
			m.agents[a.ID] = a
		}
		for _, a := range s.Alerts {
			putOpen(m.alerts, a.ID, a, a.State)
		}
		for _, r := range s.Reviews {
			putOpen(m.reviews, r.ID, r, r.State)
		}
		for _, c := range s.Commands {
			putOpen(m.commands, c.ID, c, c.State)
		}
	}
	if n := len(m.visiblePipelines()); m.selected >= n {
		m.selected = max(0, n-1)
	}
	return m
}

func putOpen[T any](m map[string]T, id string, v T, state protocol.Resolution) {
	if state.IsTerminal() {
		delete(m, id)
		return
	}
	m[id] = v
}

func (m *Model) pushEvent(s string) {
	m.events = appendCapped(m.events, s, maxEvents)
}

func appendCapped(list []string, s string, limit int) []string {
	list = append(list, s)
	if len(list) > limit {
		list = slices.Clone(list[len(list)-limit:])
	}
	return list
}

// visiblePipelines lists pipelines matching the filter, most recently
// updated first.
func (m Model) visiblePipelines() []protocol.Pipeline {
	q := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	out := make([]protocol.Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		if q != "" && !strings.Contains(strings.ToLower(p.ID), q) && !strings.Contains(strings.ToLower(p.Request), q) {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b protocol.Pipeline) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (m Model) sortedAgents() []protocol.Agent {
	out := make([]protocol.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b protocol.Agent) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// busy reports whether any agent or orchestrator is mid-flight.
func (m Model) busy() bool {
	for _, a := range m.agents {
		if a.IsProcessing || a.Status == protocol.AgentProcessing {
			return true
		}
	}
	for _, s := range m.states {
		if s.State == protocol.StateExecuting || s.State == protocol.StatePlanning || s.State == protocol.StateVerifying {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
