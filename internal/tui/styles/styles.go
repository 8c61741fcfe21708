package styles

import (
	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/charmbracelet/lipgloss"
)

// Palette is the set of colors every style is derived from.
type Palette struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
	Surface   lipgloss.Color
	Text      lipgloss.Color
	Border    lipgloss.Color
	Info      lipgloss.Color
}

// DefaultPalette meets WCAG AA contrast on black and dark surfaces.
func DefaultPalette() Palette {
	return Palette{
		Primary:   lipgloss.Color("#A78BFA"), // violet-400
		Secondary: lipgloss.Color("#10B981"),
		Warning:   lipgloss.Color("#F59E0B"),
		Error:     lipgloss.Color("#F87171"), // red-400
		Muted:     lipgloss.Color("#9CA3AF"),
		Surface:   lipgloss.Color("#1F2937"),
		Text:      lipgloss.Color("#F9FAFB"),
		Border:    lipgloss.Color("#6B7280"),
		Info:      lipgloss.Color("#60A5FA"),
	}
}

var (
	current Palette

	Primary   lipgloss.Style
	Secondary lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Muted     lipgloss.Style
	Text      lipgloss.Style

	Title     lipgloss.Style
	Header    lipgloss.Style
	Panel     lipgloss.Style
	Selected  lipgloss.Style
	StatusBar lipgloss.Style
	HelpBar   lipgloss.Style
	HelpKey   lipgloss.Style
	Badge     lipgloss.Style
)

func init() {
	Apply(DefaultPalette())
}

// Current returns the palette in effect.
func Current() Palette { return current }

// Apply rebuilds every exported style from p.
func Apply(p Palette) {
	current = p

	Primary = lipgloss.NewStyle().Foreground(p.Primary)
	Secondary = lipgloss.NewStyle().Foreground(p.Secondary)
	Warning = lipgloss.NewStyle().Foreground(p.Warning)
	Error = lipgloss.NewStyle().Foreground(p.Error)
	Muted = lipgloss.NewStyle().Foreground(p.Muted)
	Text = lipgloss.NewStyle().Foreground(p.Text)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(p.Primary)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(p.Primary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(p.Border).
		MarginBottom(1)

	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(p.Border).
		Padding(0, 1)

	Selected = lipgloss.NewStyle().
		Bold(true).
		Foreground(p.Text).
		Background(p.Surface)

	StatusBar = lipgloss.NewStyle().
		Foreground(p.Text).
		Background(p.Surface).
		Padding(0, 1)

	HelpBar = lipgloss.NewStyle().
		Foreground(p.Muted).
		MarginTop(1)

	HelpKey = lipgloss.NewStyle().
		Bold(true).
		Foreground(p.Secondary)

	Badge = lipgloss.NewStyle().
		Padding(0, 1).
		MarginRight(1)
}

// StateColor returns the color for an orchestrator state.
func StateColor(s protocol.OrchestratorState) lipgloss.Color {
	switch s {
	case protocol.StatePlanning, protocol.StateVerifying:
		return current.Info
	case protocol.StateReadyForExecution:
		return current.Warning
	case protocol.StateExecuting:
		return current.Secondary
	case protocol.StateCompleted:
		return current.Primary
	case protocol.StateGaveUp:
		return current.Error
	default:
		return current.Muted
	}
}

// AgentColor returns the color for an agent status.
func AgentColor(s protocol.AgentStatus) lipgloss.Color {
	switch s {
	case protocol.AgentRunning, protocol.AgentProcessing:
		return current.Secondary
	case protocol.AgentWaitingForInput:
		return current.Warning
	case protocol.AgentError:
		return current.Error
	case protocol.AgentStopped:
		return current.Primary
	default:
		return current.Muted
	}
}

// AgentIcon returns a one-cell glyph for an agent status.
func AgentIcon(s protocol.AgentStatus) string {
	switch s {
	case protocol.AgentRunning, protocol.AgentProcessing:
		return "●"
	case protocol.AgentWaitingForInput:
		return "?"
	case protocol.AgentError:
		return "✗"
	case protocol.AgentStopped:
		return "■"
	default:
		return "○"
	}
}

// StepIcon returns a one-cell glyph for a pipeline step status.
func StepIcon(s protocol.StepStatus) string {
	switch s {
	case protocol.StepRunning:
		return "●"
	case protocol.StepCompleted:
		return "✓"
	case protocol.StepFailed:
		return "✗"
	default:
		return "○"
	}
}
