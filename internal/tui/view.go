package tui

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/orchsync/internal/protocol"
	"github.com/Iron-Ham/orchsync/internal/tui/styles"
	"github.com/charmbracelet/lipgloss"
)

// narrowWidth is the terminal width below which panels stack vertically.
const narrowWidth = 100

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}

	left := m.renderPipelines()
	right := lipgloss.JoinVertical(lipgloss.Left, m.renderAgents(), m.renderRequests())
	if m.width > 0 && m.width < narrowWidth {
		b.WriteString(lipgloss.JoinVertical(lipgloss.Left, left, right))
	} else {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	}
	b.WriteString("\n")

	if detail := m.renderDetail(); detail != "" {
		b.WriteString(detail)
		b.WriteString("\n")
	}
	if len(m.events) > 0 {
		b.WriteString(styles.Panel.Render(styles.Title.Render("Recent") + "\n" + styles.Muted.Render(strings.Join(m.events, "\n"))))
		b.WriteString("\n")
	}
	for _, n := range m.notices {
		b.WriteString(styles.Warning.Render("! " + n))
		b.WriteString("\n")
	}

	b.WriteString(styles.HelpBar.Render(m.help.View(m.keys)))
	return b.String()
}

func (m Model) renderHeader() string {
	conn := styles.Error.Render("disconnected")
	if m.connected {
		conn = styles.Secondary.Render("connected")
	} else if m.connErr != nil {
		conn = styles.Error.Render("disconnected: " + m.connErr.Error())
	}

	activity := ""
	if m.connected && m.busy() {
		activity = " " + m.spinner.View()
	}

	dropped := ""
	if m.feed != nil && m.feed.Dropped() > 0 {
		dropped = styles.Warning.Render(fmt.Sprintf("  %d updates skipped", m.feed.Dropped()))
	}

	return styles.Header.Render(m.title) + "\n" + conn + activity + dropped
}

func (m Model) renderPipelines() string {
	var lines []string
	lines = append(lines, styles.Title.Render("Pipelines"))

	visible := m.visiblePipelines()
	if len(visible) == 0 {
		lines = append(lines, styles.Muted.Render("no pipelines"))
	}
	for i, p := range visible {
		line := m.pipelineLine(p)
		if i == m.selected {
			line = styles.Selected.Render("> " + line)
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}
	return styles.Panel.Render(strings.Join(lines, "\n"))
}

func (m Model) pipelineLine(p protocol.Pipeline) string {
	badge := styles.Muted.Render(string(p.Status))
	if snap, ok := m.states[p.ID]; ok {
		state := lipgloss.NewStyle().Foreground(styles.StateColor(snap.State)).Render(string(snap.State))
		badge = fmt.Sprintf("%s #%d", state, snap.Iteration)
	}
	return fmt.Sprintf("%-8s %s  %s", shortID(p.ID), badge, truncate(p.Request, 40))
}

func (m Model) renderAgents() string {
	var lines []string
	lines = append(lines, styles.Title.Render("Agents"))

	agents := m.sortedAgents()
	if len(agents) == 0 {
		lines = append(lines, styles.Muted.Render("no agents"))
	}
	for _, a := range agents {
		icon := lipgloss.NewStyle().Foreground(styles.AgentColor(a.Status)).Render(styles.AgentIcon(a.Status))
		line := fmt.Sprintf("%s %-8s %s", icon, shortID(a.ID), a.Status)
		if a.Stats != nil {
			line += styles.Muted.Render(fmt.Sprintf("  %d/%d tok $%.2f", a.Stats.InputTokens, a.Stats.OutputTokens, a.Stats.CostUSD))
		}
		if a.HasPendingInput {
			line += styles.Warning.Render("  awaiting input")
		}
		lines = append(lines, line)
	}
	return styles.Panel.Render(strings.Join(lines, "\n"))
}

func (m Model) renderRequests() string {
	total := len(m.alerts) + len(m.reviews) + len(m.commands)
	if total == 0 {
		return ""
	}

	var lines []string
	lines = append(lines, styles.Title.Render(fmt.Sprintf("Open requests (%d)", total)))
	for _, a := range m.alerts {
		lines = append(lines, styles.Error.Render(fmt.Sprintf("alert [%s] %s", a.Severity, truncate(a.Message, 50))))
	}
	for _, r := range m.reviews {
		lines = append(lines, styles.Warning.Render("review "+truncate(r.Summary, 50)))
	}
	for _, c := range m.commands {
		lines = append(lines, styles.Warning.Render("command "+truncate(c.Command, 50)))
	}
	return styles.Panel.Render(strings.Join(lines, "\n"))
}

func (m Model) renderDetail() string {
	visible := m.visiblePipelines()
	if len(visible) == 0 || m.selected >= len(visible) {
		return ""
	}
	p := visible[m.selected]

	var lines []string
	lines = append(lines, styles.Title.Render(p.ID))
	if p.WorkingDir != "" {
		lines = append(lines, styles.Muted.Render(p.WorkingDir))
	}
	for _, s := range p.Steps {
		line := fmt.Sprintf("%s %d %s", styles.StepIcon(s.Status), s.Number, s.Role)
		if s.AgentID != "" {
			line += styles.Muted.Render("  " + shortID(s.AgentID))
		}
		lines = append(lines, line)
	}
	if snap, ok := m.states[p.ID]; ok {
		c := snap.Counters
		lines = append(lines, styles.Muted.Render(fmt.Sprintf("skills %d  subagents %d  CLAUDE.md %t",
			c.GeneratedSkills, c.GeneratedSubagents, c.ClaudeMDGenerated)))
	}
	return styles.Panel.Render(strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
