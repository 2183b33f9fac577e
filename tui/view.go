package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/turnstile-dev/turnstile/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the dashboard
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(headerStyle.Width(m.width).Render(m.headerLine()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRun()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderBatches()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRecent()))
	b.WriteString("\n")

	if m.loadErr != nil {
		b.WriteString(warningStyle.Width(m.width).Render(fmt.Sprintf(" store error: %v ", m.loadErr)))
		b.WriteString("\n")
	} else if m.statusMsg != "" {
		b.WriteString(pendingStyle.Width(m.width).Render(fmt.Sprintf(" %s ", m.statusMsg)))
		b.WriteString("\n")
	}

	b.WriteString(statusBarStyle.Width(m.width).Render(" [s]tart [x]stop [r]efresh [q]uit "))
	return b.String()
}

func (m Model) headerLine() string {
	var total, done int
	for _, batch := range m.batches {
		total += batch.TotalCount
		done += batch.CurrentIndex
	}
	return fmt.Sprintf(" Turnstile │ Phase: %s │ Batches: %d │ Tasks: %d/%d ",
		m.state.Phase(), len(m.batches), done, total)
}

func (m Model) renderRun() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUN"))
	b.WriteString("\n")

	switch {
	case !m.state.IsProcessing:
		b.WriteString(pendingStyle.Render("  Idle. Press [s] to start a run."))
	case m.state.IsTyping:
		age := ""
		if m.state.TypingStartedAt != nil {
			age = humanize.Time(*m.state.TypingStartedAt)
		}
		line := fmt.Sprintf("  ● Task %d of %s in flight on %s (since %s)",
			m.state.TypingTaskIndex, m.state.TypingBatchID, m.state.SurfaceHandle, age)
		b.WriteString(runningStyle.Render(line))
		if m.state.RetryCount > 0 {
			b.WriteString("\n")
			b.WriteString(warningStyle.Render(fmt.Sprintf("  ⚠ retry %d after turn timeout", m.state.RetryCount)))
		}
	default:
		b.WriteString(runningStyle.Render(fmt.Sprintf("  ▶ Running on %s, between turns", m.state.SurfaceHandle)))
	}

	return b.String()
}

func (m Model) renderBatches() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("BATCHES"))
	b.WriteString("\n")

	if len(m.batches) == 0 {
		b.WriteString(pendingStyle.Render("  No batches queued. Drop a manifest or run 'turnstile ingest'."))
		return b.String()
	}

	for _, batch := range m.batches {
		var icon string
		var style lipgloss.Style
		switch batch.Status {
		case domain.BatchComplete:
			icon = "✓"
			style = completedStyle
		case domain.BatchProcessing:
			icon = "●"
			style = runningStyle
		default:
			icon = "○"
			style = pendingStyle
		}

		line := fmt.Sprintf("  %s %-24s %4d/%-4d  %-10s %s",
			icon, truncate(batch.Name, 24), batch.CurrentIndex, batch.TotalCount,
			batch.Status, humanize.Time(batch.CreatedAt))
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderRecent() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RECENT RESULTS"))
	b.WriteString("\n")

	if len(m.recent) == 0 {
		b.WriteString(pendingStyle.Render("  No results yet"))
		return b.String()
	}

	for _, rec := range m.recent {
		summary := summarizeFields(rec)
		var style lipgloss.Style
		icon := "✓"
		if rec.Note != "" {
			icon = "⚠"
			style = warningStyle
			summary = rec.Note
		} else {
			style = completedStyle
		}

		line := fmt.Sprintf("  %s %-16s #%-4d %s",
			icon, truncate(rec.BatchID, 16), rec.TaskIndex, truncate(summary, 50))
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func summarizeFields(rec *domain.ResultRecord) string {
	if len(rec.Fields) == 0 {
		return "(no fields)"
	}
	parts := make([]string, 0, len(rec.Fields))
	for k, v := range rec.Fields {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	summary := strings.Join(parts, " ")
	if rec.Confidence > 0 {
		summary = fmt.Sprintf("%s (%.0f%%)", summary, rec.Confidence*100)
	}
	return summary
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
