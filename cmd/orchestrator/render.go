package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/plan"
	"github.com/vinayprograms/orchestrator/internal/store"
)

// wrapWidth is the column at which descriptions are wrapped.
const wrapWidth = 72

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	riskStyles = map[plan.RiskLevel]lipgloss.Style{
		plan.RiskLow:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		plan.RiskMedium: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		plan.RiskHigh:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}

	statusColors = map[string]lipgloss.Color{
		string(execution.StatusCompleted):  "42",
		string(execution.StatusFailed):     "196",
		string(execution.StatusCancelled):  "214",
		string(execution.StatusRolledBack): "141",
		string(execution.StatusExecuting):  "39",
		string(execution.StepSuccess):      "42",
		string(execution.StepSkipped):      "8",
		string(execution.StepRunning):      "39",
	}
)

func riskBadge(r plan.RiskLevel) string {
	style, ok := riskStyles[r]
	if !ok {
		return string(r)
	}
	return style.Render(string(r))
}

func statusText(s string) string {
	c, ok := statusColors[s]
	if !ok {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

// renderPlan shows a plan the way it must be reviewed before confirmation.
func renderPlan(p *plan.Plan) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Plan") + " " + p.Summary + "\n")
	fmt.Fprintf(&b, "Risk: %s", riskBadge(p.RiskLevel))
	if p.RiskReason != "" {
		b.WriteString(dimStyle.Render(" (" + p.RiskReason + ")"))
	}
	b.WriteString("\n\n")

	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%2d. %s %s [%s]\n", i+1, s.ToolName, dimStyle.Render(s.ID), riskBadge(s.RiskLevel))
		if s.Description != "" {
			b.WriteString(indent(wordwrap.String(s.Description, wrapWidth), "    ") + "\n")
		}
	}
	if len(p.Rollback) > 0 {
		b.WriteString("\nRollback:\n")
		for _, r := range p.Rollback {
			fmt.Fprintf(&b, "  - %s %s (after %s)\n", r.ToolName, dimStyle.Render(r.ID), r.TriggeredByStepID)
			if r.Description != "" {
				b.WriteString(indent(wordwrap.String(r.Description, wrapWidth), "      ") + "\n")
			}
		}
	}
	return b.String()
}

// renderEvent formats one live event, or returns "" for events not shown.
func renderEvent(ev events.Event) string {
	switch ev.Kind {
	case events.KindStatusChange:
		line := "● " + statusText(string(ev.Status))
		if ev.Progress != nil && ev.Progress.TotalSteps > 0 {
			line += dimStyle.Render(fmt.Sprintf(" %d/%d", ev.Progress.CurrentStep, ev.Progress.TotalSteps))
		}
		if ev.Error != "" {
			line += ": " + ev.Error
		}
		return line
	case events.KindLogLine:
		if ev.Log == nil {
			return ""
		}
		return dimStyle.Render(fmt.Sprintf("  %s [%s] %s", ev.StepID, ev.Log.Level, ev.Log.Message))
	case events.KindUIMessage:
		return fmt.Sprintf("  %s ▸ %v", ev.StepID, ev.UI)
	case events.KindStepResult:
		if ev.Result == nil || ev.Result.Status == execution.StepRunning {
			return ""
		}
		prefix := "  step"
		if ev.Rollback {
			prefix = "  rollback"
		}
		line := fmt.Sprintf("%s %s (%s) %s", prefix, ev.Result.StepID, ev.Result.ToolName, statusText(string(ev.Result.Status)))
		if ev.Result.Error != "" {
			line += ": " + ev.Result.Error
		}
		return line
	}
	return ""
}

// renderExecution is the detailed view used by history and after a run.
func renderExecution(e *execution.Execution, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Execution") + " " + e.ID + "\n")
	fmt.Fprintf(&b, "Prompt:  %s\n", e.Prompt)
	fmt.Fprintf(&b, "Status:  %s\n", statusText(string(e.Status)))
	fmt.Fprintf(&b, "Created: %s (%s)\n", e.CreatedAt.Local().Format(time.RFC3339), humanize.RelTime(e.CreatedAt, now, "ago", "from now"))
	if e.CompletedAt != nil {
		fmt.Fprintf(&b, "Took:    %s\n", e.CompletedAt.Sub(e.CreatedAt).Round(time.Millisecond))
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "Error:   %s\n", e.Error)
	}
	if e.Plan != nil {
		fmt.Fprintf(&b, "Risk:    %s\n", riskBadge(e.Plan.RiskLevel))
	}

	writeResults := func(title string, results []execution.ToolCallResult) {
		if len(results) == 0 {
			return
		}
		b.WriteString("\n" + title + ":\n")
		for _, r := range results {
			fmt.Fprintf(&b, "  %-12s %-20s %s", r.StepID, r.ToolName, statusText(string(r.Status)))
			if r.StartedAt != nil && r.CompletedAt != nil {
				b.WriteString(dimStyle.Render(" " + r.CompletedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()))
			}
			b.WriteString("\n")
			if r.Error != "" {
				b.WriteString(indent(wordwrap.String(r.Error, wrapWidth), "      ") + "\n")
			}
		}
	}
	writeResults("Steps", e.Results)
	writeResults("Rollback", e.RollbackResults)
	return b.String()
}

// renderHistory is the one-line-per-execution listing.
func renderHistory(list []store.Summary, now time.Time) string {
	if len(list) == 0 {
		return dimStyle.Render("No recorded executions.") + "\n"
	}
	var b strings.Builder
	for _, s := range list {
		prompt := s.Prompt
		if len(prompt) > 40 {
			prompt = prompt[:37] + "..."
		}
		fmt.Fprintf(&b, "%-36s  %-14s %-8s %2d steps  %-40s  %s\n",
			s.ID, statusText(string(s.Status)), s.RiskLevel, s.Steps, prompt,
			dimStyle.Render(humanize.RelTime(s.CreatedAt, now, "ago", "from now")))
	}
	return b.String()
}
