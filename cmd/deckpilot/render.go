package main

import (
	"fmt"
	"io"
	"strings"

	"deckpilot/internal/executor"
	"deckpilot/internal/plan"
	"deckpilot/internal/selector"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	clarifyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
)

// renderMarkdown 终端 markdown 渲染；渲染失败时回退到原文。
// renderMarkdown renders markdown for the terminal, falling back to the raw text.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

// renderPlanPreview 渲染待批准计划的 markdown 预览
// renderPlanPreview renders the markdown preview of a plan pending approval
func renderPlanPreview(w io.Writer, p plan.Plan) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Proposed plan (%d steps)\n\n", len(p.Steps))
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "%d. **%s** — `%s`\n", i+1, step.Title, step.Action.Name)
		if step.Details != "" {
			fmt.Fprintf(&b, "   %s\n", step.Details)
		}
	}
	fmt.Fprintln(w, renderMarkdown(b.String()))
}

func renderProgress(p executor.Progress) string {
	prefix := fmt.Sprintf("[%d/%d]", p.StepIndex+1, p.TotalSteps)
	switch p.Status {
	case executor.ProgressProcessing:
		return stepStyle.Render(prefix) + " " + p.Message
	case executor.ProgressCompleted:
		return okStyle.Render(prefix+" done") + " " + mutedStyle.Render(p.Message)
	default:
		return failStyle.Render(prefix+" failed") + " " + p.Message
	}
}

// renderResult 渲染终局摘要；失败/部分情况下列出未完成的步骤与候选澄清项。
// renderResult renders the terminal summary, listing incomplete steps and pending
// clarification options for failed/partial runs.
func renderResult(w io.Writer, res executor.Result) {
	var b strings.Builder
	switch res.Outcome {
	case executor.OutcomeSucceeded:
		fmt.Fprintf(&b, "## Run succeeded\n\n")
	case executor.OutcomeCancelled:
		fmt.Fprintf(&b, "## Run cancelled\n\n")
	default:
		fmt.Fprintf(&b, "## Run failed\n\n")
	}
	fmt.Fprintf(&b, "%s\n", res.Summary)

	if len(res.AssembledItems) > 0 {
		fmt.Fprintf(&b, "\n### Assembled items\n\n")
		for i, id := range res.AssembledItems {
			fmt.Fprintf(&b, "%d. `%s`\n", i+1, id)
		}
	}
	fmt.Fprintln(w, renderMarkdown(b.String()))

	for _, cl := range res.Clarifications {
		fmt.Fprintln(w, clarifyStyle.Render(fmt.Sprintf("step %d needs your choice:", cl.StepIndex+1)))
		if len(cl.Options) == 0 {
			fmt.Fprintln(w, mutedStyle.Render("  nothing found for this step"))
			continue
		}
		for _, opt := range cl.Options {
			fmt.Fprintf(w, "  %s (%.2f)\n", opt.ItemID, opt.Score)
		}
	}
}

func renderCandidates(w io.Writer, candidates []selector.Candidate) {
	if len(candidates) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no matching slides"))
		return
	}
	for i, c := range candidates {
		fmt.Fprintf(w, "%2d. %s %s\n", i+1, c.ItemID, mutedStyle.Render(fmt.Sprintf("(%.2f)", c.Score)))
	}
}

func renderClarificationQuestion(question string) string {
	return clarifyStyle.Render("clarification needed: ") + question
}

func renderRefusal(reason string) string {
	return failStyle.Render("cannot plan this: ") + reason
}
