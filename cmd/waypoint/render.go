package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/waypoint/pkg/types"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderer prints orchestrator events as they arrive. Events are delivered
// synchronously in execution order, so output order matches run order.
type renderer struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
}

func newRenderer(out io.Writer, quiet bool) *renderer {
	return &renderer{out: out, quiet: quiet}
}

func (r *renderer) Handle(event *types.OrchestratorEvent) {
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case types.EventTypeWorkflowStart:
		fmt.Fprintln(r.out, headerStyle.Render(fmt.Sprintf("▶ workflow %s", event.Message)))
	case types.EventTypeSessionReady:
		if id, ok := event.Metadata["session_id"].(string); ok {
			fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf("  session %s ready", id)))
		}
	case types.EventTypeStepStart:
		fmt.Fprintln(r.out, stepStyle.Render(fmt.Sprintf("  [%d] %s: %s", event.StepIndex, event.StepKind, truncate(event.Instruction, 80))))
	case types.EventTypeStepEnd:
		if event.Success {
			fmt.Fprintln(r.out, successStyle.Render(fmt.Sprintf("  [%d] ok", event.StepIndex)))
		} else {
			fmt.Fprintln(r.out, failureStyle.Render(fmt.Sprintf("  [%d] failed: %s", event.StepIndex, event.Error)))
		}
	case types.EventTypeStepReasoning:
		fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf("      %s", truncate(event.Message, 100))))
	case types.EventTypeLoopIterStart:
		fmt.Fprintln(r.out, stepStyle.Render(fmt.Sprintf("    • item %d", event.Iteration)))
	case types.EventTypeLoopIterEnd:
		if !event.Success {
			fmt.Fprintln(r.out, failureStyle.Render(fmt.Sprintf("    • item %d failed", event.Iteration)))
		}
	case types.EventTypeLog:
		fmt.Fprintln(r.out, dimStyle.Render("  "+event.Message))
	case types.EventTypeWorkflowError:
		fmt.Fprintln(r.out, failureStyle.Render("✗ "+event.Error))
	}
}

func (r *renderer) Summary(result *types.WorkflowResult) {
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if result.Success {
		fmt.Fprintln(r.out, successStyle.Render(fmt.Sprintf("✓ completed (%d steps)", len(result.StepResults))))
	} else {
		fmt.Fprintln(r.out, failureStyle.Render(fmt.Sprintf("✗ %s (%d steps)", result.Status, len(result.StepResults))))
	}
	for key, value := range result.ExtractedVariables {
		fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf("  %s = %s", key, truncate(value, 80))))
	}
	for _, f := range result.SavedFiles {
		fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf("  saved output (.%s, %d bytes)", f.OutputExtension, len(f.Output))))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
