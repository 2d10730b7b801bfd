package runner

import (
	"fmt"
	"strings"
	"time"

	"steward/internal/task"
	"steward/internal/workflow"
)

const summaryClip = 2000

// resultSummary picks the text that best represents the run outcome: the
// synthesized answer for degenerate plans, otherwise the output of the last
// completed task node, otherwise a plain node tally.
func resultSummary(wf *workflow.Workflow, inst *workflow.Instance) string {
	if direct, _ := inst.Variables["isDirectAnswer"].(bool); direct {
		if answer, _ := inst.Variables["answer"].(string); strings.TrimSpace(answer) != "" {
			return strings.TrimSpace(answer)
		}
	}

	var best string
	var bestAt time.Time
	for _, n := range wf.Nodes {
		if n.Type != workflow.NodeTask {
			continue
		}
		st := inst.NodeStates[n.ID]
		if st == nil || st.Status != workflow.NodeDone || st.CompletedAt == nil {
			continue
		}
		text := strings.TrimSpace(nodeOutput(inst, n.ID))
		if text == "" {
			continue
		}
		if best == "" || st.CompletedAt.After(bestAt) {
			best = text
			bestAt = *st.CompletedAt
		}
	}
	if best != "" {
		return clipText(best, summaryClip)
	}
	return fmt.Sprintf("%d of %d nodes finished", resolvedCount(inst), len(inst.NodeStates))
}

// renderResult produces the result.md document persisted next to the task.
func renderResult(t *task.Task, wf *workflow.Workflow, inst *workflow.Instance, summary string) string {
	title := t.Title
	if title == "" {
		title = t.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Task: %s\n", t.ID)
	fmt.Fprintf(&b, "- Workflow: %s\n", wf.Name)
	fmt.Fprintf(&b, "- Instance: %s\n", inst.ID)
	fmt.Fprintf(&b, "- Status: %s\n", inst.Status)
	if inst.StartedAt != nil && inst.CompletedAt != nil {
		fmt.Fprintf(&b, "- Duration: %s\n", inst.CompletedAt.Sub(*inst.StartedAt).Round(time.Second))
	}

	b.WriteString("\n## Summary\n\n")
	b.WriteString(summary)
	b.WriteString("\n")

	if inst.Error != "" {
		b.WriteString("\n## Error\n\n")
		b.WriteString(inst.Error)
		b.WriteString("\n")
	}

	b.WriteString("\n## Nodes\n\n")
	b.WriteString("| Node | Type | Status | Attempts | Duration |\n")
	b.WriteString("|------|------|--------|----------|----------|\n")
	for _, n := range wf.Nodes {
		st := inst.NodeStates[n.ID]
		if st == nil {
			continue
		}
		dur := "-"
		if st.DurationMs > 0 {
			dur = (time.Duration(st.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %s |\n", n.ID, n.Type, st.Status, st.Attempts, dur)
	}

	for _, n := range wf.Nodes {
		if n.Type != workflow.NodeTask {
			continue
		}
		text := strings.TrimSpace(nodeOutput(inst, n.ID))
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n### Output of %s\n\n%s\n", n.ID, clipText(text, summaryClip))
	}
	return b.String()
}

// nodeOutput unwraps the stored output of a node; task nodes keep their raw
// response under "_raw".
func nodeOutput(inst *workflow.Instance, nodeID string) string {
	switch v := inst.Outputs[nodeID].(type) {
	case map[string]any:
		if s, ok := v["_raw"].(string); ok {
			return s
		}
	case string:
		return v
	}
	return ""
}

func clipText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[... truncated]"
}
