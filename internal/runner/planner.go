package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"steward/internal/backend"
	"steward/internal/ids"
	"steward/internal/jsonx"
	"steward/internal/memory"
	"steward/internal/persona"
	"steward/internal/store"
	"steward/internal/task"
	"steward/internal/workflow"
)

// planAttempts is the planning budget: one open attempt plus one strict retry.
const planAttempts = 2

// workflowFormat is the reference shape handed to the architect persona.
const workflowFormat = `{
  "name": "short plan name",
  "variables": {"optional": "initial value"},
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "step1", "type": "task", "name": "Implement X", "persona": "developer", "prompt": "..."},
    {"id": "gate", "type": "human", "message": "Approve before continuing"},
    {"id": "end", "type": "end"}
  ],
  "edges": [
    {"from": "start", "to": "step1"},
    {"from": "step1", "to": "gate"},
    {"from": "gate", "to": "end"}
  ]
}

Node types: start, end, task, parallel, join, condition, human, delay,
schedule, switch, assign, script, loop, foreach. Exactly one start and one
end node; every node must be reachable from start.`

// ensureWorkflow returns the persisted workflow for the task, planning one
// when none exists yet. Re-running after a crash reuses the stored plan.
func (r *Runner) ensureWorkflow(ctx context.Context, t *task.Task) (*workflow.Workflow, error) {
	path := r.files.Layout().WorkflowFile(t.ID)
	existing := &workflow.Workflow{}
	if r.files.ReadJSON(path, existing) && len(existing.Nodes) > 0 {
		if err := existing.Validate(); err != nil {
			return nil, fmt.Errorf("stored workflow: %w", err)
		}
		r.logger.Info("Runner: reusing workflow %s for task %s", existing.ID, t.ID)
		return existing, nil
	}

	if _, err := r.tasks.Transition(t.ID, task.StatusPlanning); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
		return nil, err
	}
	wf, err := r.plan(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := r.files.WriteJSON(path, wf); err != nil {
		return nil, fmt.Errorf("persist workflow: %w", err)
	}
	r.upgradeTitle(ctx, t)
	return wf, nil
}

// plan asks the architect persona for a workflow document. An unusable first
// answer earns one strict retry; if the model never produced JSON at all, the
// answer itself becomes the result via a degenerate start-end workflow.
func (r *Runner) plan(ctx context.Context, t *task.Task) (*workflow.Workflow, error) {
	prof := persona.Resolve(string(persona.Architect))
	prompt := prof.Compose(t.Description, r.planSections(ctx, t)...)
	tlog := r.files.TaskLog(t.ID)

	var firstResponse string
	var lastErr error
	for attempt := 1; attempt <= planAttempts; attempt++ {
		tlog.Conversation(store.ConversationEntry{Role: "user", NodeID: "plan", Content: prompt})
		res, err := r.backends.Invoke(ctx, backend.Options{Prompt: prompt, Cwd: t.Metadata["cwd"]})
		if err != nil {
			tlog.Conversation(store.ConversationEntry{Role: "error", NodeID: "plan", Content: err.Error()})
			return nil, fmt.Errorf("backend: %w", err)
		}
		tlog.Conversation(store.ConversationEntry{
			Role:       "assistant",
			NodeID:     "plan",
			Content:    res.Response,
			SessionID:  res.SessionID,
			DurationMs: res.DurationMs,
			CostUSD:    res.CostUSD,
		})
		if attempt == 1 {
			firstResponse = res.Response
		}

		wf, perr := r.parsePlanned(t, res.Response)
		if perr == nil {
			r.logger.Info("Runner: planned %d node(s) for task %s", len(wf.Nodes), t.ID)
			return wf, nil
		}
		lastErr = perr
		r.logger.Warn("Runner: plan attempt %d for %s unusable: %v", attempt, t.ID, perr)
		prompt += "\n\n# Correction\n\nYour previous answer could not be used (" + perr.Error() +
			"). Respond again with only the JSON workflow document inside a ```json fence. No prose."
	}

	if answer := directAnswer(firstResponse); answer != "" {
		r.logger.Info("Runner: treating plan response for %s as a direct answer", t.ID)
		return directAnswerWorkflow(t, answer), nil
	}
	return nil, fmt.Errorf("no usable workflow after %d attempts: %w", planAttempts, lastErr)
}

// planSections gathers the context blocks for the planning prompt: the
// document format, a snapshot of the working directory, lessons from past
// failures and recalled memories.
func (r *Runner) planSections(ctx context.Context, t *task.Task) []persona.Section {
	sections := []persona.Section{
		{Title: "Workflow Format", Body: workflowFormat},
		{Title: "Project Context", Body: projectSnapshot(t.Metadata["cwd"])},
	}
	if r.failures != nil {
		if lessons := r.failures.Lessons(5); lessons != "" {
			sections = append(sections, persona.Section{Title: "Past Failures To Avoid", Body: lessons})
		}
	}
	if r.mem != nil {
		results := r.mem.AssociativeRetrieve(ctx, t.Description, 5)
		r.prompts.Record(results)
		if recall := memory.RecallSummary(results); recall != "" {
			sections = append(sections, persona.Section{Title: "Relevant Experience", Body: recall})
		}
	}
	return sections
}

// parsePlanned extracts and validates the workflow document from a model
// response, filling in identity fields the model is allowed to omit.
func (r *Runner) parsePlanned(t *task.Task, response string) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{}
	if err := jsonx.ExtractInto(response, wf); err != nil {
		return nil, err
	}
	if wf.ID == "" {
		wf.ID = ids.NewWorkflowID()
	}
	wf.TaskID = t.ID
	if wf.Name == "" {
		wf.Name = t.Title
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("planned workflow invalid: %w", err)
	}
	return wf, nil
}

// directAnswer returns the response text when it reads as a plain answer
// rather than a failed attempt at a workflow document. Any JSON object in
// the response means the model tried to plan, and synthesizing an answer
// would mask the real problem.
func directAnswer(response string) string {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return ""
	}
	if _, ok := jsonx.ObjectFromResponse(trimmed); ok {
		return ""
	}
	return trimmed
}

// directAnswerWorkflow wraps a conversational answer in a start-end graph so
// the rest of the pipeline needs no special case.
func directAnswerWorkflow(t *task.Task, answer string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:          ids.NewWorkflowID(),
		TaskID:      t.ID,
		Name:        t.Title,
		Description: "direct answer",
		CreatedAt:   time.Now().UTC(),
		Variables:   map[string]any{"answer": answer, "isDirectAnswer": true},
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{{From: "start", To: "end"}},
	}
}

// upgradeTitle replaces a title that was derived mechanically from the
// description with one the backend writes. Failures here are logged and
// swallowed; the derived title is good enough.
func (r *Runner) upgradeTitle(ctx context.Context, t *task.Task) {
	if !t.HasGenericTitle() {
		return
	}
	res, err := r.backends.Invoke(ctx, backend.Options{
		Prompt: "Reply with a single concise title (under 60 characters, one line, no quotes) for this work:\n\n" + t.Description,
	})
	if err != nil {
		r.logger.Debug("Runner: title upgrade for %s: %v", t.ID, err)
		return
	}
	title := sanitizeTitle(res.Response)
	if title == "" || title == t.Title {
		return
	}
	t.Title = title
	t.Touch()
	if err := r.tasks.Save(t); err != nil {
		r.logger.Warn("Runner: save upgraded title for %s: %v", t.ID, err)
		return
	}
	r.logger.Info("Runner: task %s titled %q", t.ID, title)
}

// sanitizeTitle reduces a model response to one trimmed line of at most 80
// runes.
func sanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.Trim(s, "\"'` ")
	if runes := []rune(s); len(runes) > 80 {
		s = strings.TrimSpace(string(runes[:79])) + "…"
	}
	return s
}
