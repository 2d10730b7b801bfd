package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"steward/internal/backend"
	"steward/internal/jsonx"
	"steward/internal/persona"
	"steward/internal/store"
	"steward/internal/workflow"
	"steward/internal/workflow/expr"
)

const (
	historyClipBytes   = 2000
	variablesClipBytes = 2000
)

// verdict is one executor's raw result before the engine applies it to the
// instance.
type verdict struct {
	output    any
	err       error
	waiting   bool
	humanGate bool
	delay     time.Duration
}

func (e *Engine) dispatch(ctx context.Context, rc *run, resumed bool) verdict {
	switch rc.node.Type {
	case workflow.NodeStart, workflow.NodeEnd, workflow.NodeParallel,
		workflow.NodeJoin, workflow.NodeCondition:
		// Pure graph markers; edges decide what happens next.
		return verdict{}
	case workflow.NodeTask:
		return e.execTask(ctx, rc)
	case workflow.NodeHuman:
		return e.execHuman(rc, resumed)
	case workflow.NodeDelay:
		return e.execDelay(rc, resumed)
	case workflow.NodeSchedule:
		return e.execSchedule(rc, resumed)
	case workflow.NodeSwitch:
		return e.execSwitch(rc)
	case workflow.NodeAssign:
		return e.execAssign(rc)
	case workflow.NodeScript:
		return e.execScript(rc)
	case workflow.NodeLoop:
		return e.execLoop(rc)
	case workflow.NodeForeach:
		return e.execForeach(rc)
	default:
		return verdict{err: fmt.Errorf("unsupported node type %q", rc.node.Type)}
	}
}

// execTask resolves the persona, composes the prompt with accumulated
// context, and drives the coding agent. The full exchange lands in the
// task's conversation logs.
func (e *Engine) execTask(ctx context.Context, rc *run) verdict {
	personaName := rc.node.Persona
	if personaName == "" {
		// The task's assignee is the default persona for nodes that do not
		// pick their own.
		personaName = rc.task.Assignee
	}
	prof := persona.Resolve(personaName)
	sections := []persona.Section{
		e.historySection(rc),
		e.variablesSection(rc),
	}
	if e.provider != nil {
		for _, s := range e.provider.Sections(ctx, rc.task, rc.node, rc.inst) {
			sections = append(sections, persona.Section{Title: s.Title, Body: s.Body})
		}
	}
	prompt := prof.Compose(rc.node.Prompt, sections...)

	rc.tlog.Conversation(store.ConversationEntry{
		Role:    "user",
		NodeID:  rc.node.ID,
		Content: prompt,
	})

	res, err := e.backends.Invoke(ctx, backend.Options{
		Prompt: prompt,
		Cwd:    rc.task.Metadata["cwd"],
		Stream: true,
	})
	if err != nil {
		rc.tlog.Conversation(store.ConversationEntry{
			Role:    "error",
			NodeID:  rc.node.ID,
			Content: err.Error(),
		})
		return verdict{err: fmt.Errorf("backend: %w", err)}
	}

	rc.tlog.Conversation(store.ConversationEntry{
		Role:       "assistant",
		NodeID:     rc.node.ID,
		Content:    res.Response,
		SessionID:  res.SessionID,
		DurationMs: res.DurationMs,
		CostUSD:    res.CostUSD,
	})
	rc.costUSD = res.CostUSD
	return verdict{output: taskOutput(res.Response)}
}

// taskOutput wraps the agent's text answer, merging in top-level fields when
// the answer carries a JSON document so edge conditions can route on them.
func taskOutput(text string) map[string]any {
	out := map[string]any{"_raw": text}
	if obj, ok := jsonx.ObjectFromResponse(text); ok {
		for k, v := range obj {
			if k == "_raw" {
				continue
			}
			out[k] = v
		}
	}
	return out
}

func (e *Engine) execHuman(rc *run, resumed bool) verdict {
	if resumed {
		return verdict{output: map[string]any{
			"approved":   true,
			"message":    rc.node.Message,
			"resolvedAt": time.Now().UTC().Format(time.RFC3339),
		}}
	}
	message := rc.node.Message
	if message == "" {
		message = fmt.Sprintf("approval required for %s", rc.node.ID)
	}
	return verdict{
		waiting:   true,
		humanGate: true,
		output:    map[string]any{"message": message},
	}
}

func (e *Engine) execDelay(rc *run, resumed bool) verdict {
	if resumed {
		return verdict{output: map[string]any{"delayedMs": rc.node.DelayMs}}
	}
	return verdict{
		waiting: true,
		delay:   time.Duration(rc.node.DelayMs) * time.Millisecond,
	}
}

func (e *Engine) execSchedule(rc *run, resumed bool) verdict {
	at, err := time.Parse(time.RFC3339, rc.node.At)
	if err != nil {
		return verdict{err: fmt.Errorf("schedule node %s: bad timestamp %q: %v", rc.node.ID, rc.node.At, err)}
	}
	now := time.Now().UTC()
	if resumed || !at.After(now) {
		return verdict{output: map[string]any{
			"scheduledAt": rc.node.At,
			"firedAt":     now.Format(time.RFC3339),
		}}
	}
	return verdict{waiting: true, delay: at.Sub(now)}
}

// execSwitch picks the first case whose expression is truthy; an empty
// expression is the default arm and matches in place.
func (e *Engine) execSwitch(rc *run) verdict {
	scope := rc.inst.Scope()
	locals := rc.wf.IterationLocals(rc.inst, rc.node.ID)
	for _, c := range rc.node.Cases {
		if condTruthy(c.When, scope, locals) {
			return verdict{output: map[string]any{
				"targetNode": c.Target,
				"matched":    c.When,
			}}
		}
	}
	rc.tlog.Event("WARN", "engine", "switch %s matched no case; all branches close", rc.node.ID)
	return verdict{output: map[string]any{"targetNode": ""}}
}

// execAssign evaluates each expression and merges the results into the
// instance variables. Keys evaluate in sorted order so assignments can read
// earlier ones deterministically.
func (e *Engine) execAssign(rc *run) verdict {
	keys := make([]string, 0, len(rc.node.Assign))
	for k := range rc.node.Assign {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	scope := rc.inst.Scope()
	locals := rc.wf.IterationLocals(rc.inst, rc.node.ID)
	assigned := make(map[string]any, len(keys))
	for _, k := range keys {
		val, err := evalExpr(rc.node.Assign[k], scope, locals)
		if err != nil {
			return verdict{err: fmt.Errorf("assign %s.%s: %w", rc.node.ID, k, err)}
		}
		rc.inst.Variables[k] = val
		assigned[k] = val
	}
	return verdict{output: assigned}
}

func (e *Engine) execScript(rc *run) verdict {
	scope := rc.inst.Scope()
	locals := rc.wf.IterationLocals(rc.inst, rc.node.ID)
	val, err := evalExpr(rc.node.Expression, scope, locals)
	if err != nil {
		return verdict{err: fmt.Errorf("script %s: %w", rc.node.ID, err)}
	}
	if rc.node.OutputVar != "" {
		rc.inst.Variables[rc.node.OutputVar] = val
	}
	return verdict{output: val}
}

// execLoop advances the iteration counter and decides whether the body runs
// again. MaxIterations is a hard ceiling over the condition.
func (e *Engine) execLoop(rc *run) verdict {
	count := rc.inst.LoopCounts[rc.node.ID] + 1
	rc.inst.LoopCounts[rc.node.ID] = count

	scope := rc.inst.Scope()
	locals := rc.wf.IterationLocals(rc.inst, rc.node.ID)
	if locals == nil {
		locals = make(map[string]any)
	}
	locals["iteration"] = float64(count)

	cont := true
	if rc.node.Condition != "" {
		cont = condTruthy(rc.node.Condition, scope, locals)
	}
	if rc.node.MaxIterations > 0 && count > rc.node.MaxIterations {
		cont = false
	}
	return verdict{output: map[string]any{
		"shouldContinue": cont,
		"iteration":      count,
	}}
}

// execForeach re-evaluates the items expression every pass and steps through
// it one element per iteration. An exhausted or empty list closes the body.
func (e *Engine) execForeach(rc *run) verdict {
	scope := rc.inst.Scope()
	locals := rc.wf.IterationLocals(rc.inst, rc.node.ID)
	val, err := evalExpr(rc.node.Items, scope, locals)
	if err != nil {
		return verdict{err: fmt.Errorf("foreach %s items: %w", rc.node.ID, err)}
	}
	items := toSlice(val)
	idx := rc.inst.LoopCounts[rc.node.ID]
	total := len(items)

	if idx >= total {
		return verdict{output: map[string]any{
			"shouldContinue": false,
			"index":          idx,
			"total":          total,
		}}
	}
	rc.inst.LoopCounts[rc.node.ID] = idx + 1
	return verdict{output: map[string]any{
		"shouldContinue": true,
		"item":           items[idx],
		"index":          idx,
		"total":          total,
	}}
}

func toSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func evalExpr(src string, scope, locals map[string]any) (any, error) {
	compiled, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	return compiled.Eval(scope, locals)
}

func condTruthy(src string, scope, locals map[string]any) bool {
	if strings.TrimSpace(src) == "" {
		return true
	}
	v, err := evalExpr(src, scope, locals)
	if err != nil {
		return false
	}
	return expr.Truthy(v)
}

// historySection summarizes completed task nodes so later steps see what
// came before without re-reading the repository.
func (e *Engine) historySection(rc *run) persona.Section {
	var b strings.Builder
	for i := range rc.wf.Nodes {
		n := &rc.wf.Nodes[i]
		if n.Type != workflow.NodeTask || n.ID == rc.node.ID {
			continue
		}
		st, ok := rc.inst.NodeStates[n.ID]
		if !ok || st.Status != workflow.NodeDone {
			continue
		}
		raw := outputText(rc.inst.Outputs[n.ID])
		if raw == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s", n.ID)
		if n.Name != "" {
			fmt.Fprintf(&b, " (%s)", n.Name)
		}
		b.WriteString("\n")
		b.WriteString(clip(raw, historyClipBytes))
		b.WriteString("\n\n")
	}
	return persona.Section{Title: "Completed Steps", Body: b.String()}
}

func (e *Engine) variablesSection(rc *run) persona.Section {
	if len(rc.inst.Variables) == 0 {
		return persona.Section{Title: "Workflow Variables"}
	}
	data, err := json.MarshalIndent(rc.inst.Variables, "", "  ")
	if err != nil {
		return persona.Section{Title: "Workflow Variables"}
	}
	return persona.Section{
		Title: "Workflow Variables",
		Body:  clip(string(data), variablesClipBytes),
	}
}

func outputText(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t["_raw"].(string); ok {
			return s
		}
	case string:
		return t
	}
	return ""
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[... truncated]"
}
