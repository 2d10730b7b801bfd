// Package engine is the single dispatcher for workflow node execution. It
// owns every instance mutation: node lifecycle transitions, output capture,
// ready-set advancement and terminal resolution, persisting the instance
// atomically after each transition. Queue bookkeeping stays with the worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"steward/internal/backend"
	"steward/internal/events"
	"steward/internal/logging"
	"steward/internal/queue"
	"steward/internal/store"
	"steward/internal/task"
	"steward/internal/workflow"
)

// ErrStale marks a job that no longer matches the live instance: the
// instance was replaced or finished, the node vanished from the workflow, or
// the node already resolved. Stale jobs are dropped, not retried.
var ErrStale = errors.New("stale job")

// OutcomeKind tells the worker what to do with the job.
type OutcomeKind string

const (
	// OutcomeCompleted: node done; enqueue the newly ready nodes.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeFailed: attempt failed; the worker decides on a retry.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeWaiting: node gated on a human; park the job as human_waiting.
	OutcomeWaiting OutcomeKind = "waiting"
	// OutcomeDeferred: node waits on a timer; re-enqueue delayed by Delay.
	OutcomeDeferred OutcomeKind = "deferred"
)

// Outcome is the engine's verdict on one job execution.
type Outcome struct {
	Kind   OutcomeKind
	Output any
	Err    error

	// Attempts is the authoritative count from the node state; the job's
	// own counter is only a display copy.
	Attempts        int
	NodeMaxAttempts int

	// Delay applies to OutcomeDeferred.
	Delay time.Duration

	// Ready and Skipped are the graph consequences of a completion.
	Ready   []string
	Skipped []string

	// InstanceDone is set when this transition made the instance terminal.
	InstanceDone bool
}

// ContextProvider supplies extra prompt sections for task nodes, such as
// retrieved memories or a project snapshot. The engine works without one.
type ContextProvider interface {
	Sections(ctx context.Context, t *task.Task, node *workflow.Node, inst *workflow.Instance) []Section
}

// Section is one named context block added to a task-node prompt.
type Section struct {
	Title string
	Body  string
}

// Engine executes nodes against the on-disk task state.
type Engine struct {
	files    *store.Store
	tasks    *task.Store
	backends *backend.Registry
	bus      *events.Bus
	logger   logging.Logger
	provider ContextProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithContextProvider wires prompt context retrieval into task nodes.
func WithContextProvider(p ContextProvider) Option {
	return func(e *Engine) { e.provider = p }
}

// New builds an engine over the shared store and backend registry.
func New(files *store.Store, tasks *task.Store, backends *backend.Registry, bus *events.Bus, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		files:    files,
		tasks:    tasks,
		backends: backends,
		bus:      bus,
		logger:   logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the loaded state for one job execution.
type run struct {
	task  *task.Task
	wf    *workflow.Workflow
	inst  *workflow.Instance
	node  *workflow.Node
	state *workflow.NodeState
	tlog  *store.TaskLog

	// costUSD is stamped by the task executor for event payloads.
	costUSD float64
}

func (e *Engine) load(job queue.Job) (*run, error) {
	t, err := e.tasks.Get(job.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStale, err)
	}
	layout := e.files.Layout()
	wf := &workflow.Workflow{}
	if !e.files.ReadJSON(layout.WorkflowFile(job.TaskID), wf) {
		return nil, fmt.Errorf("%w: task %s has no workflow", ErrStale, job.TaskID)
	}
	inst := &workflow.Instance{}
	if !e.files.ReadJSON(layout.InstanceFile(job.TaskID), inst) {
		return nil, fmt.Errorf("%w: task %s has no instance", ErrStale, job.TaskID)
	}
	if inst.ID != job.InstanceID {
		return nil, fmt.Errorf("%w: instance %s superseded by %s", ErrStale, job.InstanceID, inst.ID)
	}
	if inst.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: instance %s already %s", ErrStale, inst.ID, inst.Status)
	}
	node, ok := wf.Node(job.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: node %s not in workflow %s", ErrStale, job.NodeID, wf.ID)
	}
	st := inst.State(job.NodeID)
	if st.Status.Resolved() || st.Status == workflow.NodeFailed {
		return nil, fmt.Errorf("%w: node %s already %s", ErrStale, job.NodeID, st.Status)
	}
	return &run{
		task:  t,
		wf:    wf,
		inst:  inst,
		node:  node,
		state: st,
		tlog:  e.files.TaskLog(job.TaskID),
	}, nil
}

func (e *Engine) persist(rc *run) error {
	path := e.files.Layout().InstanceFile(rc.task.ID)
	if err := e.files.WriteJSON(path, rc.inst); err != nil {
		return fmt.Errorf("persist instance %s: %w", rc.inst.ID, err)
	}
	return nil
}

// ExecuteNode runs one job to a verdict. The returned error is reserved for
// infrastructure problems (unreadable or unwritable state) and for ErrStale;
// node-level failures come back as an Outcome with Kind OutcomeFailed and
// the node reset to pending so a retry can run it again.
func (e *Engine) ExecuteNode(ctx context.Context, job queue.Job) (*Outcome, error) {
	rc, err := e.load(job)
	if err != nil {
		return nil, err
	}

	// A node parked in waiting resumes its wait instead of re-running the
	// full behavior: delay and human nodes complete on this second pass.
	resumed := rc.state.Status == workflow.NodeWaiting

	now := time.Now().UTC()
	st := rc.state
	if !resumed {
		st.Attempts++
	}
	st.Status = workflow.NodeRunning
	st.StartedAt = &now
	st.Error = ""

	startedWorkflow := false
	if rc.inst.Status == workflow.InstancePending {
		rc.inst.Status = workflow.InstanceRunning
		rc.inst.StartedAt = &now
		startedWorkflow = true
	}
	if err := e.persist(rc); err != nil {
		return nil, err
	}
	if startedWorkflow {
		e.bus.Emit(events.WorkflowStarted, e.workflowPayload(rc))
	}
	e.bus.Emit(events.NodeStarted, e.nodePayload(rc, nil, ""))
	rc.tlog.Event("INFO", "engine", "node %s (%s) started, attempt %d", rc.node.ID, rc.node.Type, st.Attempts)

	v := e.dispatch(ctx, rc, resumed)

	switch {
	case v.err != nil:
		st.Status = workflow.NodePending
		st.Error = v.err.Error()
		if perr := e.persist(rc); perr != nil {
			return nil, perr
		}
		rc.tlog.Event("WARN", "engine", "node %s attempt %d failed: %v", rc.node.ID, st.Attempts, v.err)
		return &Outcome{
			Kind:            OutcomeFailed,
			Err:             v.err,
			Attempts:        st.Attempts,
			NodeMaxAttempts: rc.node.MaxAttempts,
		}, nil

	case v.waiting && v.humanGate:
		st.Status = workflow.NodeWaiting
		if perr := e.persist(rc); perr != nil {
			return nil, perr
		}
		e.bus.Emit(events.HumanWaiting, e.nodePayload(rc, v.output, ""))
		rc.tlog.Event("INFO", "engine", "node %s waiting for approval", rc.node.ID)
		return &Outcome{Kind: OutcomeWaiting, Output: v.output, Attempts: st.Attempts}, nil

	case v.waiting:
		st.Status = workflow.NodeWaiting
		if perr := e.persist(rc); perr != nil {
			return nil, perr
		}
		rc.tlog.Event("INFO", "engine", "node %s deferred %s", rc.node.ID, v.delay)
		return &Outcome{Kind: OutcomeDeferred, Delay: v.delay, Output: v.output, Attempts: st.Attempts}, nil
	}

	return e.finishNode(rc, v)
}

// finishNode records a completion, advances the graph, and resolves the
// instance when the end node is reached or nothing can run anymore.
func (e *Engine) finishNode(rc *run, v verdict) (*Outcome, error) {
	now := time.Now().UTC()
	st := rc.state
	st.Status = workflow.NodeDone
	st.CompletedAt = &now
	if st.StartedAt != nil {
		st.DurationMs = now.Sub(*st.StartedAt).Milliseconds()
	}
	st.Error = ""
	st.Result = v.output
	if v.output != nil {
		rc.inst.Outputs[rc.node.ID] = v.output
	}

	progress := rc.wf.Advance(rc.inst, rc.node.ID)
	for _, id := range progress.Ready {
		rc.inst.State(id).Status = workflow.NodeReady
	}

	out := &Outcome{
		Kind:     OutcomeCompleted,
		Output:   v.output,
		Attempts: st.Attempts,
		Ready:    progress.Ready,
		Skipped:  progress.Skipped,
	}

	end := rc.wf.EndNode()
	switch {
	case end != "" && rc.inst.State(end).Status.Resolved():
		rc.inst.Status = workflow.InstanceCompleted
		rc.inst.CompletedAt = &now
		rc.inst.Error = ""
		out.InstanceDone = true
	case rc.wf.Stuck(rc.inst):
		rc.inst.Status = workflow.InstanceFailed
		rc.inst.CompletedAt = &now
		rc.inst.Error = "workflow stuck: no runnable nodes remain"
		out.InstanceDone = true
	}

	if err := e.persist(rc); err != nil {
		return nil, err
	}

	rc.tlog.Event("INFO", "engine", "node %s completed in %dms", rc.node.ID, st.DurationMs)
	e.bus.Emit(events.NodeCompleted, e.nodePayload(rc, v.output, ""))
	for _, id := range progress.Skipped {
		e.bus.Emit(events.NodeSkipped, e.skippedPayload(rc, id))
		rc.tlog.Event("INFO", "engine", "node %s skipped (branch not taken)", id)
	}
	e.bus.Emit(events.WorkflowProgress, e.workflowPayload(rc))

	if out.InstanceDone {
		if rc.inst.Status == workflow.InstanceCompleted {
			rc.tlog.Event("INFO", "engine", "workflow completed")
			e.bus.Emit(events.WorkflowCompleted, e.workflowPayload(rc))
		} else {
			rc.tlog.Event("ERROR", "engine", "workflow failed: %s", rc.inst.Error)
			e.bus.Emit(events.WorkflowFailed, e.workflowPayload(rc))
		}
	}
	return out, nil
}

// FailNode finalizes a node whose retries are exhausted: the node is marked
// failed and the instance fails with it, releasing everything the worker
// still holds for it.
func (e *Engine) FailNode(ctx context.Context, job queue.Job, cause error) (*Outcome, error) {
	rc, err := e.load(job)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	st := rc.state
	st.Status = workflow.NodeFailed
	st.CompletedAt = &now
	if st.StartedAt != nil && st.DurationMs == 0 {
		st.DurationMs = now.Sub(*st.StartedAt).Milliseconds()
	}
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	st.Error = msg

	rc.inst.Status = workflow.InstanceFailed
	rc.inst.CompletedAt = &now
	rc.inst.Error = fmt.Sprintf("node %s failed after %d attempt(s): %s", rc.node.ID, st.Attempts, msg)

	if err := e.persist(rc); err != nil {
		return nil, err
	}

	rc.tlog.Event("ERROR", "engine", "node %s failed permanently: %s", rc.node.ID, msg)
	e.bus.Emit(events.NodeFailed, e.nodePayload(rc, nil, msg))
	e.bus.Emit(events.WorkflowProgress, e.workflowPayload(rc))
	e.bus.Emit(events.WorkflowFailed, e.workflowPayload(rc))

	return &Outcome{
		Kind:            OutcomeFailed,
		Err:             cause,
		Attempts:        st.Attempts,
		NodeMaxAttempts: rc.node.MaxAttempts,
		InstanceDone:    true,
	}, nil
}

func (e *Engine) workflowPayload(rc *run) events.WorkflowPayload {
	counts := rc.inst.CountByStatus()
	return events.WorkflowPayload{
		TaskID:     rc.task.ID,
		InstanceID: rc.inst.ID,
		Status:     string(rc.inst.Status),
		TotalNodes: len(rc.wf.Nodes),
		DoneNodes:  counts[workflow.NodeDone] + counts[workflow.NodeSkipped],
		Error:      rc.inst.Error,
	}
}

func (e *Engine) nodePayload(rc *run, output any, errMsg string) events.NodePayload {
	return events.NodePayload{
		TaskID:     rc.task.ID,
		InstanceID: rc.inst.ID,
		NodeID:     rc.node.ID,
		NodeType:   string(rc.node.Type),
		NodeName:   rc.node.Name,
		Attempts:   rc.state.Attempts,
		DurationMs: rc.state.DurationMs,
		CostUSD:    rc.costUSD,
		Output:     output,
		Error:      errMsg,
	}
}

func (e *Engine) skippedPayload(rc *run, nodeID string) events.NodePayload {
	payload := events.NodePayload{
		TaskID:     rc.task.ID,
		InstanceID: rc.inst.ID,
		NodeID:     nodeID,
	}
	if n, ok := rc.wf.Node(nodeID); ok {
		payload.NodeType = string(n.Type)
		payload.NodeName = n.Name
	}
	return payload
}
