// Package runner drives a single task from description to terminal state
// inside its own process: it plans the workflow when none exists, executes
// the instance with an embedded worker, reacts to pause and cancel requests,
// and renders the final result document. One Runner handles one run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"steward/internal/backend"
	"steward/internal/config"
	"steward/internal/engine"
	"steward/internal/events"
	"steward/internal/failurekb"
	"steward/internal/ids"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/queue"
	"steward/internal/store"
	"steward/internal/task"
	"steward/internal/worker"
	"steward/internal/workflow"
)

// ErrResumeConflict means another runner still looks alive for the task, so
// taking over would risk two processes executing the same node.
var ErrResumeConflict = errors.New("another runner appears active for this task")

// Runner owns the full lifecycle of one task execution.
type Runner struct {
	cfg      config.Config
	files    *store.Store
	tasks    *task.Store
	queue    *queue.Queue
	backends *backend.Registry
	bus      *events.Bus
	eng      *engine.Engine
	agg      *events.Aggregator
	mem      *memory.Engine
	failures *failurekb.KB
	prompts  *PromptContext
	logger   logging.Logger

	// resumeRecheck is how long to wait before re-checking a suspected live
	// sibling during resume.
	resumeRecheck time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithMemory wires the forgetting-curve store into planning and node prompts.
func WithMemory(mem *memory.Engine) Option {
	return func(r *Runner) { r.mem = mem }
}

// WithFailureKB wires the failure knowledge base for planning lessons and
// failure records.
func WithFailureKB(kb *failurekb.KB) Option {
	return func(r *Runner) { r.failures = kb }
}

// New builds a Runner over shared stores. The engine and stats aggregator are
// constructed here so every runner process persists per-task statistics the
// same way.
func New(cfg config.Config, files *store.Store, tasks *task.Store, q *queue.Queue, backends *backend.Registry, bus *events.Bus, logger logging.Logger, opts ...Option) *Runner {
	logger = logging.OrNop(logger)
	r := &Runner{
		cfg:           cfg,
		files:         files,
		tasks:         tasks,
		queue:         q,
		backends:      backends,
		bus:           bus,
		logger:        logger,
		resumeRecheck: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.prompts = NewPromptContext(r.mem, logger)
	var engOpts []engine.Option
	if r.mem != nil {
		engOpts = append(engOpts, engine.WithContextProvider(r.prompts))
	}
	r.eng = engine.New(files, tasks, backends, bus, logger, engOpts...)
	r.agg = events.NewAggregator(files, logger)
	r.agg.Register(bus)
	return r
}

// Run executes the task to a terminal state. With resume set it picks up an
// interrupted instance instead of planning from scratch; a still-active
// sibling process yields ErrResumeConflict without touching any task state.
func (r *Runner) Run(ctx context.Context, taskID string, resume bool) error {
	t, err := r.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s is already %s", t.ID, t.Status)
	}
	if resume {
		if err := r.guardResume(ctx, t.ID); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	rec := &task.ProcessRecord{PID: os.Getpid(), StartedAt: now, Status: task.ProcessRunning, LastHeartbeat: now}
	if err := r.tasks.SaveProcess(t.ID, rec); err != nil {
		return fmt.Errorf("claim process record: %w", err)
	}
	r.logger.Info("Runner: pid %d owns task %s (resume=%v)", rec.PID, t.ID, resume)

	runErr := r.run(ctx, t, resume)
	exitMsg := ""
	if runErr != nil {
		exitMsg = runErr.Error()
	}
	if err := r.tasks.MarkProcessStopped(t.ID, exitMsg); err != nil {
		r.logger.Warn("Runner: record process exit for %s: %v", t.ID, err)
	}
	r.agg.Stop()
	return runErr
}

func (r *Runner) run(ctx context.Context, t *task.Task, resume bool) error {
	wf, err := r.ensureWorkflow(ctx, t)
	if err != nil {
		if interrupted(err) {
			return err
		}
		r.failTask(t.ID, fmt.Errorf("planning: %w", err))
		return err
	}

	inst, err := r.prepareInstance(ctx, t, wf, resume)
	if err != nil {
		if interrupted(err) {
			return err
		}
		r.failTask(t.ID, err)
		return err
	}

	final, err := r.execute(ctx, t.ID, wf, inst)
	if err != nil {
		if interrupted(err) {
			return err
		}
		r.failTask(t.ID, err)
		return err
	}
	return r.finalize(ctx, t.ID, wf, final)
}

// execute moves the task to developing, starts the worker and supervises the
// instance until it reaches a terminal status.
func (r *Runner) execute(ctx context.Context, taskID string, wf *workflow.Workflow, inst *workflow.Instance) (*workflow.Instance, error) {
	t, err := r.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusDeveloping {
		if _, err := r.tasks.Transition(taskID, task.StatusDeveloping); err != nil {
			return nil, fmt.Errorf("enter developing: %w", err)
		}
	}

	w := worker.New(r.queue, r.eng, config.WorkerConfig{
		Concurrency:    r.cfg.Worker.Concurrency,
		PollIntervalMs: r.cfg.Worker.PollIntervalMs,
	}, r.logger)
	w.Start(ctx)
	defer w.Stop()

	return r.supervise(ctx, taskID, inst.ID, w)
}

// supervise is the wait loop: each tick it heartbeats the process record,
// promotes due delayed jobs, applies pause/cancel requests from the task
// record and reports progress until the instance finishes.
func (r *Runner) supervise(ctx context.Context, taskID, instanceID string, w *worker.Worker) (*workflow.Instance, error) {
	poll := r.cfg.Runner.PollInterval()
	if poll <= 0 {
		poll = time.Second
	}
	var deadline time.Time
	if d := r.cfg.Tasks.Timeout(); d > 0 {
		deadline = time.Now().Add(d)
	}

	paused := false
	lastDone := -1
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}

		if err := r.tasks.Heartbeat(taskID); err != nil {
			r.logger.Warn("Runner: heartbeat %s: %v", taskID, err)
		}
		if _, err := r.queue.PromoteDelayed(ctx); err != nil {
			r.logger.Warn("Runner: promote delayed jobs: %v", err)
		}

		inst := r.loadInstance(taskID)
		if inst == nil {
			return nil, fmt.Errorf("instance state for task %s disappeared", taskID)
		}
		if inst.ID != instanceID {
			return nil, fmt.Errorf("instance %s superseded by %s", instanceID, inst.ID)
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}

		t, err := r.tasks.Get(taskID)
		if err != nil {
			return nil, err
		}
		switch t.Status {
		case task.StatusCancelled:
			r.logger.Info("Runner: task %s cancelled, stopping worker", taskID)
			w.Stop()
			return r.markInstanceCancelled(taskID), nil
		case task.StatusPaused:
			if !paused {
				r.logger.Info("Runner: task %s paused, letting in-flight work drain", taskID)
				w.Drain()
				r.markInstancePaused(taskID)
				paused = true
			}
			continue
		default:
			if paused {
				r.logger.Info("Runner: task %s unpaused, restarting worker", taskID)
				r.markInstanceRunning(taskID)
				w.Start(ctx)
				paused = false
			}
		}

		switch {
		case t.Status == task.StatusDeveloping && r.blockedOnHuman(instanceID, w):
			if _, err := r.tasks.Transition(taskID, task.StatusWaiting); err == nil {
				r.logger.Info("Runner: task %s is waiting on an approval", taskID)
			}
		case t.Status == task.StatusWaiting && !r.humanGated(instanceID):
			if _, err := r.tasks.Transition(taskID, task.StatusDeveloping); err == nil {
				r.logger.Info("Runner: approval released, task %s back to developing", taskID)
			}
		}

		if done := resolvedCount(inst); done != lastDone {
			lastDone = done
			r.logger.Info("Runner: task %s progress %d/%d nodes", taskID, done, len(inst.NodeStates))
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			r.logger.Warn("Runner: task %s exceeded %s, stopping", taskID, r.cfg.Tasks.Timeout())
			w.Stop()
			return r.markInstanceFailed(taskID, fmt.Sprintf("task timed out after %s", r.cfg.Tasks.Timeout())), nil
		}
	}
}

// humanGated reports whether any job of the instance sits behind an approval.
func (r *Runner) humanGated(instanceID string) bool {
	for _, j := range r.queue.ListByStatus(queue.StatusHumanWaiting) {
		if j.InstanceID == instanceID {
			return true
		}
	}
	return false
}

// blockedOnHuman reports whether the run can make no progress until someone
// approves: an approval gate is open, nothing is executing and no claimable
// job remains.
func (r *Runner) blockedOnHuman(instanceID string, w *worker.Worker) bool {
	if w.InFlight() > 0 || !r.humanGated(instanceID) {
		return false
	}
	for _, j := range r.queue.ListByStatus(queue.StatusWaiting) {
		if j.InstanceID == instanceID {
			return false
		}
	}
	return true
}

func (r *Runner) loadInstance(taskID string) *workflow.Instance {
	inst := &workflow.Instance{}
	if !r.files.ReadJSON(r.files.Layout().InstanceFile(taskID), inst) || inst.ID == "" {
		return nil
	}
	return inst
}

// mutateInstance applies fn to a fresh copy of the instance and persists it.
// Callers must ensure no worker is writing concurrently.
func (r *Runner) mutateInstance(taskID string, fn func(*workflow.Instance)) *workflow.Instance {
	inst := r.loadInstance(taskID)
	if inst == nil {
		return nil
	}
	fn(inst)
	if err := r.files.WriteJSON(r.files.Layout().InstanceFile(taskID), inst); err != nil {
		r.logger.Warn("Runner: persist instance for %s: %v", taskID, err)
	}
	return inst
}

func (r *Runner) markInstancePaused(taskID string) {
	r.mutateInstance(taskID, func(inst *workflow.Instance) {
		if inst.Status.IsTerminal() {
			return
		}
		now := time.Now().UTC()
		inst.Status = workflow.InstancePaused
		inst.PausedAt = &now
		inst.PauseReason = "task paused"
	})
}

func (r *Runner) markInstanceRunning(taskID string) {
	r.mutateInstance(taskID, func(inst *workflow.Instance) {
		if inst.Status != workflow.InstancePaused {
			return
		}
		inst.Status = workflow.InstanceRunning
		inst.PausedAt = nil
		inst.PauseReason = ""
	})
}

func (r *Runner) markInstanceCancelled(taskID string) *workflow.Instance {
	return r.mutateInstance(taskID, func(inst *workflow.Instance) {
		if inst.Status.IsTerminal() {
			return
		}
		now := time.Now().UTC()
		inst.Status = workflow.InstanceCancelled
		inst.CompletedAt = &now
		if inst.Error == "" {
			inst.Error = "cancelled by user"
		}
	})
}

func (r *Runner) markInstanceFailed(taskID, msg string) *workflow.Instance {
	return r.mutateInstance(taskID, func(inst *workflow.Instance) {
		if inst.Status.IsTerminal() {
			return
		}
		now := time.Now().UTC()
		inst.Status = workflow.InstanceFailed
		inst.CompletedAt = &now
		inst.Error = msg
	})
}

// prepareInstance creates a fresh instance with its start node enqueued, or
// revives the persisted one when resuming.
func (r *Runner) prepareInstance(ctx context.Context, t *task.Task, wf *workflow.Workflow, resume bool) (*workflow.Instance, error) {
	layout := r.files.Layout()
	if resume {
		inst := r.loadInstance(t.ID)
		if inst != nil {
			return r.resumeInstance(ctx, t, wf, inst)
		}
		r.logger.Info("Runner: no instance recorded for %s, starting fresh", t.ID)
	}

	inst := workflow.NewInstance(ids.NewInstanceID(), wf)
	if err := r.files.WriteJSON(layout.InstanceFile(t.ID), inst); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}
	start := wf.StartNode()
	if start == "" {
		return nil, fmt.Errorf("workflow %s has no start node", wf.ID)
	}
	spec := queue.Spec{TaskID: t.ID, WorkflowID: wf.ID, InstanceID: inst.ID, NodeID: start, Attempt: 1}
	if _, err := r.queue.Enqueue(ctx, spec, queue.Options{Priority: t.Priority.Weight()}); err != nil {
		return nil, fmt.Errorf("enqueue start node: %w", err)
	}
	return inst, nil
}

// resumeInstance resets nodes that died mid-execution back to pending and
// re-enqueues everything currently ready. Jobs parked behind approvals or
// delays are left alone; re-enqueueing a node that still has a stale active
// job replaces that job in place.
func (r *Runner) resumeInstance(ctx context.Context, t *task.Task, wf *workflow.Workflow, inst *workflow.Instance) (*workflow.Instance, error) {
	if inst.Status.IsTerminal() {
		return nil, fmt.Errorf("instance %s is already %s", inst.ID, inst.Status)
	}
	for id, st := range inst.NodeStates {
		if st.Status == workflow.NodeRunning {
			r.logger.Info("Runner: node %s was interrupted, resetting to pending", id)
			st.Status = workflow.NodePending
			st.StartedAt = nil
			st.Error = ""
		}
	}
	if inst.Status == workflow.InstancePaused {
		inst.PausedAt = nil
		inst.PauseReason = ""
	}
	inst.Status = workflow.InstanceRunning
	if err := r.files.WriteJSON(r.files.Layout().InstanceFile(t.ID), inst); err != nil {
		return nil, fmt.Errorf("persist resumed instance: %w", err)
	}

	ready := wf.ReadyNodes(inst)
	for _, nodeID := range ready {
		spec := queue.Spec{
			TaskID:     t.ID,
			WorkflowID: wf.ID,
			InstanceID: inst.ID,
			NodeID:     nodeID,
			Attempt:    inst.State(nodeID).Attempts + 1,
		}
		if _, err := r.queue.Enqueue(ctx, spec, queue.Options{Priority: t.Priority.Weight()}); err != nil {
			return nil, fmt.Errorf("re-enqueue node %s: %w", nodeID, err)
		}
	}
	r.logger.Info("Runner: resumed instance %s with %d ready node(s)", inst.ID, len(ready))
	return inst, nil
}

// guardResume refuses the takeover while the previous owner still shows
// signs of life. A running node whose start is fresher than the configured
// window means the sibling is likely mid-execution; one recheck gives a
// genuinely dead process time to be ruled out.
func (r *Runner) guardResume(ctx context.Context, taskID string) error {
	window := r.cfg.Runner.RecentActivity()
	if window <= 0 {
		window = time.Minute
	}
	for attempt := 0; ; attempt++ {
		inst := r.loadInstance(taskID)
		if inst == nil || !hasRecentActivity(inst, window) {
			return nil
		}
		if attempt > 0 {
			return fmt.Errorf("%w: a node started within the last %s", ErrResumeConflict, window)
		}
		r.logger.Info("Runner: recent node activity on %s, waiting %s before resuming", taskID, r.resumeRecheck)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.resumeRecheck):
		}
	}
}

func hasRecentActivity(inst *workflow.Instance, window time.Duration) bool {
	now := time.Now()
	for _, st := range inst.NodeStates {
		if st.Status == workflow.NodeRunning && st.StartedAt != nil && now.Sub(*st.StartedAt) < window {
			return true
		}
	}
	return false
}

// failTask records a terminal failure caused by the runner itself, such as a
// planning error, and announces it.
func (r *Runner) failTask(taskID string, cause error) {
	t, err := r.tasks.Transition(taskID, task.StatusFailed, task.WithOutput(cause.Error()))
	if err != nil {
		r.logger.Warn("Runner: mark task %s failed: %v", taskID, err)
		if t, err = r.tasks.Get(taskID); err != nil {
			return
		}
	}
	if r.failures != nil {
		_, kerr := r.failures.Add(failurekb.Record{
			TaskID:   taskID,
			Category: string(worker.Classify(cause)),
			Message:  cause.Error(),
		})
		if kerr != nil {
			r.logger.Warn("Runner: record failure for %s: %v", taskID, kerr)
		}
	}
	r.announce(t)
}

// finalize renders the result document, moves the task to its terminal
// status, reinforces the memories that informed the run and emits the
// completion event.
func (r *Runner) finalize(ctx context.Context, taskID string, wf *workflow.Workflow, inst *workflow.Instance) error {
	r.agg.Flush()

	t, err := r.tasks.Get(taskID)
	if err != nil {
		return err
	}
	summary := resultSummary(wf, inst)
	if doc := renderResult(t, wf, inst, summary); doc != "" {
		if err := r.files.WriteText(r.files.Layout().ResultFile(taskID), doc); err != nil {
			r.logger.Warn("Runner: write result for %s: %v", taskID, err)
		}
	}

	switch inst.Status {
	case workflow.InstanceCompleted:
		if t.Status == task.StatusWaiting || t.Status == task.StatusPaused {
			r.transition(taskID, task.StatusDeveloping)
		}
		r.transition(taskID, task.StatusReviewing)
		t = r.transition(taskID, task.StatusCompleted, task.WithOutput(summary))
	case workflow.InstanceFailed:
		t = r.transition(taskID, task.StatusFailed, task.WithOutput(inst.Error))
		r.recordNodeFailure(taskID, inst)
	case workflow.InstanceCancelled:
		t = r.transition(taskID, task.StatusCancelled)
	}
	if t == nil {
		if t, err = r.tasks.Get(taskID); err != nil {
			return err
		}
	}

	if removed, err := r.queue.RemoveByInstance(ctx, inst.ID); err != nil {
		r.logger.Warn("Runner: clear queue for instance %s: %v", inst.ID, err)
	} else if removed > 0 {
		r.logger.Debug("Runner: cleared %d leftover job(s) for instance %s", removed, inst.ID)
	}

	r.reinforceUsedMemories(inst.Status)
	r.announce(t)
	r.logger.Info("Runner: task %s finished as %s", taskID, t.Status)
	return nil
}

// transition applies a task status change, tolerating races where an outside
// actor moved the task first.
func (r *Runner) transition(taskID string, next task.Status, opts ...task.TransitionOption) *task.Task {
	t, err := r.tasks.Transition(taskID, next, opts...)
	if err != nil {
		if !errors.Is(err, task.ErrInvalidTransition) {
			r.logger.Warn("Runner: transition %s to %s: %v", taskID, next, err)
		}
		return nil
	}
	return t
}

// recordNodeFailure writes the failed node into the knowledge base so future
// planning can steer around it.
func (r *Runner) recordNodeFailure(taskID string, inst *workflow.Instance) {
	if r.failures == nil {
		return
	}
	for nodeID, st := range inst.NodeStates {
		if st.Status != workflow.NodeFailed || st.Error == "" {
			continue
		}
		_, err := r.failures.Add(failurekb.Record{
			TaskID:   taskID,
			NodeID:   nodeID,
			Category: string(worker.Classify(errors.New(st.Error))),
			Message:  st.Error,
			Attempts: st.Attempts,
		})
		if err != nil {
			r.logger.Warn("Runner: record node failure for %s/%s: %v", taskID, nodeID, err)
		}
	}
}

// reinforceUsedMemories feeds the run outcome back into every memory that was
// recalled while planning or prompting, strengthening what helped and
// weakening what led anywhere bad.
func (r *Runner) reinforceUsedMemories(status workflow.InstanceStatus) {
	if r.mem == nil || r.prompts == nil {
		return
	}
	var source memory.ReinforceSource
	switch status {
	case workflow.InstanceCompleted:
		source = memory.ReinforceTaskSuccess
	case workflow.InstanceFailed:
		source = memory.ReinforceTaskFailure
	default:
		return
	}
	for _, id := range r.prompts.Used() {
		if _, err := r.mem.Reinforce(id, source); err != nil {
			r.logger.Debug("Runner: reinforce memory %s: %v", id, err)
		}
	}
}

func (r *Runner) announce(t *task.Task) {
	if t == nil {
		return
	}
	payload := events.TaskPayload{TaskID: t.ID, Status: string(t.Status), Title: t.Title, Output: t.Output}
	if err := r.bus.EmitSync(events.TaskCompleted, payload); err != nil {
		r.logger.Warn("Runner: completion event for %s: %v", t.ID, err)
	}
}

func resolvedCount(inst *workflow.Instance) int {
	n := 0
	for _, st := range inst.NodeStates {
		if st.Status.Resolved() {
			n++
		}
	}
	return n
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
