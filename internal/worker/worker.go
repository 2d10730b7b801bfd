// Package worker drains the job queue: it claims eligible jobs up to its
// concurrency cap, hands each one to the engine, and turns the engine's
// outcome back into queue state (next-node jobs, retry backoff, approval
// gates). Retry policy lives here, not in the engine.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"steward/internal/async"
	"steward/internal/config"
	"steward/internal/engine"
	"steward/internal/logging"
	"steward/internal/queue"
)

// Worker is one dequeue loop. The daemon runs one with its configured
// concurrency; each task runner embeds its own with concurrency 1.
type Worker struct {
	queue  *queue.Queue
	engine *engine.Engine
	logger logging.Logger

	concurrency  int
	pollInterval time.Duration

	mu         sync.Mutex
	inflight   map[string]struct{}
	cancelLoop context.CancelFunc
	cancelJobs context.CancelFunc
	jobCtx     context.Context
	loopDone   chan struct{}
	jobs       sync.WaitGroup
	running    bool
}

// New builds a stopped worker. Zero config fields fall back to one slot and
// a one second poll.
func New(q *queue.Queue, eng *engine.Engine, cfg config.WorkerConfig, logger logging.Logger) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := cfg.PollInterval()
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		queue:        q,
		engine:       eng,
		logger:       logging.OrNop(logger),
		concurrency:  concurrency,
		pollInterval: poll,
		inflight:     make(map[string]struct{}),
	}
}

// Start launches the poll loop. Starting a running worker is a no-op. The
// loop and the jobs it spawns run on separate child contexts so Drain can
// stop the former without cancelling the latter.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	loopCtx, cancelLoop := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(ctx)
	w.cancelLoop = cancelLoop
	w.cancelJobs = cancelJobs
	w.jobCtx = jobCtx
	w.loopDone = make(chan struct{})
	w.running = true

	done := w.loopDone
	async.Go(w.logger, "worker-loop", func() {
		defer close(done)
		w.run(loopCtx)
	})
	w.logger.Info("Worker: started (concurrency=%d, poll=%s)", w.concurrency, w.pollInterval)
}

// Stop cancels in-flight executions and blocks until the loop and every job
// goroutine finished their bookkeeping.
func (w *Worker) Stop() { w.halt(true) }

// Drain stops claiming new jobs and waits for in-flight ones to finish on
// their own. Used for pause, where killing a running node would waste its
// subprocess work.
func (w *Worker) Drain() { w.halt(false) }

func (w *Worker) halt(cancelInflight bool) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancelLoop := w.cancelLoop
	cancelJobs := w.cancelJobs
	done := w.loopDone
	w.mu.Unlock()

	cancelLoop()
	if cancelInflight {
		cancelJobs()
	}
	<-done
	w.jobs.Wait()
	if !cancelInflight {
		cancelJobs()
		w.logger.Info("Worker: drained")
		return
	}
	w.logger.Info("Worker: stopped")
}

// InFlight reports how many jobs are currently being processed.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

func (w *Worker) run(ctx context.Context) {
	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// tick promotes due delayed jobs and fills the free slots.
func (w *Worker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.queue.PromoteDelayed(ctx); err != nil {
		w.logger.Warn("Worker: promote delayed jobs: %v", err)
	}
	for w.InFlight() < w.concurrency {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Warn("Worker: dequeue: %v", err)
			return
		}
		if job == nil {
			return
		}
		w.launch(ctx, *job)
	}
}

func (w *Worker) launch(ctx context.Context, job queue.Job) {
	w.mu.Lock()
	jctx := w.jobCtx
	if jctx == nil {
		jctx = ctx
	}
	w.inflight[job.ID] = struct{}{}
	w.mu.Unlock()
	w.jobs.Add(1)

	async.Go(w.logger, "worker-job-"+job.ID, func() {
		defer w.jobs.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, job.ID)
			w.mu.Unlock()
		}()
		w.process(jctx, job)
	})
}

func (w *Worker) process(ctx context.Context, job queue.Job) {
	out, err := w.engine.ExecuteNode(ctx, job)

	// Queue bookkeeping must land even when the worker is stopping, so it
	// runs on a context that survives cancellation.
	bctx := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, engine.ErrStale) {
			w.logger.Debug("Worker: dropping stale job %s (%s): %v", job.ID, job.NodeID, err)
			w.markCompleted(bctx, job.ID)
			return
		}
		// State could not be read or written. Give it the same backoff
		// treatment as a failed attempt so a transient disk problem heals.
		w.logger.Warn("Worker: job %s infrastructure error: %v", job.ID, err)
		w.retryOrFail(bctx, job, err, job.Attempt, job.MaxAttempts)
		return
	}

	switch out.Kind {
	case engine.OutcomeCompleted:
		w.markCompleted(bctx, job.ID)
		if out.InstanceDone {
			if n, rerr := w.queue.RemoveByInstance(bctx, job.InstanceID); rerr != nil {
				w.logger.Warn("Worker: clear jobs for finished instance %s: %v", job.InstanceID, rerr)
			} else if n > 0 {
				w.logger.Debug("Worker: cleared %d leftover job(s) for instance %s", n, job.InstanceID)
			}
			return
		}
		w.enqueueReady(bctx, job, out.Ready)

	case engine.OutcomeFailed:
		w.retryOrFail(bctx, job, out.Err, out.Attempts, out.NodeMaxAttempts)

	case engine.OutcomeWaiting:
		if merr := w.queue.MarkHumanWaiting(bctx, job.ID); merr != nil {
			w.logger.Warn("Worker: gate job %s on approval: %v", job.ID, merr)
		}

	case engine.OutcomeDeferred:
		// Replace-on-enqueue turns the active job into a delayed one for
		// the same node, so the timer pass reuses the job identity.
		spec := jobSpec(job, job.Attempt)
		opts := queue.Options{Priority: job.Priority, Delay: out.Delay, MaxAttempts: job.MaxAttempts}
		if _, qerr := w.queue.Enqueue(bctx, spec, opts); qerr != nil {
			w.logger.Warn("Worker: defer job %s by %s: %v", job.ID, out.Delay, qerr)
		}

	default:
		w.logger.Error("Worker: job %s returned unknown outcome %q", job.ID, out.Kind)
		w.markCompleted(bctx, job.ID)
	}
}

// enqueueReady schedules the successor nodes unlocked by a completion. New
// nodes start at attempt 1 and inherit the instance's priority.
func (w *Worker) enqueueReady(ctx context.Context, job queue.Job, ready []string) {
	for _, nodeID := range ready {
		spec := queue.Spec{
			TaskID:     job.TaskID,
			WorkflowID: job.WorkflowID,
			InstanceID: job.InstanceID,
			NodeID:     nodeID,
			Attempt:    1,
		}
		if _, err := w.queue.Enqueue(ctx, spec, queue.Options{Priority: job.Priority}); err != nil {
			w.logger.Warn("Worker: enqueue ready node %s: %v", nodeID, err)
		}
	}
}

// retryOrFail applies the retry classifier to a failed attempt. A retryable
// failure re-enqueues the node delayed by the backoff; an exhausted or
// permanent one finalizes the node and clears the instance from the queue.
func (w *Worker) retryOrFail(ctx context.Context, job queue.Job, cause error, attempts, nodeMaxAttempts int) {
	if attempts <= 0 {
		attempts = 1
	}
	decision := ShouldRetry(cause, attempts, nodeMaxAttempts)
	if decision.Retry {
		w.logger.Info("Worker: node %s attempt %d failed (%s), retrying in %s",
			job.NodeID, attempts, decision.Category, decision.Delay.Round(time.Millisecond))
		spec := jobSpec(job, decision.NextAttempt)
		opts := queue.Options{Priority: job.Priority, Delay: decision.Delay, MaxAttempts: job.MaxAttempts}
		if _, err := w.queue.Enqueue(ctx, spec, opts); err != nil {
			w.logger.Error("Worker: re-enqueue job for node %s: %v", job.NodeID, err)
		}
		return
	}

	w.logger.Warn("Worker: node %s failed permanently after %d attempt(s): %v (%s)",
		job.NodeID, attempts, cause, decision.Reason)
	if _, err := w.engine.FailNode(ctx, job, cause); err != nil && !errors.Is(err, engine.ErrStale) {
		w.logger.Error("Worker: finalize failed node %s: %v", job.NodeID, err)
	}
	if _, err := w.queue.RemoveByInstance(ctx, job.InstanceID); err != nil {
		w.logger.Warn("Worker: clear jobs for failed instance %s: %v", job.InstanceID, err)
	}
}

func (w *Worker) markCompleted(ctx context.Context, jobID string) {
	if err := w.queue.MarkCompleted(ctx, jobID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		w.logger.Warn("Worker: mark job %s completed: %v", jobID, err)
	}
}

func jobSpec(job queue.Job, attempt int) queue.Spec {
	return queue.Spec{
		TaskID:     job.TaskID,
		WorkflowID: job.WorkflowID,
		InstanceID: job.InstanceID,
		NodeID:     job.NodeID,
		Attempt:    attempt,
	}
}
