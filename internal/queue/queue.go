// Package queue is the on-disk job queue that schedules node executions.
// The queue file is the single coordination point between the worker, the
// engine and the CLI, so every mutation happens as a read-modify-write
// under the queue file lock.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"steward/internal/ids"
	"steward/internal/logging"
	"steward/internal/store"
)

// Status is the lifecycle state of one job.
type Status string

const (
	// StatusWaiting jobs are eligible for dequeue once processAt passes.
	StatusWaiting Status = "waiting"
	// StatusActive jobs are claimed by a worker.
	StatusActive Status = "active"
	// StatusCompleted and StatusFailed are terminal.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusDelayed jobs wait for a retry backoff or a delay node deadline.
	StatusDelayed Status = "delayed"
	// StatusHumanWaiting jobs are gated on an approval and only return to
	// waiting through ResumeWaitingForInstance.
	StatusHumanWaiting Status = "human_waiting"
)

// IsTerminal reports whether the job will never be picked up again.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// Job is one scheduled node execution. Attempt mirrors the node state's
// canonical counter for display; the engine never reads it back.
type Job struct {
	ID         string `json:"id"`
	TaskID     string `json:"taskId,omitempty"`
	WorkflowID string `json:"workflowId"`
	InstanceID string `json:"instanceId"`
	NodeID     string `json:"nodeId"`
	Attempt    int    `json:"attempt"`

	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`

	ProcessAt time.Time `json:"processAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Spec identifies the node execution a job carries.
type Spec struct {
	TaskID     string
	WorkflowID string
	InstanceID string
	NodeID     string
	Attempt    int
}

// Options tune scheduling of an enqueued job.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// ErrNotFound is returned when a job id is not in the queue file.
var ErrNotFound = errors.New("job not found")

type queueFile struct {
	Jobs      []Job     `json:"jobs"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Queue wraps queue.json with locked read-modify-write operations. Reads
// without mutation go lock-free because writes are atomic renames.
type Queue struct {
	files  *store.Store
	lock   *store.FileLock
	logger logging.Logger
}

// New builds a queue over the store's queue file. staleAfter bounds how long
// a dead process may hold the queue lock.
func New(files *store.Store, staleAfter time.Duration, logger logging.Logger) *Queue {
	layout := files.Layout()
	return &Queue{
		files:  files,
		lock:   store.NewFileLock(layout.QueueLockFile(), logger).WithStaleAfter(staleAfter),
		logger: logging.OrNop(logger),
	}
}

func (q *Queue) path() string { return q.files.Layout().QueueFile() }

// locked runs fn on the current queue file contents and persists the result,
// all under the queue lock.
func (q *Queue) locked(ctx context.Context, fn func(*queueFile) error) error {
	if err := q.lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	defer q.lock.Unlock()

	var state queueFile
	q.files.ReadJSON(q.path(), &state)
	if err := fn(&state); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()
	return q.files.WriteJSON(q.path(), &state)
}

func (q *Queue) snapshot() queueFile {
	var state queueFile
	q.files.ReadJSON(q.path(), &state)
	return state
}

// Enqueue schedules a node execution. When a non-terminal job already exists
// for the same (instanceId, nodeId) it is replaced in place, keeping its id
// and createdAt, so one node never holds two live jobs.
func (q *Queue) Enqueue(ctx context.Context, spec Spec, opts Options) (*Job, error) {
	now := time.Now()
	job := Job{
		ID:          ids.NewJobID(),
		TaskID:      spec.TaskID,
		WorkflowID:  spec.WorkflowID,
		InstanceID:  spec.InstanceID,
		NodeID:      spec.NodeID,
		Attempt:     spec.Attempt,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Status:      StatusWaiting,
		ProcessAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
		job.ProcessAt = now.Add(opts.Delay)
	}

	err := q.locked(ctx, func(state *queueFile) error {
		for i := range state.Jobs {
			existing := &state.Jobs[i]
			if existing.InstanceID != spec.InstanceID || existing.NodeID != spec.NodeID {
				continue
			}
			if existing.Status.IsTerminal() {
				continue
			}
			job.ID = existing.ID
			job.CreatedAt = existing.CreatedAt
			state.Jobs[i] = job
			q.logger.Debug("Queue: replaced job %s for node %s attempt %d", job.ID, job.NodeID, job.Attempt)
			return nil
		}
		state.Jobs = append(state.Jobs, job)
		q.logger.Debug("Queue: enqueued job %s for node %s", job.ID, job.NodeID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Dequeue claims the highest-priority eligible job, breaking ties by oldest
// createdAt, and marks it active in the same locked write. Returns nil when
// nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := q.locked(ctx, func(state *queueFile) error {
		now := time.Now()
		best := -1
		for i := range state.Jobs {
			j := &state.Jobs[i]
			if j.Status != StatusWaiting || j.ProcessAt.After(now) {
				continue
			}
			if best < 0 {
				best = i
				continue
			}
			b := &state.Jobs[best]
			if j.Priority > b.Priority || (j.Priority == b.Priority && j.CreatedAt.Before(b.CreatedAt)) {
				best = i
			}
		}
		if best < 0 {
			return nil
		}
		state.Jobs[best].Status = StatusActive
		state.Jobs[best].UpdatedAt = now
		picked := state.Jobs[best]
		claimed = &picked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) mark(ctx context.Context, jobID string, status Status, errMsg string) error {
	return q.locked(ctx, func(state *queueFile) error {
		for i := range state.Jobs {
			if state.Jobs[i].ID != jobID {
				continue
			}
			state.Jobs[i].Status = status
			state.Jobs[i].Error = errMsg
			state.Jobs[i].UpdatedAt = time.Now()
			return nil
		}
		return fmt.Errorf("mark %s: %w", jobID, ErrNotFound)
	})
}

// MarkActive claims a specific job.
func (q *Queue) MarkActive(ctx context.Context, jobID string) error {
	return q.mark(ctx, jobID, StatusActive, "")
}

// MarkCompleted finishes a job.
func (q *Queue) MarkCompleted(ctx context.Context, jobID string) error {
	return q.mark(ctx, jobID, StatusCompleted, "")
}

// MarkFailed finishes a job with its terminal error.
func (q *Queue) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	return q.mark(ctx, jobID, StatusFailed, errMsg)
}

// MarkHumanWaiting gates a job on an approval.
func (q *Queue) MarkHumanWaiting(ctx context.Context, jobID string) error {
	return q.mark(ctx, jobID, StatusHumanWaiting, "")
}

// PromoteDelayed flips delayed jobs whose deadline passed back to waiting.
// Returns how many were promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	promoted := 0
	err := q.locked(ctx, func(state *queueFile) error {
		now := time.Now()
		for i := range state.Jobs {
			j := &state.Jobs[i]
			if j.Status == StatusDelayed && !j.ProcessAt.After(now) {
				j.Status = StatusWaiting
				j.UpdatedAt = now
				promoted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if promoted > 0 {
		q.logger.Debug("Queue: promoted %d delayed job(s)", promoted)
	}
	return promoted, nil
}

// ResumeWaitingForInstance releases every approval-gated job of an instance.
// Returns how many were released.
func (q *Queue) ResumeWaitingForInstance(ctx context.Context, instanceID string) (int, error) {
	resumed := 0
	err := q.locked(ctx, func(state *queueFile) error {
		now := time.Now()
		for i := range state.Jobs {
			j := &state.Jobs[i]
			if j.InstanceID == instanceID && j.Status == StatusHumanWaiting {
				j.Status = StatusWaiting
				j.ProcessAt = now
				j.UpdatedAt = now
				resumed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return resumed, nil
}

// RemoveByInstance drops every job of an instance, in any state. Returns how
// many were removed.
func (q *Queue) RemoveByInstance(ctx context.Context, instanceID string) (int, error) {
	removed := 0
	err := q.locked(ctx, func(state *queueFile) error {
		kept := state.Jobs[:0]
		for _, j := range state.Jobs {
			if j.InstanceID == instanceID {
				removed++
				continue
			}
			kept = append(kept, j)
		}
		state.Jobs = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// PruneTerminal drops completed and failed jobs older than the retention
// window. Returns how many were pruned.
func (q *Queue) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	pruned := 0
	err := q.locked(ctx, func(state *queueFile) error {
		cutoff := time.Now().Add(-olderThan)
		kept := state.Jobs[:0]
		for _, j := range state.Jobs {
			if j.Status.IsTerminal() && j.UpdatedAt.Before(cutoff) {
				pruned++
				continue
			}
			kept = append(kept, j)
		}
		state.Jobs = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// List returns a snapshot of every job. Lock-free: the queue file is always
// a complete rename-published document.
func (q *Queue) List() []Job {
	return q.snapshot().Jobs
}

// ListByStatus returns a snapshot of jobs in the given state.
func (q *Queue) ListByStatus(status Status) []Job {
	var out []Job
	for _, j := range q.snapshot().Jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

// Get returns one job by id from the current snapshot.
func (q *Queue) Get(jobID string) (*Job, bool) {
	for _, j := range q.snapshot().Jobs {
		if j.ID == jobID {
			return &j, true
		}
	}
	return nil, false
}
