package task

import (
	"errors"
	"fmt"
	"sort"

	"steward/internal/logging"
	"steward/internal/store"
)

// ErrNotFound is returned when no task exists with the requested id.
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition is returned for status changes the machine forbids.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Store persists tasks under tasks/<id>/task.json.
type Store struct {
	files  *store.Store
	logger logging.Logger
}

// NewStore returns a task store over the shared file store.
func NewStore(files *store.Store, logger logging.Logger) *Store {
	return &Store{files: files, logger: logging.OrNop(logger)}
}

// Save writes the task atomically.
func (s *Store) Save(t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("save task: missing id")
	}
	return s.files.WriteJSON(s.files.Layout().TaskFile(t.ID), t)
}

// Get loads a task by id.
func (s *Store) Get(id string) (*Task, error) {
	var t Task
	if !s.files.ReadJSON(s.files.Layout().TaskFile(id), &t) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

// List returns every task, newest first. Directories without a readable
// task.json are skipped.
func (s *Store) List() ([]*Task, error) {
	dirs, err := s.files.ListDirs(s.files.Layout().TasksDir())
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(dirs))
	for _, id := range dirs {
		var t Task
		if !s.files.ReadJSON(s.files.Layout().TaskFile(id), &t) {
			s.logger.Warn("skipping task dir %s: unreadable task.json", id)
			continue
		}
		tasks = append(tasks, &t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

// ListByStatus returns tasks currently in the given status, newest first.
func (s *Store) ListByStatus(status Status) ([]*Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, t := range all {
		if t.Status == status {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// TransitionOption mutates the task alongside a status change.
type TransitionOption func(*Task)

// WithOutput records the final output summary.
func WithOutput(output string) TransitionOption {
	return func(t *Task) { t.Output = output }
}

// WithMetadata sets one metadata key.
func WithMetadata(key, value string) TransitionOption {
	return func(t *Task) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata[key] = value
	}
}

// WithRetryCount overwrites the task-level retry counter.
func WithRetryCount(n int) TransitionOption {
	return func(t *Task) { t.RetryCount = n }
}

// Transition validates and applies a status change, persisting the result.
// It returns the updated task.
func (s *Store) Transition(id string, next Status, opts ...TransitionOption) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("task %s: %s → %s: %w", id, t.Status, next, ErrInvalidTransition)
	}
	t.Status = next
	for _, opt := range opts {
		opt(t)
	}
	t.Touch()
	if err := s.Save(t); err != nil {
		return nil, err
	}
	s.logger.Debug("task %s status → %s", id, next)
	return t, nil
}
