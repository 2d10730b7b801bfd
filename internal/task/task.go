// Package task defines the user-visible unit of work and its status machine.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusDeveloping Status = "developing"
	StatusReviewing  Status = "reviewing"
	StatusPaused     Status = "paused"
	StatusWaiting    Status = "waiting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsValid reports whether the status is one of the known states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusDeveloping, StatusReviewing,
		StatusPaused, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the task can never change state again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the status machine. Any non-terminal state may
// fail or be cancelled; the forward path is
// pending → planning → developing ⇄ paused/waiting, developing → reviewing → completed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return false
	}
	if !next.IsValid() {
		return false
	}
	if !s.IsTerminal() && (next == StatusFailed || next == StatusCancelled) {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusPlanning || next == StatusDeveloping
	case StatusPlanning:
		return next == StatusDeveloping
	case StatusDeveloping:
		return next == StatusPaused || next == StatusWaiting || next == StatusReviewing
	case StatusPaused:
		return next == StatusDeveloping
	case StatusWaiting:
		return next == StatusDeveloping
	case StatusReviewing:
		return next == StatusCompleted
	default:
		return false
	}
}

// Priority orders competing tasks in the queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValid reports whether the priority is a known level.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// Weight maps the priority to the numeric job priority used by the queue.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// ParsePriority normalizes a user-supplied priority, defaulting to medium.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority %q (want low, medium or high)", s)
	}
	return p, nil
}

// Task is a user-visible unit of work driven to completion by one runner.
type Task struct {
	// Identity.
	ID    string `json:"id"`
	Title string `json:"title"`

	// Content.
	Description string `json:"description"`
	Priority    Priority `json:"priority"`
	Assignee    string   `json:"assignee,omitempty"`
	Source      string   `json:"source,omitempty"`

	// Scheduling.
	ScheduleCron string `json:"scheduleCron,omitempty"`

	// Lifecycle.
	Status     Status            `json:"status"`
	RetryCount int               `json:"retryCount"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// Timestamps.
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Results.
	Output string `json:"output,omitempty"`
}

// New returns a pending task with timestamps set. An empty title falls back
// to one derived from the description.
func New(id, title, description string, priority Priority) *Task {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle(description)
	}
	now := time.Now().UTC()
	return &Task{
		ID:          id,
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DefaultTitle derives a provisional title from a description: its first
// non-empty line, clipped to 60 runes.
func DefaultTitle(description string) string {
	line := strings.TrimSpace(description)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if runes := []rune(line); len(runes) > 60 {
		return strings.TrimSpace(string(runes[:59])) + "…"
	}
	return line
}

// HasGenericTitle reports whether the title is still the derived default,
// meaning planning is allowed to replace it with a better one.
func (t *Task) HasGenericTitle() bool {
	return t.Title == "" || t.Title == DefaultTitle(t.Description)
}

// Touch bumps UpdatedAt, keeping the createdAt ≤ updatedAt invariant.
func (t *Task) Touch() {
	now := time.Now().UTC()
	if now.Before(t.CreatedAt) {
		now = t.CreatedAt
	}
	t.UpdatedAt = now
}
