// Package ids generates the prefixed identifiers used across the store.
// UUIDv7 keeps ids time-ordered so directory listings sort by creation.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// NewTaskID returns an identifier for a task and its on-disk directory.
func NewTaskID() string { return newID("task") }

// NewWorkflowID returns an identifier for a workflow definition.
func NewWorkflowID() string { return newID("wf") }

// NewInstanceID returns an identifier for a workflow execution instance.
func NewInstanceID() string { return newID("inst") }

// NewJobID returns an identifier for a queue job.
func NewJobID() string { return newID("job") }

// NewMemoryID returns an identifier for a memory entry.
func NewMemoryID() string { return newID("mem") }

// NewFailureID returns an identifier for a failure knowledge base record.
func NewFailureID() string { return newID("fail") }

func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}
