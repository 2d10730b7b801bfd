// Package failurekb records how tasks failed so later planning runs can
// steer around the same pitfalls. One JSON file per failure under
// failure-kb/, surfaced to the planner as a short lessons section.
package failurekb

import (
	"fmt"
	"strings"
	"time"

	"steward/internal/ids"
	"steward/internal/logging"
	"steward/internal/store"
)

// messageLimit caps the stored failure message in runes.
const messageLimit = 320

// Record is one observed failure.
type Record struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	NodeID    string    `json:"nodeId,omitempty"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// KB is the failure knowledge base over the shared store.
type KB struct {
	files  *store.Store
	logger logging.Logger
}

// New builds a knowledge base over the shared store.
func New(files *store.Store, logger logging.Logger) *KB {
	return &KB{files: files, logger: logging.OrNop(logger)}
}

// Add persists one failure record, assigning an id and timestamp and
// compacting the message.
func (kb *KB) Add(rec Record) (*Record, error) {
	rec.Message = compactMessage(rec.Message, messageLimit)
	if rec.Message == "" {
		return nil, fmt.Errorf("failurekb: empty failure message")
	}
	if rec.ID == "" {
		rec.ID = ids.NewFailureID()
	}
	if rec.Category == "" {
		rec.Category = "unknown"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := kb.files.WriteJSON(kb.files.Layout().FailureFile(rec.ID), &rec); err != nil {
		return nil, fmt.Errorf("failurekb: persist %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// Recent returns up to n records, newest first. Ids sort chronologically, so
// newest-first is the listing reversed.
func (kb *KB) Recent(n int) []Record {
	if n <= 0 {
		return nil
	}
	names, err := kb.files.List(kb.files.Layout().FailureKBDir(), ".json")
	if err != nil {
		kb.logger.Warn("FailureKB: list records: %v", err)
		return nil
	}
	out := make([]Record, 0, n)
	for i := len(names) - 1; i >= 0 && len(out) < n; i-- {
		id := strings.TrimSuffix(names[i], ".json")
		var rec Record
		if !kb.files.ReadJSON(kb.files.Layout().FailureFile(id), &rec) || rec.ID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Lessons renders the most recent failures as a prompt section body. Empty
// when nothing has failed yet.
func (kb *KB) Lessons(n int) string {
	records := kb.Recent(n)
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "- [%s] %s", rec.Category, rec.Message)
		if rec.NodeID != "" {
			fmt.Fprintf(&b, " (node %s", rec.NodeID)
			if rec.Attempts > 0 {
				fmt.Fprintf(&b, ", %d attempts", rec.Attempts)
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// compactMessage collapses whitespace and truncates to limit runes, marking
// the cut with an ellipsis.
func compactMessage(msg string, limit int) string {
	compact := strings.Join(strings.Fields(strings.TrimSpace(msg)), " ")
	if compact == "" {
		return ""
	}
	runes := []rune(compact)
	if len(runes) <= limit {
		return compact
	}
	return string(runes[:limit-1]) + "…"
}
