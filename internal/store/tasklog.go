package store

import (
	"fmt"
	"time"

	"steward/internal/logging"
	"steward/internal/redact"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// TaskLog writes the per-task log files: the human-readable execution log,
// the structured lifecycle event log, and the backend conversation logs.
type TaskLog struct {
	store  *Store
	taskID string
}

// TaskLog returns a writer for the given task's log files.
func (s *Store) TaskLog(taskID string) *TaskLog {
	return &TaskLog{store: s, taskID: taskID}
}

// Event appends one line to execution.log. Failures are logged, not returned:
// losing a log line must never fail the operation being logged.
func (t *TaskLog) Event(level, scope, format string, args ...any) {
	line := fmt.Sprintf("%s %s [%s] %s",
		time.Now().UTC().Format(logTimeFormat),
		level,
		scope,
		redact.Line(fmt.Sprintf(format, args...)))
	if err := t.store.AppendLine(t.store.layout.ExecutionLog(t.taskID), line); err != nil {
		t.store.logger.Warn("append execution log for %s: %v", t.taskID, err)
	}
}

// LifecycleRecord is one structured entry in events.jsonl.
type LifecycleRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// Lifecycle appends a structured event to events.jsonl.
func (t *TaskLog) Lifecycle(event string, data map[string]any) {
	rec := LifecycleRecord{Timestamp: time.Now().UTC(), Event: event, Data: data}
	if err := t.store.AppendJSONL(t.store.layout.EventsLog(t.taskID), rec); err != nil {
		t.store.logger.Warn("append events log for %s: %v", t.taskID, err)
	}
}

// ConversationEntry is one structured entry in conversation.jsonl.
type ConversationEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Role       string    `json:"role"`
	NodeID     string    `json:"nodeId,omitempty"`
	Content    string    `json:"content"`
	SessionID  string    `json:"sessionId,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	CostUSD    float64   `json:"costUsd,omitempty"`
}

// Conversation appends one backend exchange to both conversation logs. The
// agent may echo environment secrets back in its output, so content is
// masked before it is persisted.
func (t *TaskLog) Conversation(entry ConversationEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Content = redact.Line(entry.Content)
	if err := t.store.AppendJSONL(t.store.layout.ConversationJSONL(t.taskID), entry); err != nil {
		t.store.logger.Warn("append conversation jsonl for %s: %v", t.taskID, err)
	}
	header := fmt.Sprintf("=== %s [%s]", entry.Timestamp.Format(logTimeFormat), entry.Role)
	if entry.NodeID != "" {
		header += " node=" + entry.NodeID
	}
	header += " ==="
	if err := t.store.AppendLine(t.store.layout.ConversationLog(t.taskID), header+"\n"+entry.Content+"\n"); err != nil {
		t.store.logger.Warn("append conversation log for %s: %v", t.taskID, err)
	}
}

// Logger returns a printf logger whose lines land in execution.log under the
// given scope, for wiring into components via logging.Multi.
func (t *TaskLog) Logger(scope string) logging.Logger {
	return &taskLogLogger{log: t, scope: scope}
}

type taskLogLogger struct {
	log   *TaskLog
	scope string
}

func (l *taskLogLogger) Debug(format string, args ...any) { l.log.Event("DEBUG", l.scope, format, args...) }
func (l *taskLogLogger) Info(format string, args ...any)  { l.log.Event("INFO", l.scope, format, args...) }
func (l *taskLogLogger) Warn(format string, args ...any)  { l.log.Event("WARN", l.scope, format, args...) }
func (l *taskLogLogger) Error(format string, args ...any) { l.log.Event("ERROR", l.scope, format, args...) }
