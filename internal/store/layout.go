package store

import "path/filepath"

// Layout resolves every fixed path under the data directory. Other tools read
// these files, so the relative layout is stable.
type Layout struct {
	base string
}

// NewLayout returns a layout rooted at base.
func NewLayout(base string) Layout {
	return Layout{base: base}
}

// Base returns the data directory root.
func (l Layout) Base() string { return l.base }

// ConfigFile is the YAML configuration file.
func (l Layout) ConfigFile() string { return filepath.Join(l.base, "config.yaml") }

// QueueFile is the shared on-disk job queue.
func (l Layout) QueueFile() string { return filepath.Join(l.base, "queue.json") }

// QueueLockFile guards the queue across processes; it contains the holder PID.
func (l Layout) QueueLockFile() string { return filepath.Join(l.base, "queue.json.lock") }

// SessionsFile persists the chat session map.
func (l Layout) SessionsFile() string { return filepath.Join(l.base, "sessions.json") }

// TasksDir holds one directory per task.
func (l Layout) TasksDir() string { return filepath.Join(l.base, "tasks") }

// TaskDir is the per-task directory.
func (l Layout) TaskDir(taskID string) string { return filepath.Join(l.TasksDir(), taskID) }

// TaskFile holds the Task entity.
func (l Layout) TaskFile(taskID string) string { return filepath.Join(l.TaskDir(taskID), "task.json") }

// WorkflowFile holds the authored workflow graph.
func (l Layout) WorkflowFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "workflow.json")
}

// InstanceFile holds the runtime state of the workflow execution.
func (l Layout) InstanceFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "instance.json")
}

// ProcessFile records the detached runner process for the task.
func (l Layout) ProcessFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "process.json")
}

// StatsFile holds the latest execution stats snapshot.
func (l Layout) StatsFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "stats.json")
}

// LogsDir holds the per-task log files.
func (l Layout) LogsDir(taskID string) string { return filepath.Join(l.TaskDir(taskID), "logs") }

// ExecutionLog is the human-readable event log, one line per event.
func (l Layout) ExecutionLog(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "execution.log")
}

// EventsLog is the structured lifecycle event log, one JSON object per line.
func (l Layout) EventsLog(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "events.jsonl")
}

// ConversationLog is the human-readable backend conversation transcript.
func (l Layout) ConversationLog(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "conversation.log")
}

// ConversationJSONL is the structured backend conversation log.
func (l Layout) ConversationJSONL(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "conversation.jsonl")
}

// RunnerLog captures the detached runner process's own stdout and stderr.
func (l Layout) RunnerLog(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "runner.log")
}

// OutputsDir holds rendered task outputs.
func (l Layout) OutputsDir(taskID string) string { return filepath.Join(l.TaskDir(taskID), "outputs") }

// ResultFile is the final rendered task result.
func (l Layout) ResultFile(taskID string) string {
	return filepath.Join(l.OutputsDir(taskID), "result.md")
}

// MemoriesDir holds one JSON file per memory entry.
func (l Layout) MemoriesDir() string { return filepath.Join(l.base, "memories") }

// MemoryFile is the file backing one memory entry.
func (l Layout) MemoryFile(id string) string { return filepath.Join(l.MemoriesDir(), id+".json") }

// FailureKBDir holds the failure knowledge base records.
func (l Layout) FailureKBDir() string { return filepath.Join(l.base, "failure-kb") }

// FailureFile is the file backing one failure record.
func (l Layout) FailureFile(id string) string { return filepath.Join(l.FailureKBDir(), id+".json") }
