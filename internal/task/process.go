package task

import (
	"time"

	"steward/internal/store"
)

// Process status values recorded in process.json.
const (
	ProcessRunning = "running"
	ProcessStopped = "stopped"
)

// ProcessRecord describes the detached runner owning a task.
type ProcessRecord struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Error         string    `json:"error,omitempty"`
}

// Alive reports whether the recorded process still exists.
func (r *ProcessRecord) Alive() bool {
	return r != nil && r.Status == ProcessRunning && store.PIDAlive(r.PID)
}

// SaveProcess writes the runner process record for a task.
func (s *Store) SaveProcess(taskID string, rec *ProcessRecord) error {
	return s.files.WriteJSON(s.files.Layout().ProcessFile(taskID), rec)
}

// GetProcess loads the runner process record, if any.
func (s *Store) GetProcess(taskID string) (*ProcessRecord, bool) {
	var rec ProcessRecord
	if !s.files.ReadJSON(s.files.Layout().ProcessFile(taskID), &rec) {
		return nil, false
	}
	return &rec, true
}

// Heartbeat bumps the runner heartbeat timestamp.
func (s *Store) Heartbeat(taskID string) error {
	rec, ok := s.GetProcess(taskID)
	if !ok {
		rec = &ProcessRecord{Status: ProcessRunning, StartedAt: time.Now().UTC()}
	}
	rec.LastHeartbeat = time.Now().UTC()
	return s.SaveProcess(taskID, rec)
}

// MarkProcessStopped records runner exit, keeping the original start time.
func (s *Store) MarkProcessStopped(taskID string, errMsg string) error {
	rec, ok := s.GetProcess(taskID)
	if !ok {
		rec = &ProcessRecord{StartedAt: time.Now().UTC()}
	}
	rec.Status = ProcessStopped
	rec.Error = errMsg
	return s.SaveProcess(taskID, rec)
}
