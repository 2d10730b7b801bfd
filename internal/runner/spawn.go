package runner

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"steward/internal/store"
	"steward/internal/task"
)

// Spawn launches the detached runner process for a task and records its pid.
// The child is its own session leader, so it survives the parent exiting; a
// background reap keeps it from lingering as a zombie under a long-lived
// parent such as the daemon.
func Spawn(tasks *task.Store, dataDir, taskID string, resume bool) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	args := []string{"runner", "--task", taskID}
	if resume {
		args = append(args, "--resume")
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), "STEWARD_DATA_DIR="+dataDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// The child's own stdout/stderr land in runner.log; the structured task
	// logs are written separately by the runner itself.
	layout := store.NewLayout(dataDir)
	if err := os.MkdirAll(layout.LogsDir(taskID), 0o755); err == nil {
		if f, err := os.OpenFile(layout.RunnerLog(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
			defer f.Close()
		}
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn runner: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	now := time.Now().UTC()
	rec := &task.ProcessRecord{PID: pid, StartedAt: now, Status: task.ProcessRunning, LastHeartbeat: now}
	if err := tasks.SaveProcess(taskID, rec); err != nil {
		return pid, fmt.Errorf("record spawned pid: %w", err)
	}
	return pid, nil
}
