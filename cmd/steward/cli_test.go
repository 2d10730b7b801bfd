package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"steward/internal/logging"
	"steward/internal/queue"
	"steward/internal/store"
	"steward/internal/task"
	"steward/internal/workflow"
)

// runCLI executes one steward invocation against a private data directory and
// returns everything it printed.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append(args, "--data-dir", dir))
	err := root.Execute()
	return buf.String(), err
}

func mustRunCLI(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, dir, args...)
	if err != nil {
		t.Fatalf("steward %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// openStores opens the same on-disk state the CLI operates on.
func openStores(t *testing.T, dir string) (*store.Store, *task.Store, *queue.Queue) {
	t.Helper()
	logger := logging.NewWriterLogger("test", io.Discard, logging.LevelError)
	files, err := store.New(dir, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return files, task.NewStore(files, logger), queue.New(files, 30*time.Second, logger)
}

// createTask creates a task without a runner and returns its id.
func createTask(t *testing.T, dir, description string, extra ...string) string {
	t.Helper()
	args := append([]string{"create", description, "--no-run"}, extra...)
	out := mustRunCLI(t, dir, args...)
	fields := strings.Fields(strings.SplitN(out, "\n", 2)[0])
	if len(fields) < 2 || fields[0] != "created" {
		t.Fatalf("unexpected create output: %q", out)
	}
	id := fields[1]
	if !strings.HasPrefix(id, "task-") {
		t.Fatalf("unexpected task id %q", id)
	}
	return id
}

// markRunnerAlive records this test process as the task's live runner.
func markRunnerAlive(t *testing.T, dir, id string) {
	t.Helper()
	_, tasks, _ := openStores(t, dir)
	now := time.Now().UTC()
	err := tasks.SaveProcess(id, &task.ProcessRecord{
		PID:           os.Getpid(),
		StartedAt:     now,
		Status:        task.ProcessRunning,
		LastHeartbeat: now,
	})
	if err != nil {
		t.Fatalf("save process record: %v", err)
	}
}

func TestCreateAndList(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "fix the flaky auth tests")

	out := mustRunCLI(t, dir, "task", "list")
	if !strings.Contains(out, id) || !strings.Contains(out, "pending") {
		t.Fatalf("list should show the new pending task, got:\n%s", out)
	}
	if !strings.Contains(out, "fix the flaky auth tests") {
		t.Fatalf("list should show the derived title, got:\n%s", out)
	}

	out = mustRunCLI(t, dir, "task", "list", "--json")
	var tasks []*task.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("list --json produced invalid JSON: %v\n%s", err, out)
	}
	if len(tasks) != 1 || tasks[0].ID != id || tasks[0].Status != task.StatusPending {
		t.Fatalf("list --json = %+v, want one pending task %s", tasks, id)
	}
}

func TestListEmptyJSONIsArray(t *testing.T) {
	dir := t.TempDir()
	out := mustRunCLI(t, dir, "task", "list", "--json")
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("empty list --json = %q, want []", strings.TrimSpace(out))
	}
}

func TestListStatusFilter(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "triage open issues")

	out := mustRunCLI(t, dir, "task", "list", "--status", "pending")
	if !strings.Contains(out, id) {
		t.Fatalf("pending filter should include %s, got:\n%s", id, out)
	}
	out = mustRunCLI(t, dir, "task", "list", "--status", "completed")
	if strings.Contains(out, id) {
		t.Fatalf("completed filter should exclude %s, got:\n%s", id, out)
	}

	_, err := runCLI(t, dir, "task", "list", "--status", "bogus")
	if exitCode(err) != exitBadArgs {
		t.Fatalf("unknown status filter should be a usage error, got %v", err)
	}
}

func TestCreateRejectsBlankDescription(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "create", "   ")
	if exitCode(err) != exitBadArgs {
		t.Fatalf("blank description should be a usage error, got %v", err)
	}
}

func TestCreateRejectsUnknownPriority(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "create", "ship it", "-p", "urgent", "--no-run")
	if exitCode(err) != exitBadArgs {
		t.Fatalf("unknown priority should be a usage error, got %v", err)
	}
}

func TestCreateScheduleRegistersTemplate(t *testing.T) {
	dir := t.TempDir()
	out := mustRunCLI(t, dir, "create", "nightly dependency audit", "--schedule", "0 3 * * *")
	if !strings.Contains(out, "template") || !strings.Contains(out, "registered") {
		t.Fatalf("schedule create output = %q", out)
	}

	out = mustRunCLI(t, dir, "task", "list")
	if !strings.Contains(out, "(cron 0 3 * * *)") {
		t.Fatalf("list should mark the template's cron, got:\n%s", out)
	}

	_, tasks, _ := openStores(t, dir)
	all, err := tasks.List()
	if err != nil || len(all) != 1 {
		t.Fatalf("want one stored template, got %d (%v)", len(all), err)
	}
	if all[0].ScheduleCron != "0 3 * * *" {
		t.Fatalf("template cron = %q", all[0].ScheduleCron)
	}
}

func TestGetUnknownTaskExitsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "task", "get", "task-does-not-exist")
	if exitCode(err) != exitNotFound {
		t.Fatalf("unknown task should map to the not-found exit code, got %v", err)
	}
}

func TestGetJSONDetail(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "rework the importer", "--title", "Importer rework", "--assignee", "architect")

	out := mustRunCLI(t, dir, "task", "get", id, "--json")
	var detail struct {
		ID       string      `json:"id"`
		Title    string      `json:"title"`
		Status   task.Status `json:"status"`
		Assignee string      `json:"assignee"`
	}
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("get --json produced invalid JSON: %v\n%s", err, out)
	}
	if detail.ID != id || detail.Title != "Importer rework" || detail.Status != task.StatusPending || detail.Assignee != "architect" {
		t.Fatalf("get --json = %+v", detail)
	}

	out = mustRunCLI(t, dir, "task", "get", id)
	for _, want := range []string{"Importer rework", id, "pending", "architect"} {
		if !strings.Contains(out, want) {
			t.Fatalf("get output missing %q:\n%s", want, out)
		}
	}
}

func TestStopCancelsAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "abandon this experiment")

	out := mustRunCLI(t, dir, "task", "stop", id)
	if !strings.Contains(out, "cancelled") {
		t.Fatalf("stop output = %q", out)
	}
	_, tasks, _ := openStores(t, dir)
	got, err := tasks.Get(id)
	if err != nil || got.Status != task.StatusCancelled {
		t.Fatalf("task after stop = %v (%v), want cancelled", got.Status, err)
	}

	out = mustRunCLI(t, dir, "task", "stop", id)
	if !strings.Contains(out, "already cancelled") {
		t.Fatalf("second stop output = %q", out)
	}
}

func TestPauseRequiresRunnableState(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "not yet started")

	_, err := runCLI(t, dir, "task", "pause", id)
	if err == nil {
		t.Fatalf("pausing a pending task should fail")
	}
	if exitCode(err) != exitFailure {
		t.Fatalf("invalid transition should be a plain failure, got %v", err)
	}
}

func TestPauseRecordsReason(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "migrate the database")
	_, tasks, _ := openStores(t, dir)
	if _, err := tasks.Transition(id, task.StatusDeveloping); err != nil {
		t.Fatalf("transition to developing: %v", err)
	}

	out := mustRunCLI(t, dir, "task", "pause", id, "--reason", "waiting for credentials")
	if !strings.Contains(out, "paused") {
		t.Fatalf("pause output = %q", out)
	}
	got, err := tasks.Get(id)
	if err != nil {
		t.Fatalf("get after pause: %v", err)
	}
	if got.Status != task.StatusPaused || got.Metadata["pauseReason"] != "waiting for credentials" {
		t.Fatalf("paused task = status %v metadata %v", got.Status, got.Metadata)
	}

	out = mustRunCLI(t, dir, "task", "get", id)
	if !strings.Contains(out, "waiting for credentials") {
		t.Fatalf("get should surface the pause reason:\n%s", out)
	}
}

func TestResumePausedWithLiveRunner(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "long running refactor")
	_, tasks, _ := openStores(t, dir)
	if _, err := tasks.Transition(id, task.StatusDeveloping); err != nil {
		t.Fatalf("transition to developing: %v", err)
	}
	if _, err := tasks.Transition(id, task.StatusPaused); err != nil {
		t.Fatalf("transition to paused: %v", err)
	}
	markRunnerAlive(t, dir, id)

	out := mustRunCLI(t, dir, "task", "resume", id)
	if !strings.Contains(out, "resumed") || !strings.Contains(out, "picks the work back up") {
		t.Fatalf("resume output = %q", out)
	}
	got, err := tasks.Get(id)
	if err != nil || got.Status != task.StatusDeveloping {
		t.Fatalf("task after resume = %v (%v), want developing", got.Status, err)
	}
}

func TestResumeWithActiveRunnerIsNoop(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "already being handled")
	markRunnerAlive(t, dir, id)

	out := mustRunCLI(t, dir, "task", "resume", id)
	if !strings.Contains(out, "runner already active") {
		t.Fatalf("resume output = %q", out)
	}
	_, tasks, _ := openStores(t, dir)
	got, _ := tasks.Get(id)
	if got.Status != task.StatusPending {
		t.Fatalf("noop resume should not change status, got %v", got.Status)
	}
}

func TestResumeTerminalTaskFails(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "already finished")
	_, tasks, _ := openStores(t, dir)
	if _, err := tasks.Transition(id, task.StatusCancelled); err != nil {
		t.Fatalf("transition to cancelled: %v", err)
	}

	_, err := runCLI(t, dir, "task", "resume", id)
	if err == nil || !strings.Contains(err.Error(), "already cancelled") {
		t.Fatalf("resume of a terminal task = %v", err)
	}
}

func TestLogsBeforeAnyOutput(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "quiet so far")

	out := mustRunCLI(t, dir, "task", "logs", id)
	if !strings.Contains(out, "(no log lines yet)") {
		t.Fatalf("logs output = %q", out)
	}
}

func TestLogsPrintsExecutionLog(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "observable work")
	files, _, _ := openStores(t, dir)
	path := files.Layout().ExecutionLog(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}
	if err := os.WriteFile(path, []byte("planner: workflow ready\nengine: node n1 started\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out := mustRunCLI(t, dir, "task", "logs", id)
	if !strings.Contains(out, "planner: workflow ready") || !strings.Contains(out, "node n1 started") {
		t.Fatalf("logs output = %q", out)
	}
}

func TestApproveWithoutInstance(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "nothing gated yet")

	out := mustRunCLI(t, dir, "task", "approve", id)
	if !strings.Contains(out, "no workflow instance yet") {
		t.Fatalf("approve output = %q", out)
	}
}

// gateTask parks one approval job for a fresh task and returns the task and
// job ids.
func gateTask(t *testing.T, dir string) (string, string) {
	t.Helper()
	id := createTask(t, dir, "risky deploy step")
	files, _, q := openStores(t, dir)

	inst := &workflow.Instance{
		ID:         "inst-gate-test",
		WorkflowID: "wf-gate-test",
		Status:     workflow.InstanceRunning,
		NodeStates: map[string]*workflow.NodeState{},
	}
	if err := files.WriteJSON(files.Layout().InstanceFile(id), inst); err != nil {
		t.Fatalf("write instance: %v", err)
	}
	ctx := context.Background()
	job, err := q.Enqueue(ctx, queue.Spec{
		TaskID:     id,
		WorkflowID: inst.WorkflowID,
		InstanceID: inst.ID,
		NodeID:     "release-gate",
	}, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkHumanWaiting(ctx, job.ID); err != nil {
		t.Fatalf("mark human waiting: %v", err)
	}
	return id, job.ID
}

func TestApproveNonInteractiveNeedsYes(t *testing.T) {
	dir := t.TempDir()
	id, _ := gateTask(t, dir)

	_, err := runCLI(t, dir, "task", "approve", id)
	if exitCode(err) != exitBadArgs {
		t.Fatalf("approve without a terminal or --yes should be a usage error, got %v", err)
	}
}

func TestApproveYesReleasesGate(t *testing.T) {
	dir := t.TempDir()
	id, jobID := gateTask(t, dir)

	out := mustRunCLI(t, dir, "task", "approve", id, "--yes")
	if !strings.Contains(out, "release-gate") {
		t.Fatalf("approve should name the gated node, got:\n%s", out)
	}
	if !strings.Contains(out, "released 1 job(s)") {
		t.Fatalf("approve output = %q", out)
	}
	if !strings.Contains(out, "no live runner") {
		t.Fatalf("approve should point at resume when no runner is alive:\n%s", out)
	}

	_, _, q := openStores(t, dir)
	job, ok := q.Get(jobID)
	if !ok || job.Status != queue.StatusWaiting {
		t.Fatalf("gated job after approve = %+v, want waiting", job)
	}
}

func TestApproveWithNothingGated(t *testing.T) {
	dir := t.TempDir()
	id := createTask(t, dir, "instance but no gate")
	files, _, _ := openStores(t, dir)
	inst := &workflow.Instance{ID: "inst-idle", WorkflowID: "wf-idle", Status: workflow.InstanceRunning}
	if err := files.WriteJSON(files.Layout().InstanceFile(id), inst); err != nil {
		t.Fatalf("write instance: %v", err)
	}

	out := mustRunCLI(t, dir, "task", "approve", id)
	if !strings.Contains(out, "nothing waiting for approval") {
		t.Fatalf("approve output = %q", out)
	}
}

func TestMemoryAddSearchCleanup(t *testing.T) {
	dir := t.TempDir()

	out := mustRunCLI(t, dir, "memory", "add", "prefer table driven tests for parser code",
		"--category", "preference", "--keywords", "parser,tests")
	if !strings.Contains(out, "remembered") || !strings.Contains(out, "preference") {
		t.Fatalf("memory add output = %q", out)
	}

	out = mustRunCLI(t, dir, "memory", "list")
	if !strings.Contains(out, "prefer table driven tests") {
		t.Fatalf("memory list output = %q", out)
	}

	out = mustRunCLI(t, dir, "memory", "search", "parser", "tests")
	if !strings.Contains(out, "prefer table driven tests") {
		t.Fatalf("memory search output = %q", out)
	}

	out = mustRunCLI(t, dir, "memory", "cleanup")
	if !strings.Contains(out, "scanned 1") {
		t.Fatalf("memory cleanup output = %q", out)
	}
}

func TestConfigShowsProvenance(t *testing.T) {
	dir := t.TempDir()
	out := mustRunCLI(t, dir, "config")
	if !strings.Contains(out, "# config file:") {
		t.Fatalf("config output should name the config file:\n%s", out)
	}
	if !strings.Contains(out, "data_dir:") || !strings.Contains(out, "backend:") {
		t.Fatalf("config output should render the effective YAML:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	dir := t.TempDir()
	out := mustRunCLI(t, dir, "version")
	if strings.TrimSpace(out) != "steward "+Version {
		t.Fatalf("version output = %q", out)
	}
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "task", "list", "--definitely-not-a-flag")
	if exitCode(err) != exitBadArgs {
		t.Fatalf("unknown flag should be a usage error, got %v", err)
	}
}

func TestMissingArgumentIsUsageError(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "task", "get")
	if exitCode(err) != exitBadArgs {
		t.Fatalf("missing argument should be a usage error, got %v", err)
	}
}
