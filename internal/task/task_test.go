package task

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/logging"
	"steward/internal/store"
)

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusPlanning},
		{StatusPlanning, StatusDeveloping},
		{StatusDeveloping, StatusPaused},
		{StatusPaused, StatusDeveloping},
		{StatusDeveloping, StatusWaiting},
		{StatusWaiting, StatusDeveloping},
		{StatusDeveloping, StatusReviewing},
		{StatusReviewing, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusPlanning, StatusCancelled},
		{StatusPaused, StatusCancelled},
		{StatusWaiting, StatusFailed},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s → %s should be allowed", tc.from, tc.to)
	}

	forbidden := []struct{ from, to Status }{
		{StatusPending, StatusReviewing},
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusDeveloping},
		{StatusFailed, StatusPlanning},
		{StatusCancelled, StatusFailed},
		{StatusDeveloping, StatusDeveloping},
		{StatusPlanning, StatusPaused},
	}
	for _, tc := range forbidden {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s → %s should be forbidden", tc.from, tc.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal())
	}
	for _, s := range []Status{StatusPending, StatusPlanning, StatusDeveloping, StatusReviewing, StatusPaused, StatusWaiting} {
		assert.False(t, s.IsTerminal())
	}
}

func TestPriorityWeights(t *testing.T) {
	assert.Greater(t, PriorityHigh.Weight(), PriorityMedium.Weight())
	assert.Greater(t, PriorityMedium.Weight(), PriorityLow.Weight())

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func newTestTaskStore(t *testing.T) *Store {
	t.Helper()
	files, err := store.New(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	return NewStore(files, logging.Nop())
}

func TestStoreRoundTripAndNotFound(t *testing.T) {
	s := newTestTaskStore(t)

	created := New("task-1", "fix flaky test", "make TestFoo stable", PriorityHigh)
	require.NoError(t, s.Save(created))

	got, err := s.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, StatusPending, got.Status)

	_, err = s.Get("task-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionValidatesAndPersists(t *testing.T) {
	s := newTestTaskStore(t)
	require.NoError(t, s.Save(New("task-2", "t", "d", PriorityMedium)))

	_, err := s.Transition("task-2", StatusPlanning)
	require.NoError(t, err)
	got, err := s.Transition("task-2", StatusDeveloping)
	require.NoError(t, err)
	assert.Equal(t, StatusDeveloping, got.Status)

	_, err = s.Transition("task-2", StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The failed transition must not have been persisted.
	reloaded, err := s.Get("task-2")
	require.NoError(t, err)
	assert.Equal(t, StatusDeveloping, reloaded.Status)
}

func TestTransitionOptions(t *testing.T) {
	s := newTestTaskStore(t)
	tk := New("task-3", "t", "d", PriorityMedium)
	tk.Status = StatusReviewing
	require.NoError(t, s.Save(tk))

	got, err := s.Transition("task-3", StatusCompleted, WithOutput("all done"), WithMetadata("runs", "1"))
	require.NoError(t, err)
	assert.Equal(t, "all done", got.Output)
	assert.Equal(t, "1", got.Metadata["runs"])
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestListSortsNewestFirst(t *testing.T) {
	s := newTestTaskStore(t)
	older := New("task-a", "first", "d", PriorityLow)
	older.CreatedAt = older.CreatedAt.Add(-1000)
	require.NoError(t, s.Save(older))
	require.NoError(t, s.Save(New("task-b", "second", "d", PriorityLow)))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "task-b", list[0].ID)
}

func TestProcessRecordLifecycle(t *testing.T) {
	s := newTestTaskStore(t)

	_, ok := s.GetProcess("task-p")
	assert.False(t, ok)

	rec := &ProcessRecord{PID: os.Getpid(), Status: ProcessRunning}
	require.NoError(t, s.SaveProcess("task-p", rec))

	got, ok := s.GetProcess("task-p")
	require.True(t, ok)
	assert.True(t, got.Alive(), "our own pid must probe as alive")

	require.NoError(t, s.MarkProcessStopped("task-p", "done"))
	got, ok = s.GetProcess("task-p")
	require.True(t, ok)
	assert.False(t, got.Alive())
	assert.Equal(t, "done", got.Error)

	dead := &ProcessRecord{PID: 99999999, Status: ProcessRunning}
	assert.False(t, dead.Alive())
}
