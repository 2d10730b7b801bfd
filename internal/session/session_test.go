package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/logging"
	"steward/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(start time.Time) *testClock { return &testClock{now: start} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func managerOn(t *testing.T, files *store.Store, max, timeoutMinutes int, start time.Time) (*Manager, *testClock) {
	t.Helper()
	m := NewManager(files, config.SessionsConfig{Max: max, TimeoutMinutes: timeoutMinutes}, logging.Nop())
	clk := newClock(start)
	m.now = clk.Now
	t.Cleanup(m.Close)
	return m, clk
}

func newTestManager(t *testing.T, max, timeoutMinutes int) (*Manager, *store.Store, *testClock) {
	t.Helper()
	files, err := store.New(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	m, clk := managerOn(t, files, max, timeoutMinutes, time.Now())
	return m, files, clk
}

func TestSetSessionCountersFollowSessionID(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 60)

	s := m.SetSession("chat-1", "sess-a", "claude")
	require.Equal(t, "sess-a", s.SessionID)
	require.Equal(t, "claude", s.SessionBackendType)
	require.Zero(t, s.TurnCount)

	require.True(t, m.IncrementTurn("chat-1", 120, 80))
	require.True(t, m.IncrementTurn("chat-1", 10, 5))
	s, ok := m.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, 2, s.TurnCount)
	assert.Equal(t, 215, s.EstimatedTokens)

	// Refreshing with the same session id keeps the counters.
	s = m.SetSession("chat-1", "sess-a", "")
	assert.Equal(t, 2, s.TurnCount)
	assert.Equal(t, 215, s.EstimatedTokens)
	assert.Equal(t, "claude", s.SessionBackendType)

	// A new session id starts them over.
	s = m.SetSession("chat-1", "sess-b", "")
	assert.Zero(t, s.TurnCount)
	assert.Zero(t, s.EstimatedTokens)
	assert.Equal(t, "claude", s.SessionBackendType)
}

func TestOverridesSurviveSessionChange(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 60)

	s := m.SetModelOverride("chat-1", "opus")
	assert.Empty(t, s.SessionID)
	assert.Equal(t, "opus", s.ModelOverride)
	require.Equal(t, 1, m.Len())

	m.SetBackendOverride("chat-1", "gemini")
	s = m.SetSession("chat-1", "sess-a", "")
	assert.Equal(t, "opus", s.ModelOverride)
	assert.Equal(t, "gemini", s.BackendOverride)

	s = m.SetSession("chat-1", "sess-b", "")
	assert.Equal(t, "opus", s.ModelOverride)
	assert.Equal(t, "gemini", s.BackendOverride)

	s = m.SetModelOverride("chat-1", "")
	assert.Empty(t, s.ModelOverride)
	assert.Equal(t, "gemini", s.BackendOverride)
}

func TestIncrementTurnUnknownChat(t *testing.T) {
	m, files, _ := newTestManager(t, 10, 60)

	require.False(t, m.IncrementTurn("ghost", 10, 10))
	assert.Zero(t, m.Len())
	assert.False(t, files.Exists(files.Layout().SessionsFile()))
}

func TestPersistAndLoad(t *testing.T) {
	files, err := store.New(t.TempDir(), logging.Nop())
	require.NoError(t, err)

	m, _ := managerOn(t, files, 10, 60, time.Now())
	m.SetSession("chat-1", "sess-a", "claude")
	m.SetSession("chat-2", "sess-b", "")
	require.True(t, m.IncrementTurn("chat-1", 100, 50))

	restored, _ := managerOn(t, files, 10, 60, time.Now())
	require.Equal(t, 2, restored.Load())

	s, ok := restored.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "sess-a", s.SessionID)
	assert.Equal(t, 1, s.TurnCount)
	assert.Equal(t, 150, s.EstimatedTokens)

	require.True(t, restored.Remove("chat-2"))
	require.False(t, restored.Remove("chat-2"))

	again, _ := managerOn(t, files, 10, 60, time.Now())
	assert.Equal(t, 1, again.Load())
}

func TestLoadFiltersExpired(t *testing.T) {
	files, err := store.New(t.TempDir(), logging.Nop())
	require.NoError(t, err)

	// Stamp one chat three hours ago and one half an hour ago.
	m, clk := managerOn(t, files, 10, 60, time.Now().Add(-3*time.Hour))
	m.SetSession("old", "sess-old", "")
	clk.Advance(150 * time.Minute)
	m.SetSession("fresh", "sess-new", "")

	restored, _ := managerOn(t, files, 10, 60, time.Now())
	require.Equal(t, 1, restored.Load())
	_, ok := restored.Get("old")
	assert.False(t, ok)
	_, ok = restored.Get("fresh")
	assert.True(t, ok)
}

func TestEvictsLeastRecentChat(t *testing.T) {
	m, files, _ := newTestManager(t, 2, 60)

	m.SetSession("chat-1", "a", "")
	m.SetSession("chat-2", "b", "")
	m.SetSession("chat-3", "c", "")
	assert.Equal(t, 2, m.Len())
	_, ok := m.Get("chat-1")
	assert.False(t, ok)

	// Touching chat-2 protects it from the next eviction.
	_, ok = m.Get("chat-2")
	require.True(t, ok)
	m.SetSession("chat-4", "d", "")
	_, ok = m.Get("chat-3")
	assert.False(t, ok)
	_, ok = m.Get("chat-2")
	assert.True(t, ok)

	// The persisted map tracks evictions.
	restored, _ := managerOn(t, files, 2, 60, time.Now())
	assert.Equal(t, 2, restored.Load())
}

func TestExpiredChatPurgedOnRead(t *testing.T) {
	m, files, clk := newTestManager(t, 10, 60)

	m.SetSession("chat-1", "sess-a", "")
	clk.Advance(61 * time.Minute)
	_, ok := m.Get("chat-1")
	assert.False(t, ok)
	assert.Zero(t, m.Len())

	restored, _ := managerOn(t, files, 10, 60, time.Now())
	assert.Zero(t, restored.Load())
}

func TestSweepStopsWhenEmpty(t *testing.T) {
	m, _, clk := newTestManager(t, 10, 60)

	m.SetSession("chat-1", "a", "")
	m.SetSession("chat-2", "b", "")
	m.mu.Lock()
	armed := m.timer != nil
	m.mu.Unlock()
	require.True(t, armed)

	// Nothing expired yet: the sweep re-arms itself.
	clk.Advance(30 * time.Minute)
	m.sweep()
	assert.Equal(t, 2, m.Len())
	m.mu.Lock()
	armed = m.timer != nil
	m.mu.Unlock()
	assert.True(t, armed)

	// Once everything lapses the sweep empties the map and stands down.
	clk.Advance(90 * time.Minute)
	m.sweep()
	assert.Zero(t, m.Len())
	m.mu.Lock()
	armed = m.timer != nil
	m.mu.Unlock()
	assert.False(t, armed)
}

func TestEnqueueChatOrderAndIsolation(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 60)

	var orderMu sync.Mutex
	var order []string
	record := func(tag string) {
		orderMu.Lock()
		order = append(order, tag)
		orderMu.Unlock()
	}

	firstRunning := make(chan struct{})
	release := make(chan struct{})
	errA1 := make(chan error, 1)
	go func() {
		errA1 <- m.EnqueueChat("chat-a", func() error {
			close(firstRunning)
			<-release
			record("a1")
			return errors.New("boom")
		})
	}()
	<-firstRunning

	errA2 := make(chan error, 1)
	go func() {
		errA2 <- m.EnqueueChat("chat-a", func() error {
			record("a2")
			return nil
		})
	}()

	// Another chat is not held up by chat-a's stalled handler.
	require.NoError(t, m.EnqueueChat("chat-b", func() error {
		record("b")
		return nil
	}))
	orderMu.Lock()
	require.Equal(t, []string{"b"}, order)
	orderMu.Unlock()

	close(release)
	require.EqualError(t, <-errA1, "boom")
	require.NoError(t, <-errA2)

	orderMu.Lock()
	assert.Equal(t, []string{"b", "a1", "a2"}, order)
	orderMu.Unlock()

	// Idle lanes are dropped once their handlers drain.
	m.mu.Lock()
	assert.Empty(t, m.lanes)
	m.mu.Unlock()
}

func TestEnqueueChatContainsPanic(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 60)

	err := m.EnqueueChat("chat-a", func() error { panic("bad handler") })
	require.ErrorContains(t, err, "bad handler")
	require.NoError(t, m.EnqueueChat("chat-a", func() error { return nil }))
}

func TestIncrementTurnText(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 60)

	m.SetSession("chat-1", "sess-a", "")
	require.True(t, m.IncrementTurnText("chat-1", "please fix the build", "done, the build passes"))
	s, ok := m.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, 1, s.TurnCount)
	assert.Positive(t, s.EstimatedTokens)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))

	small := EstimateTokens("hello world")
	assert.GreaterOrEqual(t, small, 2)

	long := EstimateTokens(strings.Repeat("steward keeps long running work moving. ", 50))
	assert.Greater(t, long, small)
	assert.GreaterOrEqual(t, long, 200)
}

func TestEstimateFast(t *testing.T) {
	assert.Zero(t, estimateFast("   "))
	assert.Equal(t, 1, estimateFast("ok"))
	assert.Equal(t, 2, estimateFast("go test"))
	assert.Equal(t, 25, estimateFast(strings.Repeat("abcd", 25)))
}
