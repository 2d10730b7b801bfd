package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/logging"
	"steward/internal/store"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(logging.Nop())
	var order []string

	bus.On("ping", func(Event) error { order = append(order, "first"); return nil })
	bus.On("ping", func(Event) error { order = append(order, "second"); return nil })
	bus.On("other", func(Event) error { order = append(order, "never"); return nil })

	bus.Emit("ping", nil)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBusIsolatesFailingHandlers(t *testing.T) {
	bus := NewBus(logging.Nop())
	reached := false

	bus.On("ping", func(Event) error { return errors.New("boom") })
	bus.On("ping", func(Event) error { panic("worse") })
	bus.On("ping", func(Event) error { reached = true; return nil })

	err := bus.EmitSync("ping", nil)
	assert.Error(t, err, "EmitSync surfaces handler failures")
	assert.True(t, reached, "later handlers still run")

	// Emit swallows the same failures.
	reached = false
	bus.Emit("ping", nil)
	assert.True(t, reached)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(logging.Nop())
	calls := 0

	off := bus.On("ping", func(Event) error { calls++; return nil })
	bus.Emit("ping", nil)
	off()
	bus.Emit("ping", nil)

	assert.Equal(t, 1, calls)
}

func TestBusPayloadAndTime(t *testing.T) {
	bus := NewBus(logging.Nop())
	var got Event
	bus.On(NodeCompleted, func(ev Event) error { got = ev; return nil })

	bus.Emit(NodeCompleted, NodePayload{TaskID: "task-1", NodeID: "plan"})

	assert.Equal(t, NodeCompleted, got.Name)
	assert.WithinDuration(t, time.Now(), got.Time, time.Second)
	p, ok := got.Payload.(NodePayload)
	require.True(t, ok)
	assert.Equal(t, "plan", p.NodeID)
}

func newTestAggregator(t *testing.T) (*Aggregator, *Bus, *store.Store) {
	t.Helper()
	files, err := store.New(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	agg := NewAggregator(files, logging.Nop(), WithFlushInterval(10*time.Millisecond))
	bus := NewBus(logging.Nop())
	agg.Register(bus)
	return agg, bus, files
}

func TestAggregatorFoldsNodeEvents(t *testing.T) {
	agg, bus, _ := newTestAggregator(t)

	bus.Emit(WorkflowStarted, WorkflowPayload{TaskID: "task-1", InstanceID: "inst-1", TotalNodes: 4})
	bus.Emit(NodeStarted, NodePayload{TaskID: "task-1", InstanceID: "inst-1", NodeID: "plan", Attempts: 1})
	bus.Emit(NodeCompleted, NodePayload{TaskID: "task-1", InstanceID: "inst-1", NodeID: "plan", Attempts: 1, DurationMs: 1200, CostUSD: 0.03})
	bus.Emit(NodeSkipped, NodePayload{TaskID: "task-1", InstanceID: "inst-1", NodeID: "review"})
	bus.Emit(NodeStarted, NodePayload{TaskID: "task-1", InstanceID: "inst-1", NodeID: "build", Attempts: 1})

	stats, ok := agg.Snapshot("inst-1")
	require.True(t, ok)
	assert.Equal(t, "task-1", stats.TaskID)
	assert.Equal(t, 4, stats.TotalNodes)
	assert.Equal(t, 1, stats.Counts["done"])
	assert.Equal(t, 1, stats.Counts["skipped"])
	assert.Equal(t, 1, stats.Counts["running"])
	assert.Equal(t, 1, stats.Counts["pending"], "unseen nodes count as pending")
	assert.Equal(t, int64(1200), stats.TotalDurationMs)
	assert.InDelta(t, 0.03, stats.TotalCostUSD, 1e-9)
	assert.Equal(t, "done", stats.Nodes["plan"].Status)
}

func TestAggregatorDebouncedPersistence(t *testing.T) {
	agg, bus, files := newTestAggregator(t)
	path := files.Layout().StatsFile("task-1")

	bus.Emit(NodeCompleted, NodePayload{TaskID: "task-1", InstanceID: "inst-1", NodeID: "plan", DurationMs: 10})
	assert.False(t, files.Exists(path), "write is debounced, not immediate")

	require.Eventually(t, func() bool { return files.Exists(path) }, time.Second, 5*time.Millisecond)

	var persisted Stats
	require.True(t, files.ReadJSON(path, &persisted))
	assert.Equal(t, "inst-1", persisted.InstanceID)
	assert.Equal(t, "done", persisted.Nodes["plan"].Status)
	_ = agg
}

func TestAggregatorTerminalEventFlushesImmediately(t *testing.T) {
	agg, bus, files := newTestAggregator(t)
	path := files.Layout().StatsFile("task-1")

	bus.Emit(NodeFailed, NodePayload{TaskID: "task-1", InstanceID: "inst-1", NodeID: "plan", Error: "boom"})
	bus.Emit(WorkflowFailed, WorkflowPayload{TaskID: "task-1", InstanceID: "inst-1", Error: "node plan failed"})

	require.True(t, files.Exists(path), "terminal events bypass the debounce")
	var persisted Stats
	require.True(t, files.ReadJSON(path, &persisted))
	assert.Equal(t, "failed", persisted.Status)
	assert.Equal(t, "node plan failed", persisted.Error)
	assert.Equal(t, "failed", persisted.Nodes["plan"].Status)
	_ = agg
}

func TestAggregatorStopFlushes(t *testing.T) {
	agg, bus, files := newTestAggregator(t)
	path := files.Layout().StatsFile("task-9")

	bus.Emit(NodeCompleted, NodePayload{TaskID: "task-9", InstanceID: "inst-9", NodeID: "plan"})
	agg.Stop()

	assert.True(t, files.Exists(path))
}
