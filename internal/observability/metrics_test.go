package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/events"
	"steward/internal/logging"
)

func TestMetricsFollowBusEvents(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	m := NewMetrics(logging.Nop())
	off := m.Bind(bus)

	bus.Emit(events.NodeCompleted, events.NodePayload{
		NodeType:   "task",
		DurationMs: 1500,
		CostUSD:    0.25,
	})
	bus.Emit(events.NodeCompleted, events.NodePayload{NodeType: "task", DurationMs: 300})
	bus.Emit(events.NodeFailed, events.NodePayload{NodeType: "task"})
	bus.Emit(events.NodeSkipped, events.NodePayload{NodeType: "condition"})
	bus.Emit(events.WorkflowCompleted, events.WorkflowPayload{Status: "completed"})
	bus.Emit(events.TaskCompleted, events.TaskPayload{TaskID: "task-1", Status: "completed"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.nodesTotal.WithLabelValues("task", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodesTotal.WithLabelValues("task", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodesTotal.WithLabelValues("condition", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflowsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("completed")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.backendCost), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(m.nodeDuration))

	off()
	bus.Emit(events.TaskCompleted, events.TaskPayload{TaskID: "task-2", Status: "failed"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("failed")))
}

func TestMetricsScrape(t *testing.T) {
	m := NewMetrics(logging.Nop())
	m.SetQueueDepth("waiting", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `steward_queue_jobs{status="waiting"} 3`)
}

func TestTracerDisabledIsNoop(t *testing.T) {
	tr, err := NewTracer(context.Background(), config.TracingConfig{})
	require.NoError(t, err)

	ctx, span := tr.Start(context.Background(), SpanTaskRun)
	require.NotNil(t, ctx)
	assert.False(t, span.IsRecording())
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestTracerEnabledBuildsPipeline(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:    true,
		Endpoint:   "localhost:14318",
		Insecure:   true,
		SampleRate: 0.5,
	}
	tr, err := NewTracer(context.Background(), cfg)
	require.NoError(t, err)

	_, span := tr.Start(context.Background(), SpanTaskRun)
	span.End()

	// No collector is listening; shutdown may surface the export failure
	// but must return promptly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tr.Shutdown(ctx)
}
