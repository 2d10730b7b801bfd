// Package observability exposes Prometheus metrics and OTLP tracing for the
// daemon and per-task runner processes. Metrics mirror the event bus so the
// engine and runner stay free of scrape concerns.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"steward/internal/events"
	"steward/internal/logging"
)

// Metrics owns a private registry so tests and embedded daemons can run
// several instances without colliding on metric names.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server
	logger   logging.Logger

	tasksTotal     *prometheus.CounterVec
	workflowsTotal *prometheus.CounterVec
	nodesTotal     *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	backendCost    prometheus.Counter
	queueJobs      *prometheus.GaugeVec
	taskStates     *prometheus.GaugeVec
}

// NewMetrics registers the steward metric set on a fresh registry.
func NewMetrics(logger logging.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		logger:   logging.OrNop(logger),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_tasks_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"status"}),
		workflowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_workflow_instances_total",
			Help: "Workflow instances that reached a terminal status.",
		}, []string{"status"}),
		nodesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_nodes_total",
			Help: "Node executions by node type and outcome.",
		}, []string{"type", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_node_duration_seconds",
			Help:    "Node execution time.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"type"}),
		backendCost: factory.NewCounter(prometheus.CounterOpts{
			Name: "steward_backend_cost_usd_total",
			Help: "Accumulated backend spend reported by node completions.",
		}),
		queueJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_queue_jobs",
			Help: "Jobs currently in the queue by status.",
		}, []string{"status"}),
		taskStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_tasks",
			Help: "Tasks currently in each lifecycle status.",
		}, []string{"status"}),
	}
}

// Bind subscribes the counters to the bus. Returns an unsubscribe function.
func (m *Metrics) Bind(bus *events.Bus) func() {
	node := func(status string) events.Handler {
		return func(ev events.Event) error {
			p, ok := ev.Payload.(events.NodePayload)
			if !ok {
				return nil
			}
			m.nodesTotal.WithLabelValues(p.NodeType, status).Inc()
			if p.DurationMs > 0 {
				m.nodeDuration.WithLabelValues(p.NodeType).Observe(float64(p.DurationMs) / 1000)
			}
			if p.CostUSD > 0 {
				m.backendCost.Add(p.CostUSD)
			}
			return nil
		}
	}
	workflow := func(ev events.Event) error {
		p, ok := ev.Payload.(events.WorkflowPayload)
		if !ok {
			return nil
		}
		status := p.Status
		if status == "" {
			status = "unknown"
		}
		m.workflowsTotal.WithLabelValues(status).Inc()
		return nil
	}
	offs := []func(){
		bus.On(events.NodeCompleted, node("completed")),
		bus.On(events.NodeFailed, node("failed")),
		bus.On(events.NodeSkipped, node("skipped")),
		bus.On(events.WorkflowCompleted, workflow),
		bus.On(events.WorkflowFailed, workflow),
		bus.On(events.TaskCompleted, func(ev events.Event) error {
			p, ok := ev.Payload.(events.TaskPayload)
			if !ok {
				return nil
			}
			m.tasksTotal.WithLabelValues(p.Status).Inc()
			return nil
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// SetQueueDepth records how many jobs sit in one queue status. The daemon
// janitor refreshes it every sweep.
func (m *Metrics) SetQueueDepth(status string, n int) {
	m.queueJobs.WithLabelValues(status).Set(float64(n))
}

// SetTaskStates replaces the task status gauge with a fresh census. Statuses
// absent from counts drop to zero so stale states do not linger.
func (m *Metrics) SetTaskStates(counts map[string]int) {
	m.taskStates.Reset()
	for status, n := range counts {
		m.taskStates.WithLabelValues(status).Set(float64(n))
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the /metrics listener. The bind happens synchronously so
// address conflicts surface to the caller; serving continues in the
// background until Shutdown.
func (m *Metrics) Serve(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{Handler: mux}
	go func() {
		m.logger.Info("metrics: listening on %s", ln.Addr())
		if serr := m.server.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			m.logger.Error("metrics: server stopped: %v", serr)
		}
	}()
	return nil
}

// Shutdown stops the metrics listener if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
