package events

import (
	"sync"
	"time"

	"steward/internal/logging"
	"steward/internal/store"
)

// NodeStat is the per-node slice of an instance's execution stats.
type NodeStat struct {
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Stats is the current execution picture of one workflow instance. It is
// rebuilt from node events on every run, never read back as authority.
type Stats struct {
	TaskID          string              `json:"taskId"`
	InstanceID      string              `json:"instanceId"`
	Status          string              `json:"status"`
	TotalNodes      int                 `json:"totalNodes"`
	Counts          map[string]int      `json:"counts"`
	Nodes           map[string]NodeStat `json:"nodes"`
	TotalDurationMs int64               `json:"totalDurationMs"`
	TotalCostUSD    float64             `json:"totalCostUsd"`
	StartedAt       time.Time           `json:"startedAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	Error           string              `json:"error,omitempty"`
}

func (s *Stats) recount() {
	counts := make(map[string]int)
	for _, n := range s.Nodes {
		counts[n.Status]++
	}
	seen := len(s.Nodes)
	if s.TotalNodes > seen {
		counts["pending"] += s.TotalNodes - seen
	}
	s.Counts = counts
}

const defaultFlushInterval = time.Second

// Aggregator folds node events into per-instance Stats and persists them to
// the task's stats.json, debounced so a burst of node events costs one
// write.
type Aggregator struct {
	files  *store.Store
	logger logging.Logger

	flushInterval time.Duration

	mu    sync.Mutex
	stats map[string]*Stats // instance id → stats
	dirty map[string]bool
	timer *time.Timer
}

// AggregatorOption tunes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithFlushInterval overrides the persistence debounce.
func WithFlushInterval(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.flushInterval = d }
}

// NewAggregator builds an aggregator persisting through the given store.
func NewAggregator(files *store.Store, logger logging.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		files:         files,
		logger:        logging.OrNop(logger),
		flushInterval: defaultFlushInterval,
		stats:         make(map[string]*Stats),
		dirty:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register subscribes the aggregator to every event it folds.
func (a *Aggregator) Register(bus *Bus) {
	bus.On(WorkflowStarted, a.onWorkflow)
	bus.On(WorkflowCompleted, a.onWorkflow)
	bus.On(WorkflowFailed, a.onWorkflow)
	bus.On(NodeStarted, a.onNode)
	bus.On(NodeCompleted, a.onNode)
	bus.On(NodeFailed, a.onNode)
	bus.On(NodeSkipped, a.onNode)
}

func (a *Aggregator) get(taskID, instanceID string) *Stats {
	st, ok := a.stats[instanceID]
	if !ok {
		st = &Stats{
			TaskID:     taskID,
			InstanceID: instanceID,
			Status:     "running",
			Nodes:      make(map[string]NodeStat),
			StartedAt:  time.Now(),
		}
		a.stats[instanceID] = st
	}
	if st.TaskID == "" {
		st.TaskID = taskID
	}
	return st
}

func (a *Aggregator) onWorkflow(ev Event) error {
	p, ok := ev.Payload.(WorkflowPayload)
	if !ok {
		return nil
	}
	a.mu.Lock()
	st := a.get(p.TaskID, p.InstanceID)
	if p.TotalNodes > 0 {
		st.TotalNodes = p.TotalNodes
	}
	st.Error = p.Error
	st.UpdatedAt = ev.Time

	switch ev.Name {
	case WorkflowStarted:
		st.Status = "running"
		st.StartedAt = ev.Time
		a.markDirtyLocked(p.InstanceID)
		a.mu.Unlock()
	case WorkflowCompleted:
		st.Status = "completed"
		a.mu.Unlock()
		a.Flush()
	case WorkflowFailed:
		st.Status = "failed"
		a.mu.Unlock()
		a.Flush()
	default:
		a.mu.Unlock()
	}
	return nil
}

func (a *Aggregator) onNode(ev Event) error {
	p, ok := ev.Payload.(NodePayload)
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.get(p.TaskID, p.InstanceID)
	node := st.Nodes[p.NodeID]
	node.Attempts = p.Attempts
	switch ev.Name {
	case NodeStarted:
		node.Status = "running"
	case NodeCompleted:
		node.Status = "done"
		node.DurationMs = p.DurationMs
		node.CostUSD = p.CostUSD
		st.TotalDurationMs += p.DurationMs
		st.TotalCostUSD += p.CostUSD
	case NodeFailed:
		node.Status = "failed"
		node.DurationMs = p.DurationMs
		node.Error = p.Error
	case NodeSkipped:
		node.Status = "skipped"
	}
	st.Nodes[p.NodeID] = node
	st.UpdatedAt = ev.Time
	a.markDirtyLocked(p.InstanceID)
	return nil
}

// markDirtyLocked schedules a debounced flush. Caller holds a.mu.
func (a *Aggregator) markDirtyLocked(instanceID string) {
	a.dirty[instanceID] = true
	if a.timer == nil {
		a.timer = time.AfterFunc(a.flushInterval, a.Flush)
	}
}

// Flush persists every dirty instance's stats immediately.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	pending := make([]*Stats, 0, len(a.dirty))
	for id := range a.dirty {
		if st, ok := a.stats[id]; ok {
			snapshot := cloneLocked(st)
			pending = append(pending, snapshot)
		}
	}
	a.dirty = make(map[string]bool)
	a.mu.Unlock()

	for _, st := range pending {
		if st.TaskID == "" {
			continue
		}
		path := a.files.Layout().StatsFile(st.TaskID)
		if err := a.files.WriteJSON(path, st); err != nil {
			a.logger.Warn("Stats: persist %s: %v", st.InstanceID, err)
		}
	}
}

// cloneLocked deep-copies stats so marshaling can happen outside the lock.
// Caller holds a.mu.
func cloneLocked(st *Stats) *Stats {
	st.recount()
	out := *st
	out.Nodes = make(map[string]NodeStat, len(st.Nodes))
	for k, v := range st.Nodes {
		out.Nodes[k] = v
	}
	out.Counts = make(map[string]int, len(st.Counts))
	for k, v := range st.Counts {
		out.Counts[k] = v
	}
	return &out
}

// Snapshot returns a copy of the current stats for one instance.
func (a *Aggregator) Snapshot(instanceID string) (Stats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.stats[instanceID]
	if !ok {
		return Stats{}, false
	}
	return *cloneLocked(st), true
}

// Stop flushes outstanding writes.
func (a *Aggregator) Stop() {
	a.Flush()
}
