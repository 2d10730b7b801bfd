package workflow

import "time"

// InstanceStatus is the lifecycle state of one workflow execution.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the instance can never change state again.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the lifecycle state of one node within an instance.
type NodeStatus string

const (
	NodePending  NodeStatus = "pending"
	NodeReady    NodeStatus = "ready"
	NodeRunning  NodeStatus = "running"
	NodeWaiting  NodeStatus = "waiting"
	NodeDone     NodeStatus = "done"
	NodeFailed   NodeStatus = "failed"
	NodeSkipped  NodeStatus = "skipped"
)

// Resolved reports whether the node reached a state that satisfies readiness
// requirements of its successors.
func (s NodeStatus) Resolved() bool { return s == NodeDone || s == NodeSkipped }

// NodeState is the runtime record for one node. Attempts is the canonical
// retry counter; the queue job only carries a display copy.
type NodeState struct {
	Status      NodeStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
}

// Instance is the mutable runtime state of one workflow execution. It is
// persisted atomically after every node transition, so readers always see a
// consistent snapshot.
type Instance struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflowId"`
	Status     InstanceStatus        `json:"status"`
	NodeStates map[string]*NodeState `json:"nodeStates"`
	// Inputs is the frozen copy of the authored variables; Variables is the
	// mutable scope assign and script nodes write into.
	Inputs      map[string]any `json:"inputs,omitempty"`
	Variables   map[string]any `json:"variables"`
	Outputs     map[string]any `json:"outputs"`
	LoopCounts  map[string]int `json:"loopCounts"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	PausedAt    *time.Time            `json:"pausedAt,omitempty"`
	PauseReason string                `json:"pauseReason,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// NewInstance builds a pending instance covering every node of the workflow
// and seeded with a copy of the workflow variables.
func NewInstance(id string, wf *Workflow) *Instance {
	states := make(map[string]*NodeState, len(wf.Nodes))
	for _, n := range wf.Nodes {
		states[n.ID] = &NodeState{Status: NodePending}
	}
	vars := make(map[string]any, len(wf.Variables))
	inputs := make(map[string]any, len(wf.Variables))
	for k, v := range wf.Variables {
		vars[k] = v
		inputs[k] = v
	}
	return &Instance{
		ID:         id,
		WorkflowID: wf.ID,
		Status:     InstancePending,
		NodeStates: states,
		Inputs:     inputs,
		Variables:  vars,
		Outputs:    make(map[string]any),
		LoopCounts: make(map[string]int),
	}
}

// State returns the node state, creating a pending record when absent so
// instances survive workflow edits that add nodes.
func (in *Instance) State(nodeID string) *NodeState {
	st, ok := in.NodeStates[nodeID]
	if !ok {
		st = &NodeState{Status: NodePending}
		in.NodeStates[nodeID] = st
	}
	return st
}

// ActiveNodes returns ids of nodes currently running.
func (in *Instance) ActiveNodes() []string {
	var active []string
	for id, st := range in.NodeStates {
		if st.Status == NodeRunning {
			active = append(active, id)
		}
	}
	return active
}

// CountByStatus tallies node states for progress reporting.
func (in *Instance) CountByStatus() map[NodeStatus]int {
	counts := make(map[NodeStatus]int)
	for _, st := range in.NodeStates {
		counts[st.Status]++
	}
	return counts
}

// Scope builds the expression scope visible to edge conditions and script,
// assign, switch and loop nodes. Node states are flattened to plain maps so
// the evaluator works on JSON-shaped data only.
func (in *Instance) Scope() map[string]any {
	states := make(map[string]any, len(in.NodeStates))
	for id, st := range in.NodeStates {
		states[id] = map[string]any{
			"status":   string(st.Status),
			"attempts": st.Attempts,
			"error":    st.Error,
		}
	}
	loops := make(map[string]any, len(in.LoopCounts))
	for id, n := range in.LoopCounts {
		loops[id] = n
	}
	return map[string]any{
		"outputs":    in.Outputs,
		"variables":  in.Variables,
		"loopCount":  loops,
		"nodeStates": states,
		"inputs":     in.Inputs,
	}
}
