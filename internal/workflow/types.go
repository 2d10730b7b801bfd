// Package workflow defines the authored graph, its runtime instance, and the
// ready-node computation that drives the scheduler.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType discriminates node behavior. The set is closed; the engine
// dispatches exhaustively over it.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeTask      NodeType = "task"
	NodeParallel  NodeType = "parallel"
	NodeJoin      NodeType = "join"
	NodeCondition NodeType = "condition"
	NodeHuman     NodeType = "human"
	NodeDelay     NodeType = "delay"
	NodeSchedule  NodeType = "schedule"
	NodeSwitch    NodeType = "switch"
	NodeAssign    NodeType = "assign"
	NodeScript    NodeType = "script"
	NodeLoop      NodeType = "loop"
	NodeForeach   NodeType = "foreach"
)

// IsValid reports whether the node type is known.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeStart, NodeEnd, NodeTask, NodeParallel, NodeJoin, NodeCondition,
		NodeHuman, NodeDelay, NodeSchedule, NodeSwitch, NodeAssign, NodeScript,
		NodeLoop, NodeForeach:
		return true
	default:
		return false
	}
}

// SwitchCase is one arm of a switch node. An empty When marks the default arm.
type SwitchCase struct {
	When   string `json:"when,omitempty"`
	Target string `json:"target"`
}

// Node is one step of a workflow. Type-specific fields are flat with
// omitempty so authored JSON stays minimal; the Type tag decides which
// fields are meaningful.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Name string   `json:"name,omitempty"`

	// task
	Persona string `json:"persona,omitempty"`
	Prompt  string `json:"prompt,omitempty"`

	// human
	Message string `json:"message,omitempty"`

	// delay
	DelayMs int64 `json:"delayMs,omitempty"`

	// schedule
	At string `json:"at,omitempty"`

	// switch
	Cases []SwitchCase `json:"cases,omitempty"`

	// assign: variable name → expression
	Assign map[string]string `json:"assign,omitempty"`

	// script
	Expression string `json:"expression,omitempty"`
	OutputVar  string `json:"outputVar,omitempty"`

	// loop
	Condition     string `json:"condition,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`

	// foreach
	Items    string `json:"items,omitempty"`
	ItemVar  string `json:"itemVar,omitempty"`
	IndexVar string `json:"indexVar,omitempty"`
	Mode     string `json:"mode,omitempty"`

	// retry override for this node; zero means the worker default applies
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

// Edge is a directed connection between two nodes. MaxLoops > 0 marks a
// loop back-edge, which is excluded from readiness requirements and capped
// at MaxLoops traversals.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	MaxLoops  int    `json:"maxLoops,omitempty"`
	Label     string `json:"label,omitempty"`
}

// IsLoopBack reports whether the edge re-enters a loop head.
func (e Edge) IsLoopBack() bool { return e.MaxLoops > 0 }

// Workflow is the authored execution graph for one task.
type Workflow struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	Variables   map[string]any `json:"variables,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// StartNode returns the single start node id, or empty when absent.
func (w *Workflow) StartNode() string {
	for i := range w.Nodes {
		if w.Nodes[i].Type == NodeStart {
			return w.Nodes[i].ID
		}
	}
	return ""
}

// EndNode returns the single end node id, or empty when absent.
func (w *Workflow) EndNode() string {
	for i := range w.Nodes {
		if w.Nodes[i].Type == NodeEnd {
			return w.Nodes[i].ID
		}
	}
	return ""
}

// Outgoing returns all edges leaving the node.
func (w *Workflow) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns all edges entering the node.
func (w *Workflow) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range w.Edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// Parse decodes and validates an authored workflow document.
func Parse(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}
