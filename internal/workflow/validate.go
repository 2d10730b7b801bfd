package workflow

import (
	"fmt"
	"strings"
	"time"

	"steward/internal/workflow/expr"
)

// Validate checks the structural rules an authored workflow must satisfy
// before an instance can run: exactly one start and one end, edges that
// reference real nodes, conditions that compile, complete per-type node
// configuration, and a graph where every node is reachable from start.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}

	ids := make(map[string]bool, len(w.Nodes))
	starts, ends := 0, 0
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node at position %d has no id", i)
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
		if !n.Type.IsValid() {
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
		switch n.Type {
		case NodeStart:
			starts++
		case NodeEnd:
			ends++
		}
		if err := n.validateConfig(); err != nil {
			return err
		}
	}
	if starts != 1 {
		return fmt.Errorf("workflow needs exactly one start node, found %d", starts)
	}
	if ends != 1 {
		return fmt.Errorf("workflow needs exactly one end node, found %d", ends)
	}

	for _, e := range w.Edges {
		if !ids[e.From] {
			return fmt.Errorf("edge %s -> %s references unknown source node", e.From, e.To)
		}
		if !ids[e.To] {
			return fmt.Errorf("edge %s -> %s references unknown target node", e.From, e.To)
		}
		if e.MaxLoops < 0 {
			return fmt.Errorf("edge %s -> %s has negative maxLoops", e.From, e.To)
		}
		if strings.TrimSpace(e.Condition) != "" {
			if _, err := expr.Compile(e.Condition); err != nil {
				return fmt.Errorf("edge %s -> %s condition: %w", e.From, e.To, err)
			}
		}
	}

	// Switch arms must land on real nodes, over real edges, or the chosen
	// branch could never activate.
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.Type != NodeSwitch {
			continue
		}
		for _, c := range n.Cases {
			if !ids[c.Target] {
				return fmt.Errorf("switch node %q case targets unknown node %q", n.ID, c.Target)
			}
			if !w.hasEdge(n.ID, c.Target) {
				return fmt.Errorf("switch node %q has no edge to case target %q", n.ID, c.Target)
			}
		}
	}

	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.Type == NodeEnd {
			continue
		}
		if len(w.Outgoing(n.ID)) == 0 {
			return fmt.Errorf("node %q has no outgoing edge", n.ID)
		}
	}

	start := w.StartNode()
	reachable := w.reachableFrom(start)
	for i := range w.Nodes {
		id := w.Nodes[i].ID
		if !reachable[id] {
			return fmt.Errorf("node %q is unreachable from start", id)
		}
	}
	return nil
}

func (w *Workflow) hasEdge(from, to string) bool {
	for _, e := range w.Edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

func (w *Workflow) reachableFrom(start string) map[string]bool {
	seen := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, e := range w.Outgoing(id) {
			if !seen[e.To] {
				seen[e.To] = true
				frontier = append(frontier, e.To)
			}
		}
	}
	return seen
}

// validateConfig checks the type-specific fields a node must carry.
func (n *Node) validateConfig() error {
	switch n.Type {
	case NodeTask:
		if strings.TrimSpace(n.Prompt) == "" {
			return fmt.Errorf("task node %q needs a prompt", n.ID)
		}
	case NodeDelay:
		if n.DelayMs <= 0 {
			return fmt.Errorf("delay node %q needs delayMs > 0", n.ID)
		}
	case NodeSchedule:
		if n.At == "" {
			return fmt.Errorf("schedule node %q needs an at timestamp", n.ID)
		}
		if _, err := time.Parse(time.RFC3339, n.At); err != nil {
			return fmt.Errorf("schedule node %q at timestamp: %w", n.ID, err)
		}
	case NodeSwitch:
		if len(n.Cases) == 0 {
			return fmt.Errorf("switch node %q has no cases", n.ID)
		}
		for _, c := range n.Cases {
			if c.Target == "" {
				return fmt.Errorf("switch node %q has a case without a target", n.ID)
			}
			if strings.TrimSpace(c.When) != "" {
				if _, err := expr.Compile(c.When); err != nil {
					return fmt.Errorf("switch node %q case condition: %w", n.ID, err)
				}
			}
		}
	case NodeAssign:
		if len(n.Assign) == 0 {
			return fmt.Errorf("assign node %q has no assignments", n.ID)
		}
		for name, src := range n.Assign {
			if name == "" {
				return fmt.Errorf("assign node %q has an assignment without a variable name", n.ID)
			}
			if _, err := expr.Compile(src); err != nil {
				return fmt.Errorf("assign node %q expression for %q: %w", n.ID, name, err)
			}
		}
	case NodeScript:
		if strings.TrimSpace(n.Expression) == "" {
			return fmt.Errorf("script node %q needs an expression", n.ID)
		}
		if _, err := expr.Compile(n.Expression); err != nil {
			return fmt.Errorf("script node %q expression: %w", n.ID, err)
		}
	case NodeLoop:
		if strings.TrimSpace(n.Condition) == "" && n.MaxIterations <= 0 {
			return fmt.Errorf("loop node %q needs a condition or maxIterations", n.ID)
		}
		if strings.TrimSpace(n.Condition) != "" {
			if _, err := expr.Compile(n.Condition); err != nil {
				return fmt.Errorf("loop node %q condition: %w", n.ID, err)
			}
		}
	case NodeForeach:
		if strings.TrimSpace(n.Items) == "" {
			return fmt.Errorf("foreach node %q needs an items expression", n.ID)
		}
		if _, err := expr.Compile(n.Items); err != nil {
			return fmt.Errorf("foreach node %q items expression: %w", n.ID, err)
		}
		if n.ItemVar == "" {
			return fmt.Errorf("foreach node %q needs an itemVar", n.ID)
		}
		switch n.Mode {
		case "", "sequential", "parallel":
		default:
			return fmt.Errorf("foreach node %q has unknown mode %q", n.ID, n.Mode)
		}
	}
	return nil
}
