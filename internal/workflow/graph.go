package workflow

import (
	"strings"

	"steward/internal/workflow/expr"
)

// Progress reports the outcome of advancing an instance through the graph:
// nodes that became eligible for execution and nodes pruned because every
// path into them is closed.
type Progress struct {
	Ready   []string
	Skipped []string
}

// edgeFate classifies whether an edge can currently activate its target.
type edgeFate int

const (
	// edgeUndecided: the source has not resolved yet, or a loop head may
	// still route this way later.
	edgeUndecided edgeFate = iota
	// edgeOpen: the source is done and the edge's routing rule holds.
	edgeOpen
	// edgeClosed: the edge will never fire (skipped source, falsy
	// condition, untaken switch arm, wrong loop branch).
	edgeClosed
)

// Advance applies the graph consequences of nodeID resolving: loop bodies
// are rewound for the next iteration, back-edges reactivate their loop head
// up to the MaxLoops ceiling, dead branches are pruned, and every node whose
// dependencies are now satisfied is reported ready.
func (w *Workflow) Advance(inst *Instance, nodeID string) Progress {
	if node, ok := w.Node(nodeID); ok {
		switch node.Type {
		case NodeLoop, NodeForeach:
			if cont, decided := w.iteratorContinues(inst, nodeID); decided && cont {
				w.resetNodes(inst, w.LoopBody(nodeID))
			}
		}
	}
	for _, e := range w.Outgoing(nodeID) {
		if !e.IsLoopBack() {
			continue
		}
		if inst.LoopCounts[e.To] >= e.MaxLoops {
			// Ceiling reached. Pin the head's routing decision to the
			// exit branch instead of rewinding it.
			w.forceIteratorExit(inst, e.To)
			continue
		}
		w.resetNodes(inst, []string{e.To})
	}
	return w.Recompute(inst)
}

// Recompute prunes dead branches and returns every pending node whose
// dependencies are satisfied. Used after node completion and when a resumed
// runner rebuilds its queue from a reloaded instance.
func (w *Workflow) Recompute(inst *Instance) Progress {
	skipped := w.propagateSkips(inst)
	return Progress{Ready: w.ReadyNodes(inst), Skipped: skipped}
}

// ReadyNodes returns pending nodes whose dependencies allow activation, in
// declaration order. A node is ready when no incoming non-back edge is still
// undecided and at least one incoming edge is open. It does not mutate the
// instance.
func (w *Workflow) ReadyNodes(inst *Instance) []string {
	var ready []string
	for i := range w.Nodes {
		id := w.Nodes[i].ID
		if inst.State(id).Status != NodePending {
			continue
		}
		if w.nodeReady(inst, id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (w *Workflow) nodeReady(inst *Instance, id string) bool {
	incoming := w.Incoming(id)
	if len(incoming) == 0 {
		// Only the start node legitimately has no incoming edges.
		return true
	}
	open := false
	for _, e := range incoming {
		if e.IsLoopBack() {
			continue
		}
		switch w.edgeFate(e, inst) {
		case edgeUndecided:
			return false
		case edgeOpen:
			open = true
		}
	}
	return open
}

// propagateSkips marks pending nodes whose every incoming non-back edge is
// closed, iterating until the pruning reaches a fixpoint so whole dead
// branches collapse in one pass.
func (w *Workflow) propagateSkips(inst *Instance) []string {
	var skipped []string
	for {
		changed := false
		for i := range w.Nodes {
			id := w.Nodes[i].ID
			// The end node is never skipped: losing every path to it is a
			// stuck workflow, not a pruned branch.
			if w.Nodes[i].Type == NodeEnd {
				continue
			}
			st := inst.State(id)
			if st.Status != NodePending {
				continue
			}
			incoming := w.Incoming(id)
			if len(incoming) == 0 {
				continue
			}
			dead := true
			for _, e := range incoming {
				if e.IsLoopBack() {
					continue
				}
				if w.edgeFate(e, inst) != edgeClosed {
					dead = false
					break
				}
			}
			if !dead {
				continue
			}
			st.Status = NodeSkipped
			skipped = append(skipped, id)
			changed = true
		}
		if !changed {
			return skipped
		}
	}
}

// edgeFate decides whether an edge can activate its target right now,
// never, or not yet. Routing rules depend on the source node type: loop and
// foreach heads route by their shouldContinue output, switch heads by their
// chosen target, everything else by the edge condition alone.
func (w *Workflow) edgeFate(e Edge, inst *Instance) edgeFate {
	src := inst.State(e.From)
	switch src.Status {
	case NodeDone:
	case NodeSkipped:
		return edgeClosed
	default:
		return edgeUndecided
	}

	if node, ok := w.Node(e.From); ok {
		switch node.Type {
		case NodeLoop, NodeForeach:
			cont, decided := w.iteratorContinues(inst, e.From)
			if !decided {
				return edgeUndecided
			}
			body := w.isBodyEdge(e)
			if cont {
				if body {
					return edgeOpen
				}
				// The exit branch stays open for a later iteration.
				return edgeUndecided
			}
			if body {
				return edgeClosed
			}
		case NodeSwitch:
			target := w.switchTarget(inst, e.From)
			if target == "" || e.To != target {
				return edgeClosed
			}
		}
	}

	if e.Condition == "" {
		return edgeOpen
	}
	if evalCondition(e.Condition, inst.Scope(), w.IterationLocals(inst, e.From)) {
		return edgeOpen
	}
	return edgeClosed
}

// iteratorContinues reads the shouldContinue decision a loop or foreach
// node recorded in its output. decided is false until the head has executed.
func (w *Workflow) iteratorContinues(inst *Instance, nodeID string) (cont, decided bool) {
	out, ok := inst.Outputs[nodeID].(map[string]any)
	if !ok {
		return false, false
	}
	v, ok := out["shouldContinue"]
	if !ok {
		return false, false
	}
	return expr.Truthy(v), true
}

// forceIteratorExit overrides a loop head's recorded decision so its exit
// edge opens even though the head itself asked for another iteration.
func (w *Workflow) forceIteratorExit(inst *Instance, nodeID string) {
	if out, ok := inst.Outputs[nodeID].(map[string]any); ok {
		out["shouldContinue"] = false
		return
	}
	inst.Outputs[nodeID] = map[string]any{"shouldContinue": false}
}

// switchTarget reads the arm a switch node selected, or empty when no case
// matched.
func (w *Workflow) switchTarget(inst *Instance, nodeID string) string {
	out, ok := inst.Outputs[nodeID].(map[string]any)
	if !ok {
		return ""
	}
	target, _ := out["targetNode"].(string)
	return target
}

// isBodyEdge reports whether a loop head's outgoing edge enters the loop
// body. An explicit body or exit label wins; otherwise an edge whose target
// can reach back to the head is the body edge.
func (w *Workflow) isBodyEdge(e Edge) bool {
	switch e.Label {
	case "body":
		return true
	case "exit":
		return false
	}
	return w.reaches(e.To, e.From)
}

// reaches reports whether to is reachable from from over any edges,
// back-edges included.
func (w *Workflow) reaches(from, to string) bool {
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == to {
			return true
		}
		for _, e := range w.Outgoing(id) {
			if !seen[e.To] {
				seen[e.To] = true
				frontier = append(frontier, e.To)
			}
		}
	}
	return false
}

// LoopBody returns the ids of all nodes inside a loop or foreach body, in
// declaration order. The body is everything reachable from the body edge
// without passing through the head again.
func (w *Workflow) LoopBody(loopID string) []string {
	var entry string
	for _, e := range w.Outgoing(loopID) {
		if !e.IsLoopBack() && w.isBodyEdge(e) {
			entry = e.To
			break
		}
	}
	if entry == "" {
		return nil
	}
	member := map[string]bool{entry: true}
	frontier := []string{entry}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, e := range w.Outgoing(id) {
			if e.To == loopID || member[e.To] {
				continue
			}
			member[e.To] = true
			frontier = append(frontier, e.To)
		}
	}
	var body []string
	for i := range w.Nodes {
		if member[w.Nodes[i].ID] {
			body = append(body, w.Nodes[i].ID)
		}
	}
	return body
}

// EnclosingIterator returns the innermost loop or foreach node whose body
// contains nodeID, or empty when the node is not inside any iteration.
func (w *Workflow) EnclosingIterator(nodeID string) string {
	best := ""
	bestSize := 0
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.Type != NodeLoop && n.Type != NodeForeach {
			continue
		}
		body := w.LoopBody(n.ID)
		inside := false
		for _, id := range body {
			if id == nodeID {
				inside = true
				break
			}
		}
		if !inside {
			continue
		}
		if best == "" || len(body) < bestSize {
			best = n.ID
			bestSize = len(body)
		}
	}
	return best
}

// IterationLocals builds the extra expression bindings visible to a node
// inside a loop or foreach body: item, index and total for foreach plus the
// authored itemVar and indexVar aliases, and the iteration count for loop.
func (w *Workflow) IterationLocals(inst *Instance, nodeID string) map[string]any {
	head := w.EnclosingIterator(nodeID)
	if head == "" {
		return nil
	}
	node, ok := w.Node(head)
	if !ok {
		return nil
	}
	locals := make(map[string]any)
	if node.Type == NodeLoop {
		locals["iteration"] = float64(inst.LoopCounts[head])
		return locals
	}
	out, _ := inst.Outputs[head].(map[string]any)
	locals["item"] = out["item"]
	locals["index"] = out["index"]
	locals["total"] = out["total"]
	if node.ItemVar != "" {
		locals[node.ItemVar] = out["item"]
	}
	if node.IndexVar != "" {
		locals[node.IndexVar] = out["index"]
	}
	return locals
}

// resetNodes rewinds nodes to a fresh pending state for the next loop
// iteration.
func (w *Workflow) resetNodes(inst *Instance, ids []string) {
	for _, id := range ids {
		inst.NodeStates[id] = &NodeState{Status: NodePending}
	}
}

// Stuck reports whether the instance can make no further progress: nothing
// ready, running, waiting or queued, and the end node unreached. A stuck
// instance is failed by its runner.
func (w *Workflow) Stuck(inst *Instance) bool {
	if inst.Status.IsTerminal() {
		return false
	}
	if end := w.EndNode(); end != "" && inst.State(end).Status.Resolved() {
		return false
	}
	for _, st := range inst.NodeStates {
		switch st.Status {
		case NodeReady, NodeRunning, NodeWaiting:
			return false
		}
	}
	return len(w.ReadyNodes(inst)) == 0
}

func evalCondition(cond string, scope map[string]any, locals map[string]any) bool {
	if strings.TrimSpace(cond) == "" {
		return true
	}
	compiled, err := expr.Compile(cond)
	if err != nil {
		return false
	}
	v, err := compiled.Eval(scope, locals)
	if err != nil {
		return false
	}
	return expr.Truthy(v)
}
