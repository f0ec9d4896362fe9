// Package workflow implements the DAG validator and the scheduling loop
// that executes workflow runs.
package workflow

import (
	"github.com/orchestra-dev/orchestra/internal/core"
)

// Validate checks node-reference integrity and acyclicity. Dangling
// dependency references are reported before cycle detection; the cycle
// error names the first node observed on a back-edge. O(V+E), no mutation.
func Validate(wf *core.Workflow) error {
	if len(wf.Nodes) == 0 {
		return &core.ValidationError{NodeID: wf.ID, Err: core.ErrWorkflowHasNoNodes}
	}

	nodes := make(map[string]*core.Node, len(wf.Nodes))
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if _, ok := nodes[node.ID]; ok {
			return &core.ValidationError{NodeID: node.ID, Err: core.ErrDuplicateNodeID}
		}
		nodes[node.ID] = node
	}

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		for _, dep := range node.Dependencies {
			if _, ok := nodes[dep]; !ok {
				return core.NewDanglingDependencyError(node.ID, dep)
			}
		}
	}

	// DFS with a recursion stack; visiting a node already on the stack is
	// a back-edge.
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(wf.Nodes))

	var visit func(id string) *core.ValidationError
	visit = func(id string) *core.ValidationError {
		state[id] = inStack
		for _, dep := range nodes[id].Dependencies {
			switch state[dep] {
			case inStack:
				return core.NewCycleError(dep)
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}

	for i := range wf.Nodes {
		if state[wf.Nodes[i].ID] == unvisited {
			if err := visit(wf.Nodes[i].ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Runnable returns every node id not in completed whose every dependency is
// in completed. Order is unspecified; callers must not rely on it.
func Runnable(wf *core.Workflow, completed map[string]struct{}) []string {
	var runnable []string
NodesLoop:
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if _, ok := completed[node.ID]; ok {
			continue
		}
		for _, dep := range node.Dependencies {
			if _, ok := completed[dep]; !ok {
				continue NodesLoop
			}
		}
		runnable = append(runnable, node.ID)
	}
	return runnable
}
