package orchestration

import (
	"fmt"
	"sync"

	"github.com/auramesh/choreo/core"
)

// dagNode tracks one step's dependency edges while a Planner or Engine
// walks the graph.
type dagNode struct {
	ID           string
	Dependencies []string
	Dependents   []string
}

// DAG is the dependency graph backing a WorkflowDefinition. It is built
// once per definition by the Planner and is safe for concurrent reads.
type DAG struct {
	nodes map[string]*dagNode
	mu    sync.RWMutex
}

func newDAG() *DAG {
	return &DAG{nodes: make(map[string]*dagNode)}
}

func (d *DAG) addNode(id string, dependencies []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nodes[id] = &dagNode{ID: id, Dependencies: dependencies, Dependents: []string{}}
}

func (d *DAG) rebuildDependents() {
	for _, node := range d.nodes {
		node.Dependents = node.Dependents[:0]
	}
	for nodeID, node := range d.nodes {
		for _, dep := range node.Dependencies {
			if depNode, exists := d.nodes[dep]; exists {
				depNode.Dependents = append(depNode.Dependents, nodeID)
			}
		}
	}
}

// Planner builds a DAG from a WorkflowDefinition and partitions it into
// waves: groups of steps with no dependency on any step in the same or a
// later group, so every step in a wave can run concurrently once the
// previous wave has completed.
type Planner struct{}

// NewPlanner creates a Planner. It holds no state; one instance can plan
// any number of definitions concurrently.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan validates workflow's dependency graph and returns it partitioned
// into waves in execution order. It returns core.ErrMissingDependency if a
// step names a depends_on that doesn't exist, and core.ErrCyclicDependency
// if the graph contains a cycle - these are distinguished so callers can
// report which problem they hit without parsing the error string.
func (p *Planner) Plan(workflow *WorkflowDefinition) ([][]string, error) {
	dag := newDAG()
	for _, step := range workflow.Steps {
		dag.addNode(step.StepID, step.DependsOn)
	}

	for stepID, node := range dag.nodes {
		for _, dep := range node.Dependencies {
			if _, exists := dag.nodes[dep]; !exists {
				return nil, core.NewFrameworkError("orchestration.Planner.Plan", "workflow",
					fmt.Errorf("step %q depends on undefined step %q: %w", stepID, dep, core.ErrMissingDependency)).
					WithID(workflow.WorkflowID)
			}
		}
	}

	dag.rebuildDependents()

	if cycle := dag.findCycle(); cycle != "" {
		return nil, core.NewFrameworkError("orchestration.Planner.Plan", "workflow",
			fmt.Errorf("cycle detected at step %q: %w", cycle, core.ErrCyclicDependency)).
			WithID(workflow.WorkflowID)
	}

	return dag.waves(), nil
}

// findCycle returns the ID of a step involved in a cycle, or "" if the
// graph is acyclic. Uses the standard three-color DFS.
func (d *DAG) findCycle() string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(d.nodes))
	for id := range d.nodes {
		color[id] = white
	}

	var cyclic string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range d.nodes[id].Dependencies {
			switch color[dep] {
			case gray:
				cyclic = dep
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range d.nodes {
		if color[id] == white {
			if visit(id) {
				return cyclic
			}
		}
	}
	return ""
}

// waves groups nodes into Kahn-style topological layers: wave N contains
// every node whose dependencies all lie in waves 0..N-1.
func (d *DAG) waves() [][]string {
	inDegree := make(map[string]int, len(d.nodes))
	for id, node := range d.nodes {
		inDegree[id] = len(node.Dependencies)
	}

	var result [][]string
	remaining := len(d.nodes)
	for remaining > 0 {
		var wave []string
		for id, degree := range inDegree {
			if degree == 0 {
				wave = append(wave, id)
			}
		}
		for _, id := range wave {
			delete(inDegree, id)
			remaining--
		}
		// Recompute in-degree relative to remaining nodes for the next pass.
		for id := range inDegree {
			deps := 0
			for _, dep := range d.nodes[id].Dependencies {
				if _, stillPending := inDegree[dep]; stillPending {
					deps++
				}
			}
			inDegree[id] = deps
		}
		result = append(result, wave)
	}
	return result
}
