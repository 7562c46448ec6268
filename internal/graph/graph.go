// Package graph provides the dependency DAG backing the task graph store.
package graph

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCycleDetected indicates an insertion would create a circular dependency.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownNode indicates a dependency references a node that does not exist.
var ErrUnknownNode = errors.New("unknown dependency")

// DAG is a directed acyclic graph of task dependencies. Edges point from a
// task to the tasks it depends on.
type DAG struct {
	mu sync.RWMutex
	// edges maps node ID to the IDs it depends on.
	edges map[string][]string
	// dependents is the reverse index of edges.
	dependents map[string][]string
	// completed tracks nodes whose task reached COMPLETED.
	completed map[string]bool
}

// New creates an empty DAG.
func New() *DAG {
	return &DAG{
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		completed:  make(map[string]bool),
	}
}

// Add inserts a single node with the given dependencies. Dependencies must
// already exist. Fails with ErrCycleDetected if the insertion would close a
// cycle; the graph is left unchanged on error.
func (g *DAG) Add(id string, deps []string) error {
	return g.AddSet(map[string][]string{id: deps})
}

// AddSet atomically inserts a set of nodes. Dependencies may reference
// existing nodes or other nodes in the set. Either every node is inserted
// or none are.
func (g *DAG) AddSet(nodes map[string][]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range nodes {
		if _, exists := g.edges[id]; exists {
			return fmt.Errorf("node %s already exists", id)
		}
	}

	// Validate references before mutating anything.
	for id, deps := range nodes {
		for _, dep := range deps {
			if _, exists := g.edges[dep]; exists {
				continue
			}
			if _, inBatch := nodes[dep]; inBatch {
				continue
			}
			return fmt.Errorf("node %s: dependency %s: %w", id, dep, ErrUnknownNode)
		}
	}

	for id, deps := range nodes {
		g.edges[id] = append([]string(nil), deps...)
	}

	if g.hasCycleLocked() {
		// Roll back the insertion.
		for id := range nodes {
			delete(g.edges, id)
		}
		return ErrCycleDetected
	}

	for id, deps := range nodes {
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	return nil
}

// Remove deletes a node and its edges. Dangling reverse edges to the removed
// node are cleaned up; nodes depending on it keep their forward edges and
// simply never become satisfied, so callers only remove terminal nodes whose
// dependents are also terminal.
func (g *DAG) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range g.edges[id] {
		rev := g.dependents[dep]
		for i, d := range rev {
			if d == id {
				g.dependents[dep] = append(rev[:i], rev[i+1:]...)
				break
			}
		}
	}

	delete(g.edges, id)
	delete(g.dependents, id)
	delete(g.completed, id)
}

// MarkComplete records that a node's task completed successfully.
func (g *DAG) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = true
}

// IsComplete returns true if the node has been marked complete.
func (g *DAG) IsComplete(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.completed[id]
}

// DepsSatisfied returns true when every dependency of the node is complete.
func (g *DAG) DepsSatisfied(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, dep := range g.edges[id] {
		if !g.completed[dep] {
			return false
		}
	}
	return true
}

// Dependencies returns the IDs the given node depends on.
func (g *DAG) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the IDs that depend on the given node.
func (g *DAG) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Contains returns true if the node exists in the graph.
func (g *DAG) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[id]
	return ok
}

// Size returns the number of nodes.
func (g *DAG) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DAG) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked detects cycles with a depth-first search using coloring.
// Caller must hold the lock.
func (g *DAG) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.edges))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.edges {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// TopologicalSort returns node IDs in an order where all dependencies come
// before their dependents.
func (g *DAG) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.edges))
	result := make([]string, 0, len(g.edges))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}

	for id := range g.edges {
		visit(id)
	}

	return result, nil
}
