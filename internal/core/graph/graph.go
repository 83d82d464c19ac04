// Package graph builds and orders the service dependency graph.
// This is part of the Functional Core - all functions are pure with no I/O.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opsforge/secstack/internal/core/domain"
)

// =============================================================================
// Graph Errors
// =============================================================================

var (
	// ErrDuplicateService is returned when two descriptors share a name.
	ErrDuplicateService = errors.New("duplicate service name")

	// ErrUnknownDependency is returned when a service depends on a name
	// that is not in the catalog.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrUnknownService is returned when a requested target is not a node.
	ErrUnknownService = errors.New("unknown service")

	// ErrCyclicDependency is the sentinel wrapped by CycleError.
	ErrCyclicDependency = errors.New("dependency cycle detected")
)

// CycleError names the dependency cycle that made the graph invalid.
type CycleError struct {
	// Cycle lists the services forming the cycle; the first name is
	// repeated at the end, e.g. [a b c a].
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCyclicDependency
}

// =============================================================================
// Dependency Graph
// =============================================================================

// Graph is the validated, acyclic service dependency graph. Nodes are
// service names; edges point from a service to each of its dependencies.
// A Graph is immutable after Build.
type Graph struct {
	declared []string            // declaration order, for deterministic ties
	index    map[string]int      // name -> declaration index
	deps     map[string][]string // name -> direct dependencies
}

// Build constructs the graph from descriptors and verifies it is acyclic.
// Construction fails fast with a CycleError naming the cycle, so no
// deployment action can occur against a cyclic catalog.
func Build(services []domain.ServiceDescriptor) (*Graph, error) {
	g := &Graph{
		index: make(map[string]int, len(services)),
		deps:  make(map[string][]string, len(services)),
	}

	for i, svc := range services {
		if _, exists := g.index[svc.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateService, svc.Name)
		}
		g.index[svc.Name] = i
		g.declared = append(g.declared, svc.Name)
		g.deps[svc.Name] = append([]string(nil), svc.DependsOn...)
	}

	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, svc.Name, dep)
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	return g, nil
}

// Services returns all node names in declaration order.
func (g *Graph) Services() []string {
	return append([]string(nil), g.declared...)
}

// Dependencies returns the direct dependencies of a service.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// =============================================================================
// Cycle Detection
// =============================================================================

// findCycle runs an iterative-coloring DFS and returns the first cycle
// found as [a b ... a], or nil for an acyclic graph. Traversal follows
// declaration order so the reported cycle is deterministic.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.declared))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		path = append(path, name)
		for _, dep := range g.deps[name] {
			switch color[dep] {
			case grey:
				// Found the cycle: slice the path from dep onward.
				for i, n := range path {
					if n == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, name := range g.declared {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// =============================================================================
// Reachability
// =============================================================================

// Reachable computes the induced target set: the requested services plus
// every transitive dependency, returned in declaration order. Requesting an
// unknown service fails.
func (g *Graph) Reachable(targets []string) ([]string, error) {
	seen := make(map[string]bool)

	var walk func(name string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		for _, dep := range g.deps[name] {
			walk(dep)
		}
	}

	for _, name := range targets {
		if _, ok := g.index[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
		}
		walk(name)
	}

	var result []string
	for _, name := range g.declared {
		if seen[name] {
			result = append(result, name)
		}
	}
	return result, nil
}

// =============================================================================
// Topological Ordering
// =============================================================================

// TopologicalOrder produces a valid deployment order for the given subset
// using Kahn's algorithm. Only dependencies inside the subset constrain the
// order; ties are broken by declaration order so the result is deterministic.
// The subset must come from Reachable, so it is dependency-closed and acyclic.
func (g *Graph) TopologicalOrder(subset []string) []string {
	inSubset := make(map[string]bool, len(subset))
	for _, name := range subset {
		inSubset[name] = true
	}

	inDegree := make(map[string]int, len(subset))
	dependents := make(map[string][]string)
	for _, name := range subset {
		for _, dep := range g.deps[name] {
			if inSubset[dep] {
				inDegree[name]++
				dependents[dep] = append(dependents[dep], name)
			}
		}
	}

	var ready []string
	for _, name := range subset {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	var result []string
	for len(ready) > 0 {
		// Pick the ready node declared earliest.
		best := 0
		for i := 1; i < len(ready); i++ {
			if g.index[ready[i]] < g.index[ready[best]] {
				best = i
			}
		}
		name := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		result = append(result, name)

		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return result
}
