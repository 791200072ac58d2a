package subs

import (
	"slices"

	"github.com/roach88/reframe/internal/registrar"
)

// dependencyGraph maps a subscription key to the keys it depends on.
type dependencyGraph map[string][]string

// buildDependencyGraph collects the registered graph with cfg installed
// under key in place of any existing registration.
func (m *Manager) buildDependencyGraph(key string, cfg Config) dependencyGraph {
	graph := make(dependencyGraph)
	for _, id := range m.registrar.IDs(registrar.KindSubscription) {
		if existing, ok := registrar.Lookup[*Config](m.registrar, registrar.KindSubscription, id); ok {
			graph[id] = existing.Deps
		}
	}
	graph[key] = cfg.Deps
	return graph
}

// findCycle returns the first cycle reachable from start as a path that
// begins and ends with the same key, or nil for an acyclic graph.
func findCycle(graph dependencyGraph, start string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int)
	var stack []string

	var visit func(string) []string
	visit = func(v string) []string {
		color[v] = visiting
		stack = append(stack, v)

		for _, w := range graph[v] {
			switch color[w] {
			case visiting:
				i := slices.Index(stack, w)
				return append(slices.Clone(stack[i:]), w)
			case unvisited:
				if path := visit(w); path != nil {
					return path
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[v] = done
		return nil
	}
	return visit(start)
}
