package pipeline

import (
	"fmt"
	"sort"
)

// ValidateGraph checks that every dependency names a known step and that the
// graph is acyclic. Cycles are found by depth-first traversal: a step seen
// again while still on the visiting stack is a back-edge.
func ValidateGraph(nodes map[string][]string) error {
	for name, deps := range nodes {
		for _, dep := range deps {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("unknown_dependency:%s->%s", name, dep)
			}
		}
	}

	visiting := make(map[string]bool, len(nodes))
	visited := make(map[string]bool, len(nodes))

	var dfs func(name string) error
	dfs = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("cycle_detected")
		}
		if visited[name] {
			return nil
		}
		visiting[name] = true
		for _, dep := range nodes[name] {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		delete(visiting, name)
		visited[name] = true
		return nil
	}

	for name := range nodes {
		if err := dfs(name); err != nil {
			return err
		}
	}
	return nil
}

// TopoLayers groups steps into execution waves: every step in a layer depends
// only on steps in earlier layers. Steps within a layer are sorted by name so
// layering is deterministic.
func TopoLayers(nodes map[string][]string) ([][]string, error) {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for name, deps := range nodes {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range deps {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	var layers [][]string
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		layer := ready
		layers = append(layers, layer)
		placed += len(layer)

		ready = nil
		for _, name := range layer {
			for _, next := range dependents[name] {
				indegree[next]--
				if indegree[next] == 0 {
					ready = append(ready, next)
				}
			}
		}
	}

	if placed != len(nodes) {
		return nil, fmt.Errorf("cycle_or_missing_nodes")
	}
	return layers, nil
}
