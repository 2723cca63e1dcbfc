// Package resolver builds and analyzes the PRD dependency graph for the
// PRD-Set Orchestrator, generalizing internal/selector/graph.go's
// task-dependency graph (DFS cycle coloring, Kahn's-algorithm layering)
// from tasks to PRDs.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devloopfleet/devloop/internal/corerr"
)

// Node is anything with an ID and a set of prerequisite IDs. PRDs
// (*prd.PrdMetadata) satisfy it and form the PRD-Set Orchestrator's graph;
// tasks do not, and their graph is built by internal/selector.
type Node interface {
	NodeID() string
	NodeDependsOn() []string
}

// Graph is a directed dependency graph: edges point from a node to the
// prerequisites it depends on.
type Graph struct {
	nodes        map[string]bool
	edges        map[string][]string
	reverseEdges map[string][]string
	order        []string // insertion order, for deterministic diagnostics
}

// Build constructs a dependency graph from a slice of nodes. Returns a
// DependencyError if any node references a prerequisite that isn't present.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		nodes:        make(map[string]bool),
		edges:        make(map[string][]string),
		reverseEdges: make(map[string][]string),
	}

	for _, n := range nodes {
		g.nodes[n.NodeID()] = true
		g.order = append(g.order, n.NodeID())
	}

	for _, n := range nodes {
		for _, dep := range n.NodeDependsOn() {
			if !g.nodes[dep] {
				return nil, &corerr.DependencyError{
					Subject: n.NodeID(),
					Msg:     fmt.Sprintf("depends on %q, which does not exist in the set", dep),
				}
			}
			g.edges[n.NodeID()] = append(g.edges[n.NodeID()], dep)
			g.reverseEdges[dep] = append(g.reverseEdges[dep], n.NodeID())
		}
	}

	return g, nil
}

// Nodes returns all node IDs in sorted order.
func (g *Graph) Nodes() []string {
	result := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// DetectCycle runs DFS with white/gray/black coloring over the graph in
// sorted-node order for determinism, returning the cycle path if one
// exists or nil otherwise.
func (g *Graph) DetectCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	nodes := g.Nodes()

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray

		deps := append([]string(nil), g.edges[node]...)
		sort.Strings(deps)

		for _, dep := range deps {
			if color[dep] == gray {
				cycle := []string{dep, node}
				for curr := node; curr != dep && parent[curr] != ""; curr = parent[curr] {
					if curr != node {
						cycle = append(cycle, curr)
					}
				}
				return cycle
			}
			if color[dep] == white {
				parent[dep] = node
				if cyclePath := dfs(dep); cyclePath != nil {
					return cyclePath
				}
			}
		}

		color[node] = black
		return nil
	}

	for _, node := range nodes {
		if color[node] == white {
			if cyclePath := dfs(node); cyclePath != nil {
				return cyclePath
			}
		}
	}

	return nil
}

// FormatCycle renders a cycle path in the "A -> B -> C -> A" diagnostic
// format the dependency resolver's error reporting uses.
func FormatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	path := append([]string(nil), cycle...)
	path = append(path, cycle[0])
	return strings.Join(path, " -> ")
}

// ExecutionLevels partitions the graph into Kahn's-algorithm layers: level 0
// holds nodes with no prerequisites, level N holds nodes whose prerequisites
// all resolved by level N-1. Ties within a level are broken by sorted node
// ID for deterministic dispatch order. Returns a DependencyError naming the
// cycle if the graph isn't a DAG.
func (g *Graph) ExecutionLevels() ([][]string, error) {
	if cycle := g.DetectCycle(); cycle != nil {
		return nil, &corerr.DependencyError{
			Msg: fmt.Sprintf("cannot compute execution levels, cycle found: %s", FormatCycle(cycle)),
		}
	}

	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.edges[id])
	}

	var queue []string
	for id := range g.nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var levels [][]string
	resolved := make(map[string]bool, len(g.nodes))

	for len(queue) > 0 {
		sort.Strings(queue)
		levels = append(levels, queue)
		for _, id := range queue {
			resolved[id] = true
		}

		var next []string
		seen := make(map[string]bool)
		for _, id := range queue {
			for _, dependent := range g.reverseEdges[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 && !resolved[dependent] && !seen[dependent] {
					next = append(next, dependent)
					seen[dependent] = true
				}
			}
		}
		queue = next
	}

	return levels, nil
}

// TopologicalSort flattens ExecutionLevels into a single ordering.
func (g *Graph) TopologicalSort() ([]string, error) {
	levels, err := g.ExecutionLevels()
	if err != nil {
		return nil, err
	}
	var result []string
	for _, level := range levels {
		result = append(result, level...)
	}
	return result, nil
}
