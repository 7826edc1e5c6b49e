// Package graph indexes workflow graphs and answers the topology questions
// asked by the validator, materialization and the execution engine.
package graph

import (
	"cmp"
	"slices"
	"sort"
	"strings"

	"github.com/dukex/crucible/pkg/models"
)

// Graph is an immutable index over a node and edge set.
type Graph struct {
	nodes    []*models.WorkflowNode
	edges    []*models.WorkflowEdge
	byID     map[string]*models.WorkflowNode
	outgoing map[string][]*models.WorkflowEdge
	incoming map[string][]*models.WorkflowEdge
	starts   []*models.WorkflowNode
}

// New builds a graph index. Edges whose endpoints are unknown are kept in
// Edges() but left out of the adjacency maps.
func New(nodes []*models.WorkflowNode, edges []*models.WorkflowEdge) *Graph {
	g := &Graph{
		nodes:    make([]*models.WorkflowNode, 0, len(nodes)),
		edges:    edges,
		byID:     make(map[string]*models.WorkflowNode, len(nodes)),
		outgoing: make(map[string][]*models.WorkflowEdge),
		incoming: make(map[string][]*models.WorkflowEdge),
	}

	for _, node := range nodes {
		if _, dup := g.byID[node.ID]; dup {
			continue
		}

		g.byID[node.ID] = node
		g.nodes = append(g.nodes, node)

		if node.Type == models.NodeTypeStart {
			g.starts = append(g.starts, node)
		}
	}

	sort.SliceStable(g.nodes, func(i, j int) bool {
		return g.nodes[i].Order < g.nodes[j].Order
	})

	for _, edge := range edges {
		_, okSource := g.byID[edge.SourceNodeID]
		_, okTarget := g.byID[edge.TargetNodeID]

		if !okSource || !okTarget {
			continue
		}

		g.outgoing[edge.SourceNodeID] = append(g.outgoing[edge.SourceNodeID], edge)
		g.incoming[edge.TargetNodeID] = append(g.incoming[edge.TargetNodeID], edge)
	}

	for id := range g.outgoing {
		slices.SortStableFunc(g.outgoing[id], func(a, b *models.WorkflowEdge) int {
			return cmp.Or(cmp.Compare(a.SortOrder, b.SortOrder), strings.Compare(a.ID, b.ID))
		})
	}

	return g
}

// FromSnapshot builds the graph of an experiment's frozen workflow.
func FromSnapshot(snapshot *models.GraphSnapshot) *Graph {
	return New(snapshot.Nodes, snapshot.Edges)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*models.WorkflowNode, bool) {
	node, ok := g.byID[id]

	return node, ok
}

// Nodes returns nodes in authoring order.
func (g *Graph) Nodes() []*models.WorkflowNode {
	return g.nodes
}

func (g *Graph) Edges() []*models.WorkflowEdge {
	return g.edges
}

// Start returns the start node, or nil when the graph has none.
func (g *Graph) Start() *models.WorkflowNode {
	if len(g.starts) == 0 {
		return nil
	}

	return g.starts[0]
}

// Outgoing returns the edges leaving id ordered by sortOrder.
func (g *Graph) Outgoing(id string) []*models.WorkflowEdge {
	return g.outgoing[id]
}

// Incoming returns the edges entering id.
func (g *Graph) Incoming(id string) []*models.WorkflowEdge {
	return g.incoming[id]
}

// Successors returns the distinct targets of id's outgoing edges, in edge order.
func (g *Graph) Successors(id string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(g.outgoing[id]))

	for _, edge := range g.outgoing[id] {
		if seen[edge.TargetNodeID] {
			continue
		}

		seen[edge.TargetNodeID] = true
		out = append(out, edge.TargetNodeID)
	}

	return out
}

// Predecessors returns the sorted, distinct sources of id's incoming edges.
func (g *Graph) Predecessors(id string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(g.incoming[id]))

	for _, edge := range g.incoming[id] {
		if seen[edge.SourceNodeID] {
			continue
		}

		seen[edge.SourceNodeID] = true
		out = append(out, edge.SourceNodeID)
	}

	slices.Sort(out)

	return out
}

// Reachable returns every node reachable from id, including id itself.
func (g *Graph) Reachable(id string) map[string]bool {
	visited := map[string]bool{id: true}
	queue := []string{id}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range g.Successors(current) {
			if visited[next] {
				continue
			}

			visited[next] = true
			queue = append(queue, next)
		}
	}

	return visited
}

// Downstream returns every node reachable from id through at least one edge,
// in BFS order. id itself is never part of the result.
func (g *Graph) Downstream(id string) []string {
	visited := map[string]bool{id: true}
	queue := []string{id}
	out := []string{}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range g.Successors(current) {
			if visited[next] {
				continue
			}

			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}

	return out
}

// CanReach reports whether to is reachable from from through at least one edge.
func (g *Graph) CanReach(from, to string) bool {
	for _, next := range g.Successors(from) {
		if next == to || g.Reachable(next)[to] {
			return true
		}
	}

	return false
}

// OnCycle reports whether id lies on a cycle.
func (g *Graph) OnCycle(id string) bool {
	return g.CanReach(id, id)
}

// Cycle is one cycle found through a DFS back-edge.
type Cycle struct {
	BackEdge *models.WorkflowEdge
	Nodes    []string
}

// Cycles walks the graph depth-first, starting at the start node and then at
// every unvisited node in authoring order, and returns one cycle per back-edge.
func (g *Graph) Cycles() []Cycle {
	state := &dfsState{
		color: make(map[string]int),
		stack: []string{},
	}

	if start := g.Start(); start != nil {
		g.dfs(start.ID, state)
	}

	for _, node := range g.nodes {
		if state.color[node.ID] == white {
			g.dfs(node.ID, state)
		}
	}

	return state.cycles
}

// HasExit reports whether any edge leaves the node set of c.
func (g *Graph) HasExit(c Cycle) bool {
	members := make(map[string]bool, len(c.Nodes))
	for _, id := range c.Nodes {
		members[id] = true
	}

	for _, id := range c.Nodes {
		for _, edge := range g.outgoing[id] {
			if !members[edge.TargetNodeID] {
				return true
			}
		}
	}

	return false
}

const (
	white = iota
	grey
	black
)

type dfsState struct {
	color  map[string]int
	stack  []string
	cycles []Cycle
}

func (g *Graph) dfs(id string, state *dfsState) {
	state.color[id] = grey
	state.stack = append(state.stack, id)

	for _, edge := range g.outgoing[id] {
		switch state.color[edge.TargetNodeID] {
		case white:
			g.dfs(edge.TargetNodeID, state)
		case grey:
			idx := slices.Index(state.stack, edge.TargetNodeID)
			members := slices.Clone(state.stack[idx:])
			state.cycles = append(state.cycles, Cycle{BackEdge: edge, Nodes: members})
		}
	}

	state.stack = state.stack[:len(state.stack)-1]
	state.color[id] = black
}
