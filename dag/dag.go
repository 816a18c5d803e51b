// Package dag models the per-sync graph that connects a source, the
// transformers between it and the stores, and the destinations fanned
// out to. The router resolves, per entity type, which transformer chain
// runs before a destination write.
package dag

import (
	"fmt"
)

// NodeKind classifies graph nodes.
type NodeKind string

const (
	NodeSource      NodeKind = "source"
	NodeTransformer NodeKind = "transformer"
	NodeDestination NodeKind = "destination"
)

// Node is one vertex of a sync graph.
type Node struct {
	// ID is unique within the graph
	ID string `yaml:"id" json:"id"`

	// Kind says what the node stands for
	Kind NodeKind `yaml:"kind" json:"kind"`

	// Name references a connector short name (source/destination nodes)
	// or a transformer catalog name (transformer nodes)
	Name string `yaml:"name" json:"name"`

	// Config carries node settings, e.g. transformer tuning
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Graph is a validated sync graph: exactly one source node, no cycles,
// and every transformer on a path to at least one destination.
type Graph struct {
	name     string
	nodes    map[string]Node
	order    []string
	out      map[string][]string
	sourceID string
}

// New validates the node and edge lists and builds a Graph.
func New(name string, nodes []Node, edges []Edge) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("graph %q has no nodes", name)
	}

	g := &Graph{
		name:  name,
		nodes: make(map[string]Node, len(nodes)),
		out:   make(map[string][]string),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("graph %q: node with empty id", name)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("graph %q: duplicate node id %s", name, n.ID)
		}
		switch n.Kind {
		case NodeSource:
			if g.sourceID != "" {
				return nil, fmt.Errorf("graph %q: more than one source node (%s, %s)", name, g.sourceID, n.ID)
			}
			g.sourceID = n.ID
		case NodeTransformer, NodeDestination:
		default:
			return nil, fmt.Errorf("graph %q: node %s has unknown kind %q", name, n.ID, n.Kind)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	if g.sourceID == "" {
		return nil, fmt.Errorf("graph %q has no source node", name)
	}

	for _, e := range edges {
		from, ok := g.nodes[e.From]
		if !ok {
			return nil, fmt.Errorf("graph %q: edge from unknown node %s", name, e.From)
		}
		to, ok := g.nodes[e.To]
		if !ok {
			return nil, fmt.Errorf("graph %q: edge to unknown node %s", name, e.To)
		}
		if from.Kind == NodeDestination {
			return nil, fmt.Errorf("graph %q: destination node %s has an outgoing edge", name, e.From)
		}
		if to.Kind == NodeSource {
			return nil, fmt.Errorf("graph %q: source node %s has an incoming edge", name, e.To)
		}
		g.out[e.From] = append(g.out[e.From], e.To)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	if err := g.checkTransformersTerminate(); err != nil {
		return nil, err
	}

	return g, nil
}

// Default builds the trivial graph for a sync without custom routing:
// the source wired straight into every destination.
func Default(sourceName string, destinationNames []string) *Graph {
	nodes := []Node{{ID: "source", Kind: NodeSource, Name: sourceName}}
	var edges []Edge
	for _, name := range destinationNames {
		id := "dest-" + name
		nodes = append(nodes, Node{ID: id, Kind: NodeDestination, Name: name})
		edges = append(edges, Edge{From: "source", To: id})
	}

	g, err := New("default", nodes, edges)
	if err != nil {
		// Static construction above cannot produce an invalid graph.
		panic(err)
	}
	return g
}

// checkAcyclic runs Kahn's algorithm; leftover nodes mean a cycle.
func (g *Graph) checkAcyclic() error {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for _, targets := range g.out {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++

		for _, to := range g.out[current] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if processed != len(g.nodes) {
		return fmt.Errorf("graph %q contains a cycle", g.name)
	}
	return nil
}

// checkTransformersTerminate verifies each transformer reaches a destination.
func (g *Graph) checkTransformersTerminate() error {
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Kind != NodeTransformer {
			continue
		}
		if !g.reachesDestination(id, make(map[string]bool)) {
			return fmt.Errorf("graph %q: transformer node %s does not reach any destination", g.name, id)
		}
	}
	return nil
}

func (g *Graph) reachesDestination(id string, visited map[string]bool) bool {
	if visited[id] {
		return false
	}
	visited[id] = true

	for _, to := range g.out[id] {
		if g.nodes[to].Kind == NodeDestination {
			return true
		}
		if g.reachesDestination(to, visited) {
			return true
		}
	}
	return false
}

// Name returns the graph's display name.
func (g *Graph) Name() string { return g.name }

// Source returns the single source node.
func (g *Graph) Source() Node { return g.nodes[g.sourceID] }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Successors returns the targets of a node's outgoing edges in
// declaration order.
func (g *Graph) Successors(id string) []Node {
	var out []Node
	for _, to := range g.out[id] {
		out = append(out, g.nodes[to])
	}
	return out
}

// Destinations returns all destination nodes in declaration order.
func (g *Graph) Destinations() []Node {
	var out []Node
	for _, id := range g.order {
		if g.nodes[id].Kind == NodeDestination {
			out = append(out, g.nodes[id])
		}
	}
	return out
}
