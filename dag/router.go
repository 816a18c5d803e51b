package dag

import (
	"context"
	"fmt"
	"sync"

	"weave.evalgo.org/entity"
	"weave.evalgo.org/transform"
)

// Router resolves, per producing node and entity type, the transformer
// chain that runs before a destination write. Resolutions are memoized;
// a graph with no path from the producer to any destination resolves to
// "no route", which the pipeline treats as KEEP.
type Router struct {
	graph        *Graph
	transformers map[string]transform.Transformer

	mu     sync.Mutex
	routes map[routeKey]route
}

type routeKey struct {
	nodeID     string
	entityType string
}

type route struct {
	ok    bool
	chain []transform.Transformer
}

// NewRouter builds a router for the graph, instantiating every
// transformer node's transformer from the catalog up front so unknown
// names and bad settings fail before the first entity flows.
func NewRouter(g *Graph) (*Router, error) {
	r := &Router{
		graph:        g,
		transformers: make(map[string]transform.Transformer),
		routes:       make(map[routeKey]route),
	}

	for _, node := range g.Nodes() {
		if node.Kind != NodeTransformer {
			continue
		}
		t, err := transform.New(node.Name, node.Config)
		if err != nil {
			return nil, fmt.Errorf("graph %q node %s: %w", g.Name(), node.ID, err)
		}
		r.transformers[node.ID] = t
	}

	return r, nil
}

// Route returns the ordered transformer chain for entities of the given
// type produced at the given node, and whether any path to a destination
// exists. A present path with an empty chain means the producer is wired
// straight into destinations.
func (r *Router) Route(nodeID, entityType string) ([]transform.Transformer, bool) {
	key := routeKey{nodeID: nodeID, entityType: entityType}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.routes[key]; ok {
		return cached.chain, cached.ok
	}

	chain, found := r.search(nodeID, entityType, make(map[string]bool))
	r.routes[key] = route{ok: found, chain: chain}
	return chain, found
}

// search walks outgoing edges depth-first in declaration order and
// returns the first transformer chain that ends at a destination.
func (r *Router) search(nodeID, entityType string, visited map[string]bool) ([]transform.Transformer, bool) {
	if visited[nodeID] {
		return nil, false
	}
	visited[nodeID] = true

	for _, next := range r.graph.Successors(nodeID) {
		switch next.Kind {
		case NodeDestination:
			return nil, true
		case NodeTransformer:
			t := r.transformers[next.ID]
			if !t.Accepts(entityType) {
				continue
			}
			childType := t.OutputType()
			if childType == "" {
				childType = entityType
			}
			if rest, ok := r.search(next.ID, childType, visited); ok {
				return append([]transform.Transformer{t}, rest...), true
			}
		}
	}

	return nil, false
}

// ProcessEntity runs the resolved chain over the entity. It returns the
// entities to persist and whether a route existed at all; without a
// route the entity is kept untouched and nothing is persisted.
//
// The original entity is always first in the returned set. Each chain
// stage feeds the previous stage's children; a stage that derives
// nothing passes its inputs through. Only the final stage's output is
// persisted alongside the original.
func (r *Router) ProcessEntity(ctx context.Context, producerID string, e entity.Entity) ([]entity.Entity, bool, error) {
	chain, found := r.Route(producerID, e.TypeName())
	if !found {
		return nil, false, nil
	}

	current := []entity.Entity{e}
	for _, t := range chain {
		var next []entity.Entity
		for _, in := range current {
			children, err := t.Apply(ctx, in)
			if err != nil {
				return nil, true, fmt.Errorf("transformer %s on %s: %w", t.Name(), e.Core().EntityID, err)
			}
			next = append(next, children...)
		}
		if len(next) > 0 {
			current = next
		}
	}

	out := []entity.Entity{e}
	if !(len(current) == 1 && current[0] == e) {
		out = append(out, current...)
	}
	return out, true, nil
}
