// Package transform holds the transformers a sync DAG can route
// entities through, and the catalog they are looked up in by name.
//
// A transformer takes one entity and derives zero or more children from
// it. Transformers never mutate the parent; the pipeline persists the
// parent alongside whatever children the chain produced.
package transform

import (
	"context"
	"fmt"
	"sync"

	"weave.evalgo.org/entity"
)

// Transformer derives child entities from a parent entity.
type Transformer interface {
	// Name is the catalog name DAG nodes reference
	Name() string

	// Accepts reports whether the transformer can take entities of the
	// given type name as input
	Accepts(entityType string) bool

	// OutputType is the type name of produced children; empty means the
	// input type passes through unchanged
	OutputType() string

	// Apply derives children from the entity. Returning an empty slice
	// means the entity passes through with no derived records.
	Apply(ctx context.Context, e entity.Entity) ([]entity.Entity, error)
}

// Factory builds a transformer from the settings of one DAG node.
type Factory func(config map[string]interface{}) (Transformer, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a transformer factory to the catalog. It panics on an
// empty or duplicate name; transformer registration is a wiring error.
func Register(name string, f Factory) {
	if name == "" {
		panic("transform: factory with empty name")
	}

	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("transform: duplicate transformer %q", name))
	}
	factories[name] = f
}

// New builds the named transformer with the given node settings.
func New(name string, config map[string]interface{}) (Transformer, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transformer %q", name)
	}
	return f(config)
}

// Known reports whether a transformer is registered under the name.
func Known(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	_, ok := factories[name]
	return ok
}
