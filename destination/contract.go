// Package destination defines the write side of the sync engine and its
// built-in implementations. A destination receives processed entities keyed
// by db_entity_id and must make BulkInsert idempotent: writing a known id
// again overwrites the stored copy. Graph destinations additionally accept
// node and relationship writes. All implementations must tolerate
// out-of-order writes and concurrent BulkInsert calls.
package destination

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/entity"
)

// Kind classifies a destination by the query surface it offers.
type Kind string

const (
	KindVector Kind = "vector"
	KindGraph  Kind = "graph"
)

// Config carries the connection settings a destination factory needs.
type Config struct {
	URL      string
	Username string
	Password string
	Database string
	Settings map[string]interface{}
	Logger   *logrus.Entry
}

// Setting returns a string value from the free-form settings map, or the
// fallback when the key is absent or not a string.
func (c *Config) Setting(name, fallback string) string {
	if c.Settings != nil {
		if v, ok := c.Settings[name].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}

// Factory builds a destination from its configuration.
type Factory func(ctx context.Context, cfg *Config) (Destination, error)

// SearchResult is a single hit returned by SearchForSyncID.
type SearchResult struct {
	DBEntityID string                 `json:"db_entity_id"`
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	Score      float64                `json:"score"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Destination stores processed entities for one or more syncs.
//
// BulkDeleteByParentID removes the entities of one parent within a sync;
// passing the sync id itself as parentID removes the whole sync.
type Destination interface {
	ShortName() string
	Type() Kind
	SetupCollection(ctx context.Context, syncID uuid.UUID) error
	BulkInsert(ctx context.Context, entities []entity.Entity) error
	Delete(ctx context.Context, dbEntityID uuid.UUID) error
	BulkDeleteByParentID(ctx context.Context, parentID string, syncID uuid.UUID) error
	SearchForSyncID(ctx context.Context, query string, syncID uuid.UUID, limit int) ([]SearchResult, error)
	Close() error
}

// Node is a prepared graph node write. Props must carry db_entity_id.
type Node struct {
	Label string
	Props map[string]interface{}
}

// Relationship links a stored node, addressed by db_entity_id, to another
// node addressed by its entity_id. When Props carries a sync_id the target
// match is scoped to that sync.
type Relationship struct {
	FromDBEntityID string
	ToEntityID     string
	Type           string
	Props          map[string]interface{}
}

// GraphDestination extends Destination with node and relationship writes.
type GraphDestination interface {
	Destination
	CreateNode(ctx context.Context, props map[string]interface{}, label string) error
	BulkCreateNodes(ctx context.Context, nodes []Node) error
	CreateRelationship(ctx context.Context, fromDBEntityID, toEntityID, relType string, props map[string]interface{}) error
	BulkCreateRelationships(ctx context.Context, rels []Relationship) error
}

// Document flattens an entity into the map stored by document destinations.
// Identity fields win over payload fields of the same name.
func Document(e entity.Entity) map[string]interface{} {
	core := e.Core()
	doc := map[string]interface{}{
		"db_entity_id": core.DBEntityID.String(),
		"entity_id":    core.EntityID,
		"entity_type":  e.TypeName(),
		"source_name":  core.SourceName,
		"sync_id":      core.SyncID.String(),
		"sync_job_id":  core.SyncJobID.String(),
	}
	if core.ParentID != "" {
		doc["parent_id"] = core.ParentID
	}
	if core.URL != "" {
		doc["url"] = core.URL
	}
	if len(core.Breadcrumbs) > 0 {
		crumbs := make([]map[string]interface{}, len(core.Breadcrumbs))
		for i, b := range core.Breadcrumbs {
			crumbs[i] = map[string]interface{}{
				"entity_id": b.EntityID,
				"name":      b.Name,
				"type":      b.Type,
			}
		}
		doc["breadcrumbs"] = crumbs
	}
	if len(core.Metadata) > 0 {
		doc["metadata"] = core.Metadata
	}
	for k, v := range e.Payload() {
		if _, taken := doc[k]; !taken {
			doc[k] = v
		}
	}
	return doc
}

// NodeProps builds the graph property map for an entity. Values that are
// neither primitives nor arrays of primitives are stored as JSON strings.
func NodeProps(e entity.Entity) map[string]interface{} {
	return SanitizeProps(Document(e))
}

// SanitizeProps returns a copy of props in which every value is a primitive
// or an array of primitives; anything else becomes a JSON string.
func SanitizeProps(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []string, []bool, []int, []int32, []int64, []float32, []float64:
		return val
	case []interface{}:
		for _, item := range val {
			if !isPrimitive(item) {
				return jsonString(val)
			}
		}
		return val
	default:
		if isPrimitive(val) {
			return val
		}
		return jsonString(val)
	}
}

func isPrimitive(v interface{}) bool {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

func jsonString(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// resultFrom builds a SearchResult from a stored property map.
func resultFrom(fields map[string]interface{}) SearchResult {
	r := SearchResult{Score: 1, Fields: fields}
	if v, ok := fields["db_entity_id"].(string); ok {
		r.DBEntityID = v
	}
	if v, ok := fields["entity_id"].(string); ok {
		r.EntityID = v
	}
	if v, ok := fields["entity_type"].(string); ok {
		r.EntityType = v
	}
	return r
}
