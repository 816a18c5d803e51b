package destination

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/common"
	"weave.evalgo.org/entity"
)

// Neo4jDestination stores entities as labeled nodes. Every node carries the
// base label Entity plus a label derived from its entity type, so schema
// constraints and sync-wide queries stay label-stable while typed queries
// remain possible.
type Neo4jDestination struct {
	driver neo4j.DriverWithContext
	log    *logrus.Entry
}

// NewNeo4j connects to Neo4j and verifies connectivity.
func NewNeo4j(ctx context.Context, cfg *Config) (Destination, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URL, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Neo4j: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = common.Component("neo4j")
	}

	return &Neo4jDestination{driver: driver, log: log}, nil
}

func (d *Neo4jDestination) ShortName() string { return "neo4j" }

func (d *Neo4jDestination) Type() Kind { return KindGraph }

// SetupCollection creates the uniqueness constraint and indexes entity
// queries rely on. Schema statements run in auto-commit mode because Neo4j
// rejects them inside transaction functions.
func (d *Neo4jDestination) SetupCollection(ctx context.Context, syncID uuid.UUID) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	statements := []string{
		"CREATE CONSTRAINT entity_db_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.db_entity_id IS UNIQUE",
		"CREATE INDEX entity_sync IF NOT EXISTS FOR (e:Entity) ON (e.sync_id)",
		"CREATE INDEX entity_sync_entity IF NOT EXISTS FOR (e:Entity) ON (e.sync_id, e.entity_id)",
		"CREATE INDEX entity_kind IF NOT EXISTS FOR (e:Entity) ON (e.entity_type)",
	}
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to prepare graph schema for sync %s: %w", syncID, err)
		}
	}
	return nil
}

// BulkInsert merges nodes grouped by label. A failing batch falls back to
// one write per node so a single bad entity cannot sink the whole batch.
func (d *Neo4jDestination) BulkInsert(ctx context.Context, entities []entity.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	groups := make(map[string][]map[string]interface{})
	for _, e := range entities {
		label := nodeLabel(e.TypeName())
		groups[label] = append(groups[label], NodeProps(e))
	}

	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		for label, rows := range groups {
			query := fmt.Sprintf(`
				UNWIND $rows AS row
				MERGE (e:Entity {db_entity_id: row.db_entity_id})
				SET e = row
				SET e:%s
			`, label)
			if _, err := tx.Run(ctx, query, map[string]interface{}{"rows": rows}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		d.log.WithError(err).Warn("bulk node write failed, retrying entities one by one")
		return d.insertSingly(ctx, entities)
	}
	return nil
}

func (d *Neo4jDestination) insertSingly(ctx context.Context, entities []entity.Entity) error {
	var firstErr error
	failed := 0
	for _, e := range entities {
		if err := d.CreateNode(ctx, NodeProps(e), e.TypeName()); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			d.log.WithError(err).WithField("entity_id", e.Core().EntityID).Error("node write failed")
		}
	}
	if firstErr != nil {
		return fmt.Errorf("%d of %d node writes failed: %w", failed, len(entities), firstErr)
	}
	return nil
}

// CreateNode merges a single node. Props must carry db_entity_id.
func (d *Neo4jDestination) CreateNode(ctx context.Context, props map[string]interface{}, label string) error {
	id, ok := props["db_entity_id"]
	if !ok || id == "" {
		return fmt.Errorf("node props missing db_entity_id")
	}

	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := fmt.Sprintf(`
			MERGE (e:Entity {db_entity_id: $id})
			SET e = $props
			SET e:%s
		`, nodeLabel(label))
		_, err := tx.Run(ctx, query, map[string]interface{}{
			"id":    id,
			"props": SanitizeProps(props),
		})
		return nil, err
	})
	return err
}

// BulkCreateNodes merges prepared nodes grouped by label, with the same
// per-node fallback as BulkInsert.
func (d *Neo4jDestination) BulkCreateNodes(ctx context.Context, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}

	groups := make(map[string][]map[string]interface{})
	for _, n := range nodes {
		groups[nodeLabel(n.Label)] = append(groups[nodeLabel(n.Label)], SanitizeProps(n.Props))
	}

	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		for label, rows := range groups {
			query := fmt.Sprintf(`
				UNWIND $rows AS row
				MERGE (e:Entity {db_entity_id: row.db_entity_id})
				SET e = row
				SET e:%s
			`, label)
			if _, err := tx.Run(ctx, query, map[string]interface{}{"rows": rows}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		d.log.WithError(err).Warn("bulk node write failed, retrying nodes one by one")
		var firstErr error
		failed := 0
		for _, n := range nodes {
			if nerr := d.CreateNode(ctx, n.Props, n.Label); nerr != nil {
				failed++
				if firstErr == nil {
					firstErr = nerr
				}
			}
		}
		if firstErr != nil {
			return fmt.Errorf("%d of %d node writes failed: %w", failed, len(nodes), firstErr)
		}
	}
	return nil
}

// Delete detaches and removes the node with the given db_entity_id.
// Deleting an unknown id is a no-op.
func (d *Neo4jDestination) Delete(ctx context.Context, dbEntityID uuid.UUID) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `
			MATCH (e:Entity {db_entity_id: $id})
			DETACH DELETE e
		`
		_, err := tx.Run(ctx, query, map[string]interface{}{"id": dbEntityID.String()})
		return nil, err
	})
	return err
}

func (d *Neo4jDestination) BulkDeleteByParentID(ctx context.Context, parentID string, syncID uuid.UUID) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `
			MATCH (e:Entity {sync_id: $sync})
			WHERE e.parent_id = $parent OR $parent = $sync
			DETACH DELETE e
		`
		_, err := tx.Run(ctx, query, map[string]interface{}{
			"sync":   syncID.String(),
			"parent": parentID,
		})
		return nil, err
	})
	return err
}

// CreateRelationship links the node holding fromDBEntityID to the node whose
// entity_id equals toEntityID. A missing endpoint makes the write a no-op,
// which is what keeps out-of-order emission harmless.
func (d *Neo4jDestination) CreateRelationship(ctx context.Context, fromDBEntityID, toEntityID, relType string, props map[string]interface{}) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return nil, runRelationship(ctx, tx, Relationship{
			FromDBEntityID: fromDBEntityID,
			ToEntityID:     toEntityID,
			Type:           relType,
			Props:          props,
		})
	})
	return err
}

// BulkCreateRelationships merges edges grouped by relation type. A failing
// batch falls back to one write per edge.
func (d *Neo4jDestination) BulkCreateRelationships(ctx context.Context, rels []Relationship) error {
	if len(rels) == 0 {
		return nil
	}

	groups := make(map[string][]map[string]interface{})
	for _, rel := range rels {
		props := SanitizeProps(rel.Props)
		sync, _ := props["sync_id"].(string)
		groups[rel.Type] = append(groups[rel.Type], map[string]interface{}{
			"from":  rel.FromDBEntityID,
			"to":    rel.ToEntityID,
			"sync":  sync,
			"props": props,
		})
	}

	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		for relType, batch := range groups {
			query := fmt.Sprintf(`
				UNWIND $rels AS rel
				MATCH (a:Entity {db_entity_id: rel.from})
				MATCH (b:Entity {entity_id: rel.to})
				WHERE rel.sync = "" OR b.sync_id = rel.sync
				MERGE (a)-[r:%s]->(b)
				SET r = rel.props
			`, relTypeName(relType))
			if _, err := tx.Run(ctx, query, map[string]interface{}{"rels": batch}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		d.log.WithError(err).Warn("bulk relationship write failed, retrying edges one by one")
		var firstErr error
		failed := 0
		for _, rel := range rels {
			if rerr := d.CreateRelationship(ctx, rel.FromDBEntityID, rel.ToEntityID, rel.Type, rel.Props); rerr != nil {
				failed++
				if firstErr == nil {
					firstErr = rerr
				}
			}
		}
		if firstErr != nil {
			return fmt.Errorf("%d of %d relationship writes failed: %w", failed, len(rels), firstErr)
		}
	}
	return nil
}

func runRelationship(ctx context.Context, tx neo4j.ManagedTransaction, rel Relationship) error {
	props := SanitizeProps(rel.Props)
	sync, _ := props["sync_id"].(string)

	query := fmt.Sprintf(`
		MATCH (a:Entity {db_entity_id: $from})
		MATCH (b:Entity {entity_id: $to})
		WHERE $sync = "" OR b.sync_id = $sync
		MERGE (a)-[r:%s]->(b)
		SET r = $props
	`, relTypeName(rel.Type))
	_, err := tx.Run(ctx, query, map[string]interface{}{
		"from":  rel.FromDBEntityID,
		"to":    rel.ToEntityID,
		"sync":  sync,
		"props": props,
	})
	return err
}

// SearchForSyncID scans the common text fields of a sync's nodes for a
// case-insensitive substring match.
func (d *Neo4jDestination) SearchForSyncID(ctx context.Context, query string, syncID uuid.UUID, limit int) ([]SearchResult, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		cypher := `
			MATCH (e:Entity {sync_id: $sync})
			WHERE $q = "" OR any(f IN $fields
				WHERE e[f] IS NOT NULL AND toLower(toString(e[f])) CONTAINS toLower($q))
			RETURN e
			LIMIT $limit
		`
		res, err := tx.Run(ctx, cypher, map[string]interface{}{
			"sync":   syncID.String(),
			"q":      query,
			"fields": searchFields,
			"limit":  searchLimit(limit),
		})
		if err != nil {
			return nil, err
		}

		var hits []SearchResult
		for res.Next(ctx) {
			record := res.Record()
			value, ok := record.Get("e")
			if !ok {
				continue
			}
			node, ok := value.(neo4j.Node)
			if !ok {
				continue
			}
			hits = append(hits, resultFrom(node.Props))
		}
		return hits, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search sync %s: %w", syncID, err)
	}
	return result.([]SearchResult), nil
}

// Close releases the underlying driver and its connection pool.
func (d *Neo4jDestination) Close() error {
	return d.driver.Close(context.Background())
}

// searchFields are the properties worth scanning for substring hits.
var searchFields = []string{
	"title", "name", "content", "description", "body",
	"entity_id", "full_name", "path_with_namespace", "display_name",
}

func searchLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

var labelClean = regexp.MustCompile(`[^A-Za-z0-9_]`)

// nodeLabel turns an entity type into a safe node label,
// "gitea_repository" becomes GiteaRepository.
func nodeLabel(entityType string) string {
	clean := labelClean.ReplaceAllString(entityType, "_")
	parts := strings.Split(clean, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	label := strings.Join(parts, "")
	if label == "" {
		return "Entity"
	}
	if label[0] >= '0' && label[0] <= '9' {
		label = "E" + label
	}
	return label
}

// relTypeName uppercases a relation type for Cypher, "belongs_to" becomes
// BELONGS_TO.
func relTypeName(relType string) string {
	clean := labelClean.ReplaceAllString(relType, "_")
	if clean == "" {
		return "RELATED_TO"
	}
	if clean[0] >= '0' && clean[0] <= '9' {
		clean = "R_" + clean
	}
	return strings.ToUpper(clean)
}
