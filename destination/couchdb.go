package destination

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/common"
	"weave.evalgo.org/entity"
)

// DefaultCouchDatabase is used when no database name is configured.
const DefaultCouchDatabase = "weave_entities"

// CouchDBDestination stores entities as documents keyed by db_entity_id.
// Idempotency comes from CouchDB's MVCC model: a second insert of a known id
// fetches the current revision and overwrites the document.
type CouchDBDestination struct {
	client *kivik.Client
	db     *kivik.DB
	dbName string
	log    *logrus.Entry
}

// NewCouchDB connects to CouchDB and creates the entity database if needed.
func NewCouchDB(ctx context.Context, cfg *Config) (Destination, error) {
	client, err := kivik.New("couch", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = DefaultCouchDatabase
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to check database %s: %w", dbName, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("failed to create database %s: %w", dbName, err)
		}
	}

	log := cfg.Logger
	if log == nil {
		log = common.Component("couchdb")
	}

	return &CouchDBDestination{
		client: client,
		db:     client.DB(dbName),
		dbName: dbName,
		log:    log,
	}, nil
}

func (d *CouchDBDestination) ShortName() string { return "couchdb" }

func (d *CouchDBDestination) Type() Kind { return KindVector }

// SetupCollection creates the Mango indexes sync queries rely on.
func (d *CouchDBDestination) SetupCollection(ctx context.Context, syncID uuid.UUID) error {
	for _, fields := range [][]string{
		{"sync_id"},
		{"sync_id", "parent_id"},
		{"sync_id", "entity_id"},
	} {
		indexDef := map[string]interface{}{"fields": fields}
		if err := d.db.CreateIndex(ctx, "", "", indexDef); err != nil {
			return fmt.Errorf("failed to create index on %v: %w", fields, err)
		}
	}
	return nil
}

// BulkInsert upserts one document per entity.
func (d *CouchDBDestination) BulkInsert(ctx context.Context, entities []entity.Entity) error {
	for _, e := range entities {
		if err := d.put(ctx, e); err != nil {
			return fmt.Errorf("failed to store entity %s: %w", e.Core().EntityID, err)
		}
	}
	return nil
}

func (d *CouchDBDestination) put(ctx context.Context, e entity.Entity) error {
	id := e.Core().DBEntityID.String()
	doc := Document(e)
	doc["_id"] = id

	rev, err := d.db.GetRev(ctx, id)
	switch {
	case err == nil:
		doc["_rev"] = rev
	case kivik.HTTPStatus(err) == http.StatusNotFound:
	default:
		return fmt.Errorf("failed to check revision: %w", err)
	}

	if _, err := d.db.Put(ctx, id, doc); err != nil {
		// A concurrent writer may have bumped the revision between the
		// read and the write; refresh once and retry.
		if kivik.HTTPStatus(err) != http.StatusConflict {
			return fmt.Errorf("failed to put document: %w", err)
		}
		rev, rerr := d.db.GetRev(ctx, id)
		if rerr != nil {
			return fmt.Errorf("failed to refresh revision: %w", rerr)
		}
		doc["_rev"] = rev
		if _, err := d.db.Put(ctx, id, doc); err != nil {
			return fmt.Errorf("failed to put document: %w", err)
		}
	}
	return nil
}

// Delete removes the document with the given db_entity_id. Deleting an
// unknown id is a no-op.
func (d *CouchDBDestination) Delete(ctx context.Context, dbEntityID uuid.UUID) error {
	id := dbEntityID.String()

	rev, err := d.db.GetRev(ctx, id)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to check revision of %s: %w", id, err)
	}

	if _, err := d.db.Delete(ctx, id, rev); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

func (d *CouchDBDestination) BulkDeleteByParentID(ctx context.Context, parentID string, syncID uuid.UUID) error {
	selector := map[string]interface{}{"sync_id": syncID.String()}
	if parentID != syncID.String() {
		selector["parent_id"] = parentID
	}

	refs, err := d.findRefs(ctx, selector)
	if err != nil {
		return fmt.Errorf("failed to list entities of parent %s: %w", parentID, err)
	}

	for _, ref := range refs {
		if _, err := d.db.Delete(ctx, ref.ID, ref.Rev); err != nil {
			if kivik.HTTPStatus(err) == http.StatusNotFound {
				continue
			}
			return fmt.Errorf("failed to delete document %s: %w", ref.ID, err)
		}
	}
	return nil
}

type docRef struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev"`
}

func (d *CouchDBDestination) findRefs(ctx context.Context, selector map[string]interface{}) ([]docRef, error) {
	rows := d.db.Find(ctx, selector)
	defer rows.Close()

	var refs []docRef
	for rows.Next() {
		var ref docRef
		if err := rows.ScanDoc(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// SearchForSyncID runs a Mango query matching the query string against the
// common text fields, case-insensitively, scoped to one sync.
func (d *CouchDBDestination) SearchForSyncID(ctx context.Context, query string, syncID uuid.UUID, limit int) ([]SearchResult, error) {
	selector := map[string]interface{}{"sync_id": syncID.String()}
	if query != "" {
		pattern := "(?i)" + regexp.QuoteMeta(query)
		var or []map[string]interface{}
		for _, f := range searchFields {
			or = append(or, map[string]interface{}{
				f: map[string]interface{}{"$regex": pattern},
			})
		}
		selector["$or"] = or
	}

	rows := d.db.Find(ctx, selector, kivik.Param("limit", searchLimit(limit)))
	defer rows.Close()

	var hits []SearchResult
	for rows.Next() {
		var doc map[string]interface{}
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		delete(doc, "_id")
		delete(doc, "_rev")
		hits = append(hits, resultFrom(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search sync %s: %w", syncID, err)
	}
	return hits, nil
}

// Close closes the underlying client connection.
func (d *CouchDBDestination) Close() error {
	return d.client.Close()
}
