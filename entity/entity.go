// Package entity defines the typed records that flow through the sync
// pipeline: the common identity core every record carries, the concrete
// record kinds (chunks, files, deletions), and the content hashing that
// makes sync runs idempotent.
//
// A record's content hash covers only its payload. Identity stamps that
// change between runs (sync ids, database ids, local file paths) never
// enter the hash, so the same upstream content always produces the same
// hash no matter which run carried it.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Breadcrumb is one step in the path from a source root down to an entity.
type Breadcrumb struct {
	// EntityID is the identifier of the ancestor within its source
	EntityID string `json:"entity_id"`

	// Name is the display name of the ancestor
	Name string `json:"name"`

	// Type is the ancestor's entity type name
	Type string `json:"type"`
}

// Core holds the identity fields shared by every entity kind.
// Concrete entity types embed it under the field name Base.
type Core struct {
	// EntityID is stable within a source and identifies the logical record
	EntityID string `json:"entity_id"`

	// Breadcrumbs is the ordered ancestry path from the source root
	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`

	// ParentID is the entity id of the direct parent, if any
	ParentID string `json:"parent_id,omitempty"`

	// SourceName is the short name of the producing connector
	SourceName string `json:"source_name"`

	// SyncID identifies the sync this entity belongs to
	SyncID uuid.UUID `json:"sync_id"`

	// SyncJobID identifies the run that carried this entity
	SyncJobID uuid.UUID `json:"sync_job_id"`

	// URL points back at the record in the source system, if addressable
	URL string `json:"url,omitempty"`

	// Metadata carries free-form sync annotations; excluded from the hash
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// DBEntityID is the state row id destinations key their documents by.
	// It is stamped by the pipeline during persist and is zero before that.
	DBEntityID uuid.UUID `json:"db_entity_id,omitempty"`

	contentHash string
}

// Entity is a typed record emitted by a source connector.
//
// Payload returns the hashable content of the record. Implementations
// must exclude identity stamps and anything the server assigns per run;
// two records with the same upstream content must return equal payloads.
//
// Field exposes named payload and identity values for routing without
// reflection. The boolean reports whether the entity knows the name.
type Entity interface {
	Core() *Core
	TypeName() string
	Payload() map[string]interface{}
	Field(name string) (interface{}, bool)
}

// Hash returns the hex SHA-256 of the canonical JSON encoding of the
// entity's payload. Payloads are maps, and encoding/json writes map keys
// in sorted order, so the encoding is canonical without extra work.
// The value is cached on the entity core after the first call.
func Hash(e Entity) (string, error) {
	c := e.Core()
	if c.contentHash != "" {
		return c.contentHash, nil
	}

	data, err := json.Marshal(e.Payload())
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for %s: %w", c.EntityID, err)
	}

	sum := sha256.Sum256(data)
	c.contentHash = hex.EncodeToString(sum[:])
	return c.contentHash, nil
}

// InvalidateHash drops the cached content hash, forcing the next Hash
// call to recompute. Transformers that rewrite payloads call this.
func (c *Core) InvalidateHash() {
	c.contentHash = ""
}

// Field resolves the identity names shared by every entity kind.
// Concrete types fall back to it after their own switch.
func (c *Core) Field(name string) (interface{}, bool) {
	switch name {
	case "entity_id":
		return c.EntityID, true
	case "parent_id":
		return c.ParentID, true
	case "source_name":
		return c.SourceName, true
	case "url":
		return c.URL, true
	default:
		return nil, false
	}
}
