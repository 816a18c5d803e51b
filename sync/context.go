// Package sync runs sync jobs: the per-job orchestrator that moves
// entities from a source stream into destinations, the access control
// pipeline beside it, job lifecycle management, and the progress
// plumbing that makes a run observable.
package sync

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"weave.evalgo.org/dag"
	"weave.evalgo.org/db"
	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/registry"
	"weave.evalgo.org/source"
)

// DefaultMaxWorkers is the worker pool width used when none is configured.
const DefaultMaxWorkers = 20

// Cursor is the persisted position of a sync, opaque at the API boundary
// and JSON internally. The dir-sync cookie belongs to the ACL pipeline;
// the watermark is free for sources that can resume entity generation.
type Cursor struct {
	ACLDirSyncCookie    string `json:"acl_dirsync_cookie,omitempty"`
	EntityHighWatermark string `json:"entity_high_watermark,omitempty"`
}

// ParseCursor decodes a stored cursor. Nil or empty input is a fresh
// cursor, not an error.
func ParseCursor(raw []byte) (*Cursor, error) {
	c := &Cursor{}
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("failed to parse sync cursor: %w", err)
	}
	return c, nil
}

// Encode serializes the cursor for storage.
func (c *Cursor) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync cursor: %w", err)
	}
	return data, nil
}

// SyncContext carries everything one run needs. It is assembled by the
// service after validation and handed to the orchestrator and the ACL
// pipeline; nothing in it is shared across runs except the stores.
type SyncContext struct {
	Sync *db.Sync
	Job  *db.SyncJob

	Entry        registry.Entry
	Source       source.Source
	Destinations []destination.Destination
	Router       *dag.Router

	// SourceNodeID is the graph node entities originate from.
	SourceNodeID string

	// Files stages file payloads when object storage is configured;
	// nil disables staging.
	Files FileStore

	// Fetcher downloads file entity content before transformers run;
	// nil leaves download URLs unfetched.
	Fetcher FileFetcher

	Progress *Progress
	Cursor   *Cursor

	// Metadata is the sync's free-form annotation map, stamped onto
	// every entity.
	Metadata map[string]interface{}

	MaxWorkers   int
	StreamBuffer int

	Log *logrus.Entry
}

// Enrich stamps run identity onto an entity before anything hashes or
// routes it.
func (sc *SyncContext) Enrich(e entity.Entity) {
	c := e.Core()
	c.SourceName = sc.Entry.ShortName
	c.SyncID = sc.Sync.ID
	c.SyncJobID = sc.Job.ID

	if len(sc.Metadata) == 0 {
		return
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{}, len(sc.Metadata))
	}
	for k, v := range sc.Metadata {
		if _, set := c.Metadata[k]; !set {
			c.Metadata[k] = v
		}
	}
}

// BuildMetadata merges the sync's stored metadata with its white label
// identifiers into the map stamped onto entities.
func BuildMetadata(s *db.Sync) (map[string]interface{}, error) {
	meta := map[string]interface{}{}
	if len(s.SyncMetadata) > 0 {
		if err := json.Unmarshal(s.SyncMetadata, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse sync metadata: %w", err)
		}
	}
	if s.WhiteLabelID != nil {
		meta["white_label_id"] = s.WhiteLabelID.String()
		if s.WhiteLabelUserIdentifier != "" {
			meta["white_label_user_identifier"] = s.WhiteLabelUserIdentifier
		}
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
