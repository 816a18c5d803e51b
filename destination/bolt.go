package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"weave.evalgo.org/common"
	"weave.evalgo.org/entity"
)

// entityIndexBucket maps db_entity_id to the sync bucket holding the entity,
// so Delete can find its document without knowing the sync.
const entityIndexBucket = "entity_index"

// BoltDestination is a single-file local destination backed by bbolt, meant
// for development and hermetic tests. Each sync gets its own bucket;
// documents are keyed by db_entity_id.
type BoltDestination struct {
	db  *bolt.DB
	log *logrus.Entry
}

// NewBolt opens or creates the database file named by cfg.URL (falling back
// to the "path" setting).
func NewBolt(ctx context.Context, cfg *Config) (Destination, error) {
	path := cfg.URL
	if path == "" {
		path = cfg.Setting("path", "weave.db")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entityIndexBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index bucket: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = common.Component("bolt")
	}

	return &BoltDestination{db: db, log: log}, nil
}

func (d *BoltDestination) ShortName() string { return "bolt" }

func (d *BoltDestination) Type() Kind { return KindVector }

func syncBucket(syncID uuid.UUID) []byte {
	return []byte("sync:" + syncID.String())
}

func (d *BoltDestination) SetupCollection(ctx context.Context, syncID uuid.UUID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(syncBucket(syncID)); err != nil {
			return fmt.Errorf("failed to create bucket for sync %s: %w", syncID, err)
		}
		return nil
	})
}

// BulkInsert writes every entity in one transaction. Re-inserting a known
// db_entity_id overwrites the stored document.
func (d *BoltDestination) BulkInsert(ctx context.Context, entities []entity.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(entityIndexBucket))
		for _, e := range entities {
			core := e.Core()
			bucket, err := tx.CreateBucketIfNotExists(syncBucket(core.SyncID))
			if err != nil {
				return fmt.Errorf("failed to create bucket for sync %s: %w", core.SyncID, err)
			}

			data, err := json.Marshal(Document(e))
			if err != nil {
				return fmt.Errorf("failed to marshal entity %s: %w", core.EntityID, err)
			}

			key := []byte(core.DBEntityID.String())
			if err := bucket.Put(key, data); err != nil {
				return err
			}
			if err := index.Put(key, syncBucket(core.SyncID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the document with the given db_entity_id. Deleting an
// unknown id is a no-op.
func (d *BoltDestination) Delete(ctx context.Context, dbEntityID uuid.UUID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(entityIndexBucket))
		key := []byte(dbEntityID.String())

		bucketName := index.Get(key)
		if bucketName == nil {
			return nil
		}
		if bucket := tx.Bucket(bucketName); bucket != nil {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return index.Delete(key)
	})
}

func (d *BoltDestination) BulkDeleteByParentID(ctx context.Context, parentID string, syncID uuid.UUID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(syncBucket(syncID))
		if bucket == nil {
			return nil
		}
		index := tx.Bucket([]byte(entityIndexBucket))

		if parentID == syncID.String() {
			err := bucket.ForEach(func(k, _ []byte) error {
				return index.Delete(k)
			})
			if err != nil {
				return err
			}
			return tx.DeleteBucket(syncBucket(syncID))
		}

		// Collect first: the iterated bucket must not change mid-scan.
		var victims [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var doc struct {
				ParentID string `json:"parent_id"`
			}
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", k, err)
			}
			if doc.ParentID == parentID {
				victims = append(victims, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range victims {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			if err := index.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SearchForSyncID scans the sync's documents for a case-insensitive
// substring match on any string field. An empty query matches everything.
func (d *BoltDestination) SearchForSyncID(ctx context.Context, query string, syncID uuid.UUID, limit int) ([]SearchResult, error) {
	q := strings.ToLower(query)
	max := searchLimit(limit)

	var hits []SearchResult
	err := d.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(syncBucket(syncID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if len(hits) >= max {
				return nil
			}
			var doc map[string]interface{}
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", k, err)
			}
			if matchesQuery(doc, q) {
				hits = append(hits, resultFrom(doc))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search sync %s: %w", syncID, err)
	}
	return hits, nil
}

func matchesQuery(doc map[string]interface{}, q string) bool {
	if q == "" {
		return true
	}
	for _, v := range doc {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func (d *BoltDestination) Close() error {
	return d.db.Close()
}
