package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// deleteChunkSize bounds the IN lists of garbage collection deletes.
const deleteChunkSize = 500

// EntityStateStore is the authority on what has been ingested. Destinations
// derive from it; when the two disagree the state store wins.
type EntityStateStore struct {
	db *gorm.DB
}

// GetByEntityAndSync returns the state row for one logical record, or nil
// when the record has never been ingested.
func (s *EntityStateStore) GetByEntityAndSync(ctx context.Context, syncID uuid.UUID, entityID string) (*EntityState, error) {
	var state EntityState
	err := s.db.WithContext(ctx).
		Where("sync_id = ? AND entity_id = ?", syncID, entityID).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load entity state: %w", err)
	}
	return &state, nil
}

// Create inserts a new state row. The caller pre-assigns the ID; it is the
// db_entity_id every destination keys the entity's documents by.
func (s *EntityStateStore) Create(ctx context.Context, state *EntityState) error {
	if state.ID == uuid.Nil {
		state.ID = uuid.New()
	}
	if state.ModifiedAt.IsZero() {
		state.ModifiedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(state).Error; err != nil {
		return fmt.Errorf("failed to create entity state: %w", err)
	}
	return nil
}

// UpdateHash advances a row to a new content hash and stamps the job that
// carried the change.
func (s *EntityStateStore) UpdateHash(ctx context.Context, id uuid.UUID, hash string, syncJobID uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&EntityState{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"hash":        hash,
			"sync_job_id": syncJobID,
			"modified_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update entity state %s: %w", id, err)
	}
	return nil
}

// Delete removes one state row by primary key.
func (s *EntityStateStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&EntityState{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete entity state %s: %w", id, err)
	}
	return nil
}

// BulkDeleteBySyncJob garbage-collects the rows of a sync that the given
// job did not observe: rows last touched by an earlier job whose entity_id
// is not in the keep set. The removed rows are returned so the caller can
// clean the matching destination documents.
func (s *EntityStateStore) BulkDeleteBySyncJob(ctx context.Context, syncID, syncJobID uuid.UUID, keep []string) ([]EntityState, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	var candidates []EntityState
	err := s.db.WithContext(ctx).
		Where("sync_id = ? AND sync_job_id <> ?", syncID, syncJobID).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale entity state: %w", err)
	}

	var victims []EntityState
	for _, c := range candidates {
		if _, kept := keepSet[c.EntityID]; !kept {
			victims = append(victims, c)
		}
	}
	if len(victims) == 0 {
		return nil, nil
	}

	for start := 0; start < len(victims); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(victims) {
			end = len(victims)
		}
		ids := make([]uuid.UUID, 0, end-start)
		for _, v := range victims[start:end] {
			ids = append(ids, v.ID)
		}
		if err := s.db.WithContext(ctx).Delete(&EntityState{}, "id IN ?", ids).Error; err != nil {
			return nil, fmt.Errorf("failed to garbage-collect entity state: %w", err)
		}
	}
	return victims, nil
}

// DeleteBySync removes every state row of a sync, returning the count.
func (s *EntityStateStore) DeleteBySync(ctx context.Context, syncID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&EntityState{}, "sync_id = ?", syncID)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete entity state of sync %s: %w", syncID, res.Error)
	}
	return res.RowsAffected, nil
}

// CountBySync returns the number of ingested entities of a sync.
func (s *EntityStateStore) CountBySync(ctx context.Context, syncID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&EntityState{}).
		Where("sync_id = ?", syncID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count entity state of sync %s: %w", syncID, err)
	}
	return count, nil
}
