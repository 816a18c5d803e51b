package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var cronField = `(\*|[0-9]+(-[0-9]+)?)(/[0-9]+)?(,(\*|[0-9]+(-[0-9]+)?)(/[0-9]+)?)*`

// cronSchedule accepts the classic 5-field cron syntax with lists, ranges
// and steps.
var cronSchedule = regexp.MustCompile(`^` + cronField + `( ` + cronField + `){4}$`)

// ValidCronSchedule reports whether s is an acceptable schedule. The empty
// string is valid and means the sync only runs on demand.
func ValidCronSchedule(s string) bool {
	return s == "" || cronSchedule.MatchString(s)
}

// SyncStore manages sync definitions and their destination lists.
type SyncStore struct {
	db *gorm.DB
}

// Create inserts a sync after validating its schedule.
func (s *SyncStore) Create(ctx context.Context, sync *Sync) error {
	if !ValidCronSchedule(sync.CronSchedule) {
		return fmt.Errorf("invalid cron schedule %q", sync.CronSchedule)
	}
	if sync.ID == uuid.Nil {
		sync.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(sync).Error; err != nil {
		return fmt.Errorf("failed to create sync: %w", err)
	}
	return nil
}

// Get returns a sync by id, or nil when it does not exist.
func (s *SyncStore) Get(ctx context.Context, id uuid.UUID) (*Sync, error) {
	var sync Sync
	err := s.db.WithContext(ctx).First(&sync, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync %s: %w", id, err)
	}
	return &sync, nil
}

// ListBySourceConnection returns every sync fed by one connection.
func (s *SyncStore) ListBySourceConnection(ctx context.Context, connID uuid.UUID) ([]Sync, error) {
	var syncs []Sync
	err := s.db.WithContext(ctx).
		Where("source_connection_id = ?", connID).
		Find(&syncs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list syncs of connection %s: %w", connID, err)
	}
	return syncs, nil
}

// UpdateCursor persists a sync's cursor as raw JSON.
func (s *SyncStore) UpdateCursor(ctx context.Context, syncID uuid.UUID, cursor []byte) error {
	err := s.db.WithContext(ctx).Model(&Sync{}).
		Where("id = ?", syncID).
		Updates(map[string]interface{}{
			"cursor":     cursor,
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update cursor of sync %s: %w", syncID, err)
	}
	return nil
}

// Delete removes a sync definition and its destination rows.
func (s *SyncStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SyncDestination{}, "sync_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete destinations of sync %s: %w", id, err)
		}
		if err := tx.Delete(&Sync{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete sync %s: %w", id, err)
		}
		return nil
	})
}

// ListDestinations returns the authoritative destination list of a sync.
func (s *SyncStore) ListDestinations(ctx context.Context, syncID uuid.UUID) ([]SyncDestination, error) {
	var dests []SyncDestination
	err := s.db.WithContext(ctx).
		Where("sync_id = ?", syncID).
		Order("created_at").
		Find(&dests).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations of sync %s: %w", syncID, err)
	}
	return dests, nil
}

// ReplaceDestinations swaps the destination list of a sync in one
// transaction.
func (s *SyncStore) ReplaceDestinations(ctx context.Context, syncID uuid.UUID, dests []SyncDestination) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SyncDestination{}, "sync_id = ?", syncID).Error; err != nil {
			return fmt.Errorf("failed to clear destinations of sync %s: %w", syncID, err)
		}
		for i := range dests {
			dests[i].SyncID = syncID
			if dests[i].ID == uuid.Nil {
				dests[i].ID = uuid.New()
			}
			if dests[i].CreatedAt.IsZero() {
				dests[i].CreatedAt = time.Now().UTC()
			}
			if err := tx.Create(&dests[i]).Error; err != nil {
				return fmt.Errorf("failed to add destination %s: %w", dests[i].ShortName, err)
			}
		}
		return nil
	})
}
