package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobCounters are the per-job entity counters written on completion.
type JobCounters struct {
	Inserted    int64
	Updated     int64
	AlreadySync int64
	Skipped     int64
	Failed      int64
	Deleted     int64
}

// SyncJobStore manages sync job rows and enforces the job state machine.
type SyncJobStore struct {
	db *gorm.DB
}

// Create inserts a job in the pending state.
func (s *SyncJobStore) Create(ctx context.Context, job *SyncJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

// Get returns a job by id, or nil when it does not exist.
func (s *SyncJobStore) Get(ctx context.Context, id uuid.UUID) (*SyncJob, error) {
	var job SyncJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync job %s: %w", id, err)
	}
	return &job, nil
}

// ListBySync returns the newest jobs of a sync, most recent first.
func (s *SyncJobStore) ListBySync(ctx context.Context, syncID uuid.UUID, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []SyncJob
	err := s.db.WithContext(ctx).
		Where("sync_id = ?", syncID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of sync %s: %w", syncID, err)
	}
	return jobs, nil
}

// Transition moves a job to a new status, enforcing the state machine
// under a row lock. Moving to running stamps started_at.
func (s *SyncJobStore) Transition(ctx context.Context, jobID uuid.UUID, to JobStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job SyncJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", jobID).Error
		if err != nil {
			return fmt.Errorf("failed to load sync job %s: %w", jobID, err)
		}
		if !ValidTransition(job.Status, to) {
			return fmt.Errorf("sync job %s cannot move from %s to %s", jobID, job.Status, to)
		}

		updates := map[string]interface{}{"status": to}
		if to == JobRunning {
			updates["started_at"] = time.Now().UTC()
		}
		return tx.Model(&SyncJob{}).Where("id = ?", jobID).Updates(updates).Error
	})
}

// Finish moves a job to a terminal status and writes its counters and, for
// completed jobs with a cursor, the sync's cursor, in one transaction.
// Counters are only persisted on terminal transitions; the cursor only
// advances when the job completed.
func (s *SyncJobStore) Finish(ctx context.Context, jobID uuid.UUID, to JobStatus, errMsg string, counters JobCounters, cursor []byte) error {
	if !to.Terminal() {
		return fmt.Errorf("status %s is not terminal", to)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job SyncJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", jobID).Error
		if err != nil {
			return fmt.Errorf("failed to load sync job %s: %w", jobID, err)
		}
		if !ValidTransition(job.Status, to) {
			return fmt.Errorf("sync job %s cannot move from %s to %s", jobID, job.Status, to)
		}

		updates := map[string]interface{}{
			"status":       to,
			"completed_at": time.Now().UTC(),
			"error":        errMsg,
			"inserted":     counters.Inserted,
			"updated":      counters.Updated,
			"already_sync": counters.AlreadySync,
			"skipped":      counters.Skipped,
			"failed":       counters.Failed,
			"deleted":      counters.Deleted,
		}
		if err := tx.Model(&SyncJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to finish sync job %s: %w", jobID, err)
		}

		if to == JobCompleted && cursor != nil {
			err := tx.Model(&Sync{}).Where("id = ?", job.SyncID).
				Updates(map[string]interface{}{
					"cursor":     cursor,
					"updated_at": time.Now().UTC(),
				}).Error
			if err != nil {
				return fmt.Errorf("failed to advance cursor of sync %s: %w", job.SyncID, err)
			}
		}
		return nil
	})
}
