package db

import (
	"time"

	"github.com/google/uuid"
)

// EntityState is the authoritative record of one ingested entity. Its
// primary key doubles as the db_entity_id destinations key their copies
// by, so one row ties the relational state to every destination document.
type EntityState struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrganizationID uuid.UUID `gorm:"type:uuid;index"`
	SyncID         uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_entity_state_identity"`
	EntityID       string    `gorm:"uniqueIndex:idx_entity_state_identity"`
	Hash           string
	SyncJobID      uuid.UUID `gorm:"type:uuid;index"`
	ModifiedAt     time.Time
}

// Membership is one expanded group-to-member edge surfaced by a directory
// source. The unique index makes membership upserts idempotent.
type Membership struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrganizationID     uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_membership_identity"`
	SourceConnectionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_membership_identity;index"`
	GroupID            string    `gorm:"uniqueIndex:idx_membership_identity"`
	MemberID           string    `gorm:"uniqueIndex:idx_membership_identity"`
	MemberType         string    `gorm:"uniqueIndex:idx_membership_identity"`
	GroupName          string
	SourceName         string
	CreatedAt          time.Time
}

func (Membership) TableName() string { return "access_control_memberships" }

// SourceConnection anchors everything derived from one configured source.
// Deleting it cascades through syncs, state rows, memberships and cursors
// via the cleanup workflow.
type SourceConnection struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrganizationID uuid.UUID `gorm:"type:uuid;index"`
	Name           string
	ShortName      string
	CredentialID   uuid.UUID `gorm:"type:uuid"`
	Config         []byte    `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConnectionCredential holds the sealed credential blob for a connection.
// The payload is AES-256-GCM encrypted JSON; the database never sees
// plaintext secrets.
type ConnectionCredential struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrganizationID uuid.UUID `gorm:"type:uuid;index"`
	AuthMethod     string
	Encrypted      []byte `gorm:"type:bytea"`
	CreatedAt      time.Time
}

// Sync is a configured pipeline from one source connection into a set of
// destinations. Cursor carries the persisted sync cursor as raw JSON and is
// only advanced in the same transaction as a completed job.
type Sync struct {
	ID                       uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrganizationID           uuid.UUID `gorm:"type:uuid;index"`
	Name                     string
	SourceConnectionID       uuid.UUID `gorm:"type:uuid;index"`
	CronSchedule             string
	SyncMetadata             []byte `gorm:"type:jsonb"`
	WhiteLabelID             *uuid.UUID `gorm:"type:uuid"`
	WhiteLabelUserIdentifier string
	Cursor                   []byte `gorm:"type:jsonb"`
	Status                   string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// SyncDestination is one destination wired into a sync. The rows for a sync
// are the authoritative destination list a job writes to.
type SyncDestination struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SyncID    uuid.UUID `gorm:"type:uuid;index"`
	ShortName string
	IsNative  bool
	Config    []byte `gorm:"type:jsonb"`
	CreatedAt time.Time
}

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the status ends a job's lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

// ValidTransition reports whether a job may move from one status to
// another. Jobs that fail validation move straight from pending to failed;
// everything else terminates out of running.
func ValidTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobFailed || to == JobCancelled
	case JobRunning:
		return to.Terminal()
	}
	return false
}

// SyncJob is one run of a sync, carrying its counters and terminal error.
type SyncJob struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SyncID         uuid.UUID `gorm:"type:uuid;index"`
	OrganizationID uuid.UUID `gorm:"type:uuid;index"`
	Status         JobStatus `gorm:"index"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          string
	Inserted       int64
	Updated        int64
	AlreadySync    int64
	Skipped        int64
	Failed         int64
	Deleted        int64
	CreatedAt      time.Time
}
