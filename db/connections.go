package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConnectionStore manages source connections and their sealed credentials.
type ConnectionStore struct {
	db *gorm.DB
}

// CreateCredential stores a sealed credential blob.
func (s *ConnectionStore) CreateCredential(ctx context.Context, cred *ConnectionCredential) error {
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(cred).Error; err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetCredential returns a credential by id, or nil when it does not exist.
func (s *ConnectionStore) GetCredential(ctx context.Context, id uuid.UUID) (*ConnectionCredential, error) {
	var cred ConnectionCredential
	err := s.db.WithContext(ctx).First(&cred, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load credential %s: %w", id, err)
	}
	return &cred, nil
}

// DeleteCredential removes a credential row.
func (s *ConnectionStore) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&ConnectionCredential{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete credential %s: %w", id, err)
	}
	return nil
}

// Create inserts a source connection.
func (s *ConnectionStore) Create(ctx context.Context, conn *SourceConnection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("failed to create source connection: %w", err)
	}
	return nil
}

// Get returns a source connection by id, or nil when it does not exist.
func (s *ConnectionStore) Get(ctx context.Context, id uuid.UUID) (*SourceConnection, error) {
	var conn SourceConnection
	err := s.db.WithContext(ctx).First(&conn, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load source connection %s: %w", id, err)
	}
	return &conn, nil
}

// List returns the source connections of an organization.
func (s *ConnectionStore) List(ctx context.Context, orgID uuid.UUID) ([]SourceConnection, error) {
	var conns []SourceConnection
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list source connections: %w", err)
	}
	return conns, nil
}

// Delete removes a source connection and its credential. State rows,
// memberships and destination copies are handled by the cleanup workflow,
// which needs the connection's syncs resolved first.
func (s *ConnectionStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conn SourceConnection
		err := tx.First(&conn, "id = ?", id).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load source connection %s: %w", id, err)
		}
		if conn.CredentialID != uuid.Nil {
			if err := tx.Delete(&ConnectionCredential{}, "id = ?", conn.CredentialID).Error; err != nil {
				return fmt.Errorf("failed to delete credential %s: %w", conn.CredentialID, err)
			}
		}
		if err := tx.Delete(&SourceConnection{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete source connection %s: %w", id, err)
		}
		return nil
	})
}
