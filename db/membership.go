package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MembershipStore maintains the expanded group-to-member closure surfaced by
// directory sources. Rows are identified by (organization, connection,
// group, member, member type), so replaying a change is harmless.
type MembershipStore struct {
	db *gorm.DB
}

// Upsert inserts a membership edge or refreshes its display fields when the
// edge already exists.
func (s *MembershipStore) Upsert(ctx context.Context, m *Membership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "organization_id"},
			{Name: "source_connection_id"},
			{Name: "group_id"},
			{Name: "member_id"},
			{Name: "member_type"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"group_name", "source_name"}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// Remove deletes one membership edge. Removing an absent edge is a no-op.
func (s *MembershipStore) Remove(ctx context.Context, orgID, connID uuid.UUID, groupID, memberID, memberType string) error {
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND source_connection_id = ? AND group_id = ? AND member_id = ? AND member_type = ?",
			orgID, connID, groupID, memberID, memberType).
		Delete(&Membership{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return nil
}

// DeleteByGroup removes every member of a group, returning the count.
func (s *MembershipStore) DeleteByGroup(ctx context.Context, orgID, connID uuid.UUID, groupID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("organization_id = ? AND source_connection_id = ? AND group_id = ?", orgID, connID, groupID).
		Delete(&Membership{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete group %s: %w", groupID, res.Error)
	}
	return res.RowsAffected, nil
}

// ListGroupMembers returns the current members of one group.
func (s *MembershipStore) ListGroupMembers(ctx context.Context, orgID, connID uuid.UUID, groupID string) ([]Membership, error) {
	var members []Membership
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND source_connection_id = ? AND group_id = ?", orgID, connID, groupID).
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list members of group %s: %w", groupID, err)
	}
	return members, nil
}

// ListGroups returns the distinct group ids known for a connection.
func (s *MembershipStore) ListGroups(ctx context.Context, orgID, connID uuid.UUID) ([]string, error) {
	var groups []string
	err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("organization_id = ? AND source_connection_id = ?", orgID, connID).
		Distinct().
		Pluck("group_id", &groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// DeleteByConnection removes every membership of a connection, returning
// the count. Used by the cleanup workflow.
func (s *MembershipStore) DeleteByConnection(ctx context.Context, orgID, connID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("organization_id = ? AND source_connection_id = ?", orgID, connID).
		Delete(&Membership{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete memberships of connection %s: %w", connID, res.Error)
	}
	return res.RowsAffected, nil
}
