package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/common"
	"weave.evalgo.org/db"
	"weave.evalgo.org/source"
)

// MembershipStore is the slice of the database layer the ACL pipeline
// needs. *db.MembershipStore satisfies it.
type MembershipStore interface {
	Upsert(ctx context.Context, m *db.Membership) error
	Remove(ctx context.Context, orgID, connID uuid.UUID, groupID, memberID, memberType string) error
	DeleteByGroup(ctx context.Context, orgID, connID uuid.UUID, groupID string) (int64, error)
	ListGroupMembers(ctx context.Context, orgID, connID uuid.UUID, groupID string) ([]db.Membership, error)
	ListGroups(ctx context.Context, orgID, connID uuid.UUID) ([]string, error)
}

// ACLConfig wires an ACLPipeline.
type ACLConfig struct {
	Store          MembershipStore
	Source         source.ACLSource
	OrganizationID uuid.UUID
	ConnectionID   uuid.UUID
	SourceName     string
	Progress       *Progress
	Log            *logrus.Entry
}

// ACLPipeline mirrors a directory's group memberships into the
// database. It runs beside the entity orchestrator and keeps its own
// cursor, the provider's dir-sync cookie. When the provider rejects the
// cookie or fails otherwise, the pipeline falls back to a full
// membership resync instead of aborting the job.
type ACLPipeline struct {
	store      MembershipStore
	src        source.ACLSource
	orgID      uuid.UUID
	connID     uuid.UUID
	sourceName string
	progress   *Progress
	log        *logrus.Entry
}

func NewACLPipeline(cfg ACLConfig) *ACLPipeline {
	log := cfg.Log
	if log == nil {
		log = common.Component("acl")
	}
	return &ACLPipeline{
		store:      cfg.Store,
		src:        cfg.Source,
		orgID:      cfg.OrganizationID,
		connID:     cfg.ConnectionID,
		sourceName: cfg.SourceName,
		progress:   cfg.Progress,
		log:        log,
	}
}

// Run fetches membership changes since cookie and applies them. It
// returns the new cookie on success; the caller persists it, so a
// failed run keeps the old cookie and the next run replays the delta.
// A successful run with zero changes still returns the fresh cookie.
func (p *ACLPipeline) Run(ctx context.Context, cookie string) (string, error) {
	result, err := p.src.GetACLChanges(ctx, cookie)

	var adds, removes, deletes int64
	var newCookie string

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.log.WithError(err).Warn("directory delta failed, falling back to full membership resync")
		adds, removes, deletes, newCookie, err = p.processFull(ctx)
		if err != nil {
			return "", err
		}
	} else {
		var addSet map[string]map[string]struct{}
		adds, removes, addSet, err = p.applyChanges(ctx, result.Changes)
		if err != nil {
			return "", err
		}

		// A non-incremental result means the provider returned full
		// member lists for the named groups; anything we hold beyond
		// those lists is stale.
		if !result.Incremental && len(result.ModifiedGroupIDs) > 0 {
			n, err := p.reconcileGroups(ctx, result.ModifiedGroupIDs, addSet)
			if err != nil {
				return "", err
			}
			removes += n
		}

		for _, gid := range result.DeletedGroupIDs {
			n, err := p.store.DeleteByGroup(ctx, p.orgID, p.connID, gid)
			if err != nil {
				return "", fmt.Errorf("failed to delete group memberships: %w", err)
			}
			deletes += n
		}
		newCookie = result.Cookie
	}

	p.progress.ACLDone(adds, removes, deletes)
	p.log.WithField("added", adds).
		WithField("removed", removes).
		WithField("deleted", deletes).
		Info("membership reconciliation done")
	return newCookie, nil
}

// processFull rebuilds memberships from an empty-cookie snapshot: every
// membership in the snapshot is upserted, every group in the snapshot
// is reconciled against it, and groups we hold that the snapshot no
// longer mentions are dropped entirely.
func (p *ACLPipeline) processFull(ctx context.Context) (adds, removes, deletes int64, cookie string, err error) {
	snapshot, err := p.src.GetACLChanges(ctx, "")
	if err != nil {
		return 0, 0, 0, "", fmt.Errorf("failed to resync memberships: %w", err)
	}

	adds, removes, addSet, err := p.applyChanges(ctx, snapshot.Changes)
	if err != nil {
		return adds, removes, 0, "", err
	}

	seen := make([]string, 0, len(addSet))
	for gid := range addSet {
		seen = append(seen, gid)
	}
	n, err := p.reconcileGroups(ctx, seen, addSet)
	if err != nil {
		return adds, removes, 0, "", err
	}
	removes += n

	held, err := p.store.ListGroups(ctx, p.orgID, p.connID)
	if err != nil {
		return adds, removes, 0, "", fmt.Errorf("failed to list membership groups: %w", err)
	}
	for _, gid := range held {
		if _, ok := addSet[gid]; ok {
			continue
		}
		n, err := p.store.DeleteByGroup(ctx, p.orgID, p.connID, gid)
		if err != nil {
			return adds, removes, deletes, "", fmt.Errorf("failed to delete group memberships: %w", err)
		}
		deletes += n
	}

	return adds, removes, deletes, snapshot.Cookie, nil
}

// applyChanges upserts adds and deletes removes, returning the set of
// added members per group for reconciliation.
func (p *ACLPipeline) applyChanges(ctx context.Context, changes []source.MembershipChange) (adds, removes int64, addSet map[string]map[string]struct{}, err error) {
	addSet = make(map[string]map[string]struct{})
	for _, ch := range changes {
		switch ch.Type {
		case source.ChangeAdd:
			m := &db.Membership{
				OrganizationID:     p.orgID,
				SourceConnectionID: p.connID,
				GroupID:            ch.GroupID,
				MemberID:           ch.MemberID,
				MemberType:         string(ch.MemberType),
				GroupName:          ch.GroupName,
				SourceName:         p.sourceName,
			}
			if err := p.store.Upsert(ctx, m); err != nil {
				return adds, removes, addSet, fmt.Errorf("failed to upsert membership: %w", err)
			}
			adds++
			if addSet[ch.GroupID] == nil {
				addSet[ch.GroupID] = make(map[string]struct{})
			}
			addSet[ch.GroupID][memberKey(ch.MemberID, string(ch.MemberType))] = struct{}{}
		case source.ChangeRemove:
			if err := p.store.Remove(ctx, p.orgID, p.connID, ch.GroupID, ch.MemberID, string(ch.MemberType)); err != nil {
				return adds, removes, addSet, fmt.Errorf("failed to remove membership: %w", err)
			}
			removes++
		}
	}
	return adds, removes, addSet, nil
}

// reconcileGroups deletes stored members of the given groups that the
// provider's member lists no longer contain. A listed group with no
// adds loses all members.
func (p *ACLPipeline) reconcileGroups(ctx context.Context, groups []string, addSet map[string]map[string]struct{}) (int64, error) {
	var removes int64
	for _, gid := range groups {
		current, err := p.store.ListGroupMembers(ctx, p.orgID, p.connID, gid)
		if err != nil {
			return removes, fmt.Errorf("failed to list group members: %w", err)
		}
		expected := addSet[gid]
		for _, m := range current {
			if _, ok := expected[memberKey(m.MemberID, m.MemberType)]; ok {
				continue
			}
			if err := p.store.Remove(ctx, p.orgID, p.connID, gid, m.MemberID, m.MemberType); err != nil {
				return removes, fmt.Errorf("failed to remove membership: %w", err)
			}
			removes++
		}
	}
	return removes, nil
}

func memberKey(memberID, memberType string) string {
	return memberID + "\x00" + memberType
}
