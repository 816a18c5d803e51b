// Package source defines the contract every source connector
// implements, the configuration handed to connector factories, and the
// bounded stream that carries generated entities into the worker pool.
//
// Connectors live in this package too (gitea.go, gitlab.go,
// msdirectory.go); the catalog entries that make them addressable by
// short name are registered elsewhere, keeping this package free of
// catalog concerns.
package source

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"weave.evalgo.org/entity"
)

// TokenProvider yields the current access token for a connection.
// Implementations refresh behind this call; connectors just ask.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for non-expiring credentials
// (personal access tokens, API keys).
type StaticToken string

func (t StaticToken) AccessToken(ctx context.Context) (string, error) {
	return string(t), nil
}

// Config is what a connector factory receives to build a Source.
type Config struct {
	// BaseURL is the source instance URL for self-hosted systems
	BaseURL string

	// Settings carries connector-specific options from the connection record
	Settings map[string]interface{}

	// Token yields the access token for every outbound call
	Token TokenProvider

	// HTTPClient is the rate-limited, retrying client connectors must
	// use for raw calls; SDK clients are handed this as their transport
	HTTPClient *http.Client

	// Logger is the job-scoped logger
	Logger *logrus.Entry
}

// StringSetting reads a string option with a fallback.
func (c *Config) StringSetting(key, fallback string) string {
	if v, ok := c.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// BoolSetting reads a boolean option with a fallback.
func (c *Config) BoolSetting(key string, fallback bool) bool {
	if v, ok := c.Settings[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Factory builds a connector from a validated connection config.
type Factory func(ctx context.Context, cfg *Config) (Source, error)

// Source is a connector that yields entities from an upstream system.
//
// GenerateEntities calls emit once per entity; emit returning an error
// (typically the cancelled context) must abort generation and be
// returned unchanged. An error from generation aborts the whole job,
// so connectors should degrade per-entity where the upstream allows.
type Source interface {
	ShortName() string

	// Validate is a cheap, non-destructive connectivity check.
	Validate(ctx context.Context) error

	GenerateEntities(ctx context.Context, emit func(entity.Entity) error) error
}

// Searcher is implemented by sources that can answer live queries
// against the upstream system instead of synced data.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]entity.Entity, error)
}

// MemberType classifies directory principals.
type MemberType string

const (
	MemberUser  MemberType = "user"
	MemberGroup MemberType = "group"
)

// ChangeType classifies membership changes in a directory sync result.
type ChangeType string

const (
	ChangeAdd    ChangeType = "ADD"
	ChangeRemove ChangeType = "REMOVE"
)

// MembershipChange is one directory membership delta.
type MembershipChange struct {
	Type       ChangeType
	MemberID   string
	MemberType MemberType
	GroupID    string
	GroupName  string
}

// DirSyncResult is what an ACL-capable source returns for one cursor.
//
// When Incremental is true, Changes holds both additions and removals
// and can be applied directly. When false, the upstream only reported
// additions; ModifiedGroupIDs names the groups whose membership must be
// reconciled against the full ADD set. DeletedGroupIDs names groups
// removed upstream altogether. Cookie is the opaque cursor for the next
// call and is only valid if the whole result was applied.
type DirSyncResult struct {
	Changes          []MembershipChange
	ModifiedGroupIDs []string
	DeletedGroupIDs  []string
	Incremental      bool
	Cookie           string
}

// ACLSource is a source that can report directory membership changes.
type ACLSource interface {
	Source

	// GetACLChanges returns membership changes since the cookie; an
	// empty cookie requests the full directory state.
	GetACLChanges(ctx context.Context, cookie string) (*DirSyncResult, error)
}

// requireToken fetches an access token or fails with connector context.
func requireToken(ctx context.Context, cfg *Config, shortName string) (string, error) {
	if cfg.Token == nil {
		return "", fmt.Errorf("%s: no credentials configured", shortName)
	}
	tok, err := cfg.Token.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: failed to obtain access token: %w", shortName, err)
	}
	return tok, nil
}
