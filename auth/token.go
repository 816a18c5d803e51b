// Package auth manages source connection credentials during a run: it wraps
// a decrypted credential in a token manager that tracks expiry, refreshes
// opportunistically and serializes refreshes so at most one is in flight per
// connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"weave.evalgo.org/common"
)

// DefaultRefreshSkew is how long before expiry a token is refreshed.
const DefaultRefreshSkew = 1500 * time.Second

// ErrNotRefreshable marks credentials that carry no refresh token, such as
// directly injected personal access tokens.
var ErrNotRefreshable = errors.New("credential is not refreshable")

// Credential is a decrypted source connection credential.
type Credential struct {
	AuthMethod   string
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	Expiry       time.Time
}

// CredentialFromFields builds a Credential from an unsealed credential map.
// The expiry field, when present, must be RFC 3339.
func CredentialFromFields(authMethod string, fields map[string]string) Credential {
	cred := Credential{
		AuthMethod:   authMethod,
		AccessToken:  fields["access_token"],
		RefreshToken: fields["refresh_token"],
		ClientID:     fields["client_id"],
		ClientSecret: fields["client_secret"],
	}
	if raw := fields["expiry"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			cred.Expiry = ts
		}
	}
	return cred
}

// ManagerConfig configures a TokenManager.
type ManagerConfig struct {
	Credential Credential

	// Endpoint is the integration's OAuth2 endpoint, either static or
	// discovered via OIDC issuer discovery.
	Endpoint oauth2.Endpoint
	Scopes   []string

	// ClientID and ClientSecret override the credential's client pair for
	// BYOC and white-label connections.
	ClientID     string
	ClientSecret string

	// Skew is how long before expiry a refresh is triggered. Zero means
	// DefaultRefreshSkew.
	Skew time.Duration

	// HTTPTimeout bounds each token endpoint call. Zero means 30s.
	HTTPTimeout time.Duration

	Logger *logrus.Entry
}

// TokenManager hands out valid access tokens for one source connection.
// All methods are safe for concurrent use; a mutex guarantees at most one
// refresh request in flight.
type TokenManager struct {
	cfg    oauth2.Config
	skew   time.Duration
	client *http.Client
	log    *logrus.Entry

	mu           sync.Mutex
	token        oauth2.Token
	refreshToken string
}

// NewTokenManager wraps a decrypted credential.
func NewTokenManager(cfg ManagerConfig) *TokenManager {
	skew := cfg.Skew
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = common.Component("auth")
	}

	clientID := cfg.Credential.ClientID
	clientSecret := cfg.Credential.ClientSecret
	if cfg.ClientID != "" {
		clientID = cfg.ClientID
		clientSecret = cfg.ClientSecret
	}

	return &TokenManager{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     cfg.Endpoint,
			Scopes:       cfg.Scopes,
		},
		skew:   skew,
		client: &http.Client{Timeout: timeout},
		log:    log,
		token: oauth2.Token{
			AccessToken: cfg.Credential.AccessToken,
			Expiry:      cfg.Credential.Expiry,
		},
		refreshToken: cfg.Credential.RefreshToken,
	}
}

// Token returns a valid access token, refreshing first when fewer than the
// configured skew seconds remain. Concurrent callers block on the refresh
// mutex and re-check validity after acquiring it, so a refresh completed by
// another caller is reused instead of repeated.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.validLocked() {
		return m.token.AccessToken, nil
	}
	if !m.refreshableLocked() {
		return "", ErrNotRefreshable
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh discards the current access token and fetches a new one.
// Used to recover from a 401 on a token the manager still considered valid.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.refreshableLocked() {
		return "", ErrNotRefreshable
	}
	return m.refreshLocked(ctx)
}

// Refreshable reports whether the credential can be refreshed at all.
func (m *TokenManager) Refreshable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshableLocked()
}

func (m *TokenManager) validLocked() bool {
	if m.token.AccessToken == "" {
		return false
	}
	if m.token.Expiry.IsZero() {
		// No expiry metadata. Treat as valid; a 401 recovers through
		// ForceRefresh.
		return true
	}
	return time.Now().Before(m.token.Expiry.Add(-m.skew))
}

func (m *TokenManager) refreshableLocked() bool {
	return m.refreshToken != "" && m.cfg.Endpoint.TokenURL != ""
}

func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	src := m.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: m.refreshToken})
	fresh, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	m.token = *fresh
	if fresh.RefreshToken != "" {
		// Providers may rotate the refresh token; keep the old one
		// otherwise.
		m.refreshToken = fresh.RefreshToken
	}
	m.log.WithField("expiry", m.token.Expiry).Debug("access token refreshed")
	return m.token.AccessToken, nil
}
