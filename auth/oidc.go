package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCProvider wraps an OpenID Connect provider discovered from its issuer
// URL. Integrations that publish a discovery document get their token
// endpoint from here instead of a hardcoded oauth2.Endpoint.
type OIDCProvider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	clientID string
}

// DiscoverOIDC contacts the issuer's discovery endpoint and returns a
// provider ready for endpoint lookup and ID token verification.
//
// The issuer URL is the base URL without /.well-known/openid-configuration,
// for example "https://gitlab.example.com" or
// "https://login.microsoftonline.com/TENANT/v2.0".
func DiscoverOIDC(ctx context.Context, issuerURL, clientID string) (*OIDCProvider, error) {
	if issuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}

	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	var verifier *oidc.IDTokenVerifier
	if clientID != "" {
		verifier = provider.Verifier(&oidc.Config{ClientID: clientID})
	}

	return &OIDCProvider{
		provider: provider,
		verifier: verifier,
		clientID: clientID,
	}, nil
}

// Endpoint returns the provider's OAuth2 authorization and token endpoints.
func (p *OIDCProvider) Endpoint() oauth2.Endpoint {
	return p.provider.Endpoint()
}

// VerifyIDToken verifies an ID token's signature, expiry, issuer and
// audience, returning its subject claim.
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, rawToken string) (string, error) {
	if p.verifier == nil {
		return "", fmt.Errorf("provider was discovered without a client ID")
	}
	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("failed to verify ID token: %w", err)
	}
	return idToken.Subject, nil
}
