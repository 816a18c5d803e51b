package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// OrganizationClaim is the private claim carrying the caller's organization.
const OrganizationClaim = "org_id"

type JWTService struct {
	secret []byte
}

func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
	}
}

// GenerateToken issues an HS256 token for a subject scoped to an
// organization.
func (j *JWTService) GenerateToken(subject, orgID string, expiration time.Duration) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(expiration)).
		Claim(OrganizationClaim, orgID).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken parses and verifies a signed token, including expiry.
func (j *JWTService) ValidateToken(tokenString string) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	return token, nil
}

// Organization extracts the organization claim from a validated token.
func Organization(token jwt.Token) (string, bool) {
	raw, ok := token.Get(OrganizationClaim)
	if !ok {
		return "", false
	}
	org, ok := raw.(string)
	return org, ok && org != ""
}
