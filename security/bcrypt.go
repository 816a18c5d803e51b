// Package security: API-key hashing and verification using bcrypt.
package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default cost factor for bcrypt API-key hashing.
	// Cost factor of 10 provides a good balance between security and performance.
	DefaultBcryptCost = 10
)

// HashAPIKey creates a bcrypt hash of the provided API key using the default
// cost factor. The hash string includes algorithm, cost, salt and hash, so it
// can be stored and verified as-is.
//
// Example:
//
//	hash, err := HashAPIKey("wk_live_9f2...")
//	if err != nil {
//	    log.Fatalf("Failed to hash API key: %v", err)
//	}
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// HashAPIKeyWithCost creates a bcrypt hash with a custom cost factor.
// The cost must lie between bcrypt.MinCost and bcrypt.MaxCost.
func HashAPIKeyWithCost(key string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("invalid cost factor %d: must be between %d and %d", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey compares a presented API key with a stored bcrypt hash.
// Returns nil on match, bcrypt.ErrMismatchedHashAndPassword on mismatch.
// The comparison is constant-time.
func VerifyAPIKey(hash, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}

// NeedsRehash reports whether a stored hash was generated with a different
// cost factor than desired, so it can be upgraded on the next successful
// verification.
func NeedsRehash(hash string, cost int) (bool, error) {
	actualCost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false, fmt.Errorf("failed to get hash cost: %w", err)
	}
	return actualCost != cost, nil
}
