/*
Package security provides the cryptographic utilities of the sync engine:
AES-256-GCM credential sealing, bcrypt API-key hashing, JWT issuing and
verification, and Infisical-backed secret retrieval.

Credentials are stored as sealed blobs. The encryption key is derived from a
passphrase with SHA-256, producing a 32-byte key suitable for AES-256, and
each seal operation uses a fresh random nonce prepended to the ciphertext.
GCM provides both confidentiality and integrity, so a blob decrypted with
the wrong passphrase or tampered with in the database fails authentication
instead of yielding garbage.

Usage Example:

	sealed, err := security.SealCredential("passphrase", map[string]string{
	    "access_token": "gto_...",
	})
	if err != nil {
	    log.Fatal(err)
	}

	fields, err := security.OpenCredential("passphrase", sealed)
	if err != nil {
	    log.Fatal(err)
	}
*/
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
)

// Seal encrypts plaintext with AES-256-GCM under a passphrase-derived key.
// The random nonce is prepended to the returned ciphertext.
func Seal(pass string, plaintext []byte) ([]byte, error) {
	key := sha256.Sum256([]byte(pass)) // 32 bytes = AES-256 key
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob produced by Seal. It verifies authenticity
// and integrity; a wrong passphrase or a modified blob returns an error.
func Open(pass string, sealed []byte) ([]byte, error) {
	key := sha256.Sum256([]byte(pass))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := aesGCM.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return plaintext, nil
}

// SealCredential serializes credential fields as JSON and seals them.
func SealCredential(pass string, fields map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential: %w", err)
	}
	return Seal(pass, plaintext)
}

// OpenCredential unseals a credential blob back into its fields.
func OpenCredential(pass string, sealed []byte) (map[string]string, error) {
	plaintext, err := Open(pass, sealed)
	if err != nil {
		return nil, err
	}
	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse credential: %w", err)
	}
	return fields, nil
}
