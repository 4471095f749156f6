package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// APIKeyPrefix marks every issued bearer token so keys are recognisable in
// logs and support tickets without revealing the secret.
const APIKeyPrefix = "mc_"

// idAlphabet is the URL-safe alphabet used for opaque identifiers.
const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// IDLength is the length of every opaque identifier: 21 characters over a
// 64-symbol alphabet gives 126 bits of entropy.
const IDLength = 21

// NewID returns a fresh 21-character URL-safe identifier.
func NewID() (string, error) {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	out := make([]byte, IDLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)&63]
	}
	return string(out), nil
}

// MustID is NewID for call sites where a failing CSPRNG is unrecoverable
// anyway (startup, tests).
func MustID() string {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// NewChallenge returns a 32-byte challenge encoded as 64 hex characters.
func NewChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewAPIKey returns a fresh bearer token: the "mc_" marker followed by
// 32 random bytes in unpadded base64url.
func NewAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
