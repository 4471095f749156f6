// Package keys implements the cryptographic primitives of the directory:
// SPKI RSA public key parsing and signature verification, Ed25519 wallet
// signature verification over Base58-encoded transport values, key
// fingerprints, and secure random identifiers.
//
// Only public key halves ever pass through this package.
package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Sentinel errors for key and signature failures.
var (
	ErrMalformedKey         = errors.New("malformed public key")
	ErrBadSignature         = errors.New("signature verification failed")
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")
)

// ParseRSAPublicKey decodes a PEM-wrapped SPKI block and returns the RSA
// public key inside it. Keys of any other algorithm are rejected with
// ErrUnsupportedAlgorithm so the caller can distinguish "not a key" from
// "a key we do not accept".
func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrMalformedKey)
	}
	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: expected PUBLIC KEY block, got %q", ErrMalformedKey, block.Type)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedKey, err.Error())
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T, want RSA", ErrUnsupportedAlgorithm, parsed)
	}
	return pub, nil
}

// VerifyRSA checks an RSA-PKCS1-v1_5/SHA-256 signature over the UTF-8 bytes
// of challenge. The signature arrives Base64-encoded from the client.
func VerifyRSA(pemData, challenge, signatureB64 string) error {
	pub, err := ParseRSAPublicKey(pemData)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64", ErrBadSignature)
	}

	digest := sha256.Sum256([]byte(challenge))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// VerifyEd25519 checks an Ed25519 signature where the public key and the
// signature are both Base58-encoded, as they appear on the wire. The message
// is signed as raw UTF-8 bytes. Public keys must decode to exactly 32 bytes
// and signatures to exactly 64; anything else is rejected outright.
func VerifyEd25519(pubKeyB58, message, signatureB58 string) error {
	pub, err := DecodeBase58(pubKeyB58)
	if err != nil {
		return fmt.Errorf("%w: public key: %s", ErrMalformedKey, err.Error())
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes, want %d", ErrMalformedKey, len(pub), ed25519.PublicKeySize)
	}

	sig, err := DecodeBase58(signatureB58)
	if err != nil {
		return fmt.Errorf("%w: signature: %s", ErrBadSignature, err.Error())
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes, want %d", ErrBadSignature, len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig) {
		return ErrBadSignature
	}
	return nil
}

// EncodeBase58 encodes raw bytes with the Bitcoin Base58 alphabet.
func EncodeBase58(data []byte) string {
	return base58.Encode(data)
}

// DecodeBase58 decodes a Bitcoin-alphabet Base58 string. Invalid characters
// are surfaced as an explicit error rather than silently skipped.
func DecodeBase58(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty base58 string")
	}
	out, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base58: %w", err)
	}
	return out, nil
}

// Fingerprint returns the first 16 hex characters of the SHA-256 of the raw
// SPKI bytes of a PEM public key. This is the stable external identity an
// agent embeds in third-party posts ("[mc:<fingerprint>]").
func Fingerprint(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrMalformedKey)
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:])[:16], nil
}

// HashToken returns the hex SHA-256 of a bearer token. This is the only form
// in which API keys are ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
