package keys_test

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	"github.com/moltcities/moltcities/internal/keys"
)

// genRSAPEM returns a fresh RSA keypair with the public half PEM-encoded
// the way registering agents submit it.
func genRSAPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, string(pemData)
}

func signChallenge(t *testing.T, priv *rsa.PrivateKey, challenge string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(challenge))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerifyRSA_roundTrip(t *testing.T) {
	priv, pemData := genRSAPEM(t)
	challenge := "a1b2c3d4"

	sig := signChallenge(t, priv, challenge)
	if err := keys.VerifyRSA(pemData, challenge, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerifyRSA_wrongChallenge(t *testing.T) {
	priv, pemData := genRSAPEM(t)
	sig := signChallenge(t, priv, "the real challenge")

	err := keys.VerifyRSA(pemData, "a different challenge", sig)
	if !errors.Is(err, keys.ErrBadSignature) {
		t.Errorf("want ErrBadSignature, got %v", err)
	}
}

func TestVerifyRSA_wrongKey(t *testing.T) {
	priv, _ := genRSAPEM(t)
	_, otherPEM := genRSAPEM(t)
	sig := signChallenge(t, priv, "challenge")

	err := keys.VerifyRSA(otherPEM, "challenge", sig)
	if !errors.Is(err, keys.ErrBadSignature) {
		t.Errorf("want ErrBadSignature, got %v", err)
	}
}

func TestVerifyRSA_garbageSignature(t *testing.T) {
	_, pemData := genRSAPEM(t)
	err := keys.VerifyRSA(pemData, "challenge", "!!!not base64!!!")
	if !errors.Is(err, keys.ErrBadSignature) {
		t.Errorf("want ErrBadSignature, got %v", err)
	}
}

func TestParseRSAPublicKey_rejectsNonPEM(t *testing.T) {
	_, err := keys.ParseRSAPublicKey("this is not a key")
	if !errors.Is(err, keys.ErrMalformedKey) {
		t.Errorf("want ErrMalformedKey, got %v", err)
	}
}

func TestParseRSAPublicKey_rejectsEd25519SPKI(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	_, err = keys.ParseRSAPublicKey(string(pemData))
	if !errors.Is(err, keys.ErrUnsupportedAlgorithm) {
		t.Errorf("want ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestVerifyEd25519_roundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	msg := "bind wallet challenge 0042"
	sig := ed25519.Sign(priv, []byte(msg))

	err = keys.VerifyEd25519(keys.EncodeBase58(pub), msg, keys.EncodeBase58(sig))
	if err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerifyEd25519_rejectsWrongLengths(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	sig := ed25519.Sign(priv, []byte("m"))

	// 31-byte key.
	if err := keys.VerifyEd25519(keys.EncodeBase58(pub[:31]), "m", keys.EncodeBase58(sig)); err == nil {
		t.Error("short public key accepted")
	}
	// 63-byte signature.
	if err := keys.VerifyEd25519(keys.EncodeBase58(pub), "m", keys.EncodeBase58(sig[:63])); err == nil {
		t.Error("short signature accepted")
	}
}

func TestVerifyEd25519_tamperedMessage(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	sig := ed25519.Sign(priv, []byte("original"))

	err := keys.VerifyEd25519(keys.EncodeBase58(pub), "tampered", keys.EncodeBase58(sig))
	if !errors.Is(err, keys.ErrBadSignature) {
		t.Errorf("want ErrBadSignature, got %v", err)
	}
}

func TestBase58_roundTrip(t *testing.T) {
	data := []byte{0, 0, 1, 2, 3, 255, 254}
	encoded := keys.EncodeBase58(data)
	decoded, err := keys.DecodeBase58(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != string(data) {
		t.Errorf("round trip mismatch: %v != %v", decoded, data)
	}
}

func TestDecodeBase58_rejectsInvalidCharacters(t *testing.T) {
	// 0, O, I, l are not in the Bitcoin alphabet.
	for _, s := range []string{"0abc", "O123", "Ixyz", "hello!"} {
		if _, err := keys.DecodeBase58(s); err == nil {
			t.Errorf("DecodeBase58(%q) accepted invalid input", s)
		}
	}
}

func TestDecodeBase58_rejectsEmpty(t *testing.T) {
	if _, err := keys.DecodeBase58(""); err == nil {
		t.Error("empty string accepted")
	}
}

func TestFingerprint_stableAndShort(t *testing.T) {
	_, pemData := genRSAPEM(t)

	fp1, err := keys.Fingerprint(pemData)
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := keys.Fingerprint(pemData)
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint not stable: %q != %q", fp1, fp2)
	}
	if len(fp1) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(fp1))
	}
	for _, c := range fp1 {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("fingerprint contains non-hex character %q", c)
		}
	}
}

func TestFingerprint_distinctKeys(t *testing.T) {
	_, pemA := genRSAPEM(t)
	_, pemB := genRSAPEM(t)

	fpA, _ := keys.Fingerprint(pemA)
	fpB, _ := keys.Fingerprint(pemB)
	if fpA == fpB {
		t.Error("two distinct keys produced the same fingerprint")
	}
}
