// Package cryptoutil implements the offline crypto primitives used to
// verify a bundle: SHA-256 digests, HMAC-SHA-256, Ed25519 signature
// checking, and key-id derivation from a PEM-encoded public key. This
// module never signs — it only verifies signatures produced elsewhere.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of raw bytes.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256HexString returns the lowercase hex SHA-256 digest of a UTF-8
// string's bytes.
func SHA256HexString(s string) string {
	return SHA256Hex([]byte(s))
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA-256 of msg keyed by
// secret, used for webhook signatures (timestamp + "." + canonical(body)).
func HMACSHA256Hex(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseEd25519PublicKeyPEM decodes a PEM-encoded SubjectPublicKeyInfo
// block and returns the Ed25519 public key it carries.
func ParseEd25519PublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("cryptoutil: invalid PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: parse public key: %w", err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptoutil: public key is not Ed25519")
	}
	return key, nil
}

// VerifyEd25519OverHex verifies sigB64 (base64-encoded Ed25519
// signature) over the ASCII bytes of hashHex — the lowercase hex
// string itself, NOT the raw 32-byte digest it represents. This is a
// deliberate wire contract shared by every signed document in a
// bundle (events, attestations, reports, policies, revocation lists)
// and must not be "fixed" to sign over raw digest bytes instead.
func VerifyEd25519OverHex(hashHex, sigB64, pubPEM string) (bool, error) {
	if len(hashHex) != 64 {
		return false, fmt.Errorf("cryptoutil: hash must be 64 lowercase hex chars, got %d", len(hashHex))
	}
	if _, err := hex.DecodeString(hashHex); err != nil {
		return false, fmt.Errorf("cryptoutil: hash is not valid hex: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("cryptoutil: invalid base64 signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("cryptoutil: invalid signature size %d", len(sig))
	}

	pub, err := ParseEd25519PublicKeyPEM(pubPEM)
	if err != nil {
		return false, err
	}

	return ed25519.Verify(pub, []byte(hashHex), sig), nil
}

// KeyIDFromPEM derives a stable key id as the lowercase hex SHA-256 of
// the decoded PEM block bytes (the DER that the base64 body between the
// BEGIN/END markers encodes), so the same key material always yields the same id
// irrespective of PEM line-wrap or header whitespace.
func KeyIDFromPEM(pemStr string) (string, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return "", fmt.Errorf("cryptoutil: invalid PEM block")
	}
	return SHA256Hex(block.Bytes), nil
}
