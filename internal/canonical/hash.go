package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the SHA-256 digest of v's canonical encoding.
func Hash(v any) ([32]byte, error) {
	b, err := JCS(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HashHex returns the lowercase hex SHA-256 digest of v's canonical
// encoding. This is the hash string stored in manifestHash, payloadHash,
// chainHash, attestationHash, reportHash and every other *Hash field in
// the data model, and it is also the exact string signed over by
// Ed25519 signatures (see cryptoutil.VerifyEd25519OverHex).
func HashHex(v any) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// HashBytesHex returns the lowercase hex SHA-256 digest of raw bytes
// (used for artifact file contents, which are hashed directly rather
// than canonicalized as JSON).
func HashBytesHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether a and b canonicalize to byte-identical
// encodings.
func Equal(a, b any) (bool, error) {
	ab, err := JCS(a)
	if err != nil {
		return false, err
	}
	bb, err := JCS(b)
	if err != nil {
		return false, err
	}
	return string(ab) == string(bb), nil
}

// WithoutFields returns a shallow copy of m with the named top-level
// keys removed, for the common "hash of the document minus its own
// hash/signature fields" pattern used throughout the data model.
func WithoutFields(m map[string]any, fields ...string) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	for _, f := range fields {
		delete(cp, f)
	}
	return cp
}
