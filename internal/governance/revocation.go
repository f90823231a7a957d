package governance

import (
	"encoding/json"
	"time"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/verrors"
)

// Rotation is one entry of a RevocationList.v1's rotations array.
type Rotation struct {
	OldKeyID  string    `json:"oldKeyId"`
	NewKeyID  string    `json:"newKeyId"`
	RotatedAt time.Time `json:"rotatedAt"`
}

// Revocation is one entry of a RevocationList.v1's revocations array.
type Revocation struct {
	KeyID     string    `json:"keyId"`
	RevokedAt time.Time `json:"revokedAt"`
}

// RevocationList is a parsed, hash-verified RevocationList.v1 document.
type RevocationList struct {
	SchemaVersion string       `json:"schemaVersion"`
	Rotations     []Rotation   `json:"rotations"`
	Revocations   []Revocation `json:"revocations"`
	SignerKeyID   string       `json:"signerKeyId"`
	Signature     string       `json:"signature"`
	ListHash      string       `json:"listHash"`
}

// ParseRevocationList decodes and hash-verifies a RevocationList.v1 document.
func ParseRevocationList(raw []byte) (*RevocationList, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, verrors.New("REVOCATION_LIST_PARSE_FAILED").WithCause(err)
	}
	var rl RevocationList
	if err := json.Unmarshal(raw, &rl); err != nil {
		return nil, verrors.New("REVOCATION_LIST_PARSE_FAILED").WithCause(err)
	}
	if rl.SchemaVersion != "RevocationList.v1" {
		return nil, verrors.New("REVOCATION_LIST_SCHEMA_MISMATCH").WithDetail(rl.SchemaVersion)
	}

	withoutHash := canonical.WithoutFields(generic, "listHash", "signature")
	recomputed, err := canonical.HashHex(withoutHash)
	if err != nil {
		return nil, verrors.New("REVOCATION_LIST_PARSE_FAILED").WithCause(err)
	}
	if recomputed != rl.ListHash {
		return nil, verrors.New("listHash mismatch").
			WithDetail(map[string]string{"want": rl.ListHash, "got": recomputed})
	}

	return &rl, nil
}

// VerifyRevocationListSignature verifies rl's signature over its listHash
// under one of trustedRoots.
func VerifyRevocationListSignature(rl *RevocationList, trustedRoots map[string]string) error {
	rootPEM, ok := trustedRoots[rl.SignerKeyID]
	if !ok {
		return verrors.New("REVOCATION_LIST_SIGNER_UNTRUSTED").WithDetail(rl.SignerKeyID)
	}
	ok2, err := cryptoutil.VerifyEd25519OverHex(rl.ListHash, rl.Signature, rootPEM)
	if err != nil || !ok2 {
		return verrors.New("REVOCATION_LIST_SIGNATURE_INVALID").WithDetail(rl.SignerKeyID)
	}
	return nil
}

// Timeline is a key's derived usability window.
type Timeline struct {
	ValidFrom *time.Time
	RotatedAt *time.Time
	RevokedAt *time.Time
}

// DeriveKeyTimelineFromRevocationList builds the per-keyId timeline implied
// by a revocation list's rotations and revocations, taking the earliest
// applicable timestamp when a key appears more than once.
func DeriveKeyTimelineFromRevocationList(rl *RevocationList) map[string]Timeline {
	timelines := make(map[string]Timeline)

	for _, rot := range rl.Rotations {
		at := rot.RotatedAt
		tl := timelines[rot.OldKeyID]
		if tl.RotatedAt == nil || at.Before(*tl.RotatedAt) {
			tl.RotatedAt = &at
		}
		timelines[rot.OldKeyID] = tl

		newTl := timelines[rot.NewKeyID]
		if newTl.ValidFrom == nil || at.Before(*newTl.ValidFrom) {
			newTl.ValidFrom = &at
		}
		timelines[rot.NewKeyID] = newTl
	}

	for _, rev := range rl.Revocations {
		at := rev.RevokedAt
		tl := timelines[rev.KeyID]
		if tl.RevokedAt == nil || at.Before(*tl.RevokedAt) {
			tl.RevokedAt = &at
		}
		timelines[rev.KeyID] = tl
	}

	return timelines
}
