// Package timestampproof verifies a detached ed25519_time_authority proof
// embedded in a document, binding it to that document's core content.
package timestampproof

import (
	"encoding/json"
	"time"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/verrors"
)

// Proof is a parsed timestampProof block.
type Proof struct {
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	MessageHash string    `json:"messageHash"`
	SignerKeyID string    `json:"signerKeyId"`
	Signature   string    `json:"signature"`
}

// Result is the outcome of a successful timestamp-proof verification.
type Result struct {
	Timestamp   time.Time
	SignerKeyID string
	MessageHash string
}

// Verify checks documentCoreWithProof's embedded "timestampProof" field
// against trustedPublicKeyByKeyId: the proof's declared messageHash must
// equal the SHA-256 of the canonical document core without the proof,
// and the proof's own canonical form (without its signature) must verify
// under a trusted time-authority key.
func Verify(documentCoreWithProof map[string]any, trustedPublicKeyByKeyID map[string]string) (*Result, error) {
	rawProof, ok := documentCoreWithProof["timestampProof"]
	if !ok {
		return nil, verrors.New("TIMESTAMP_PROOF_MISSING")
	}
	proofMap, ok := rawProof.(map[string]any)
	if !ok {
		return nil, verrors.New("TIMESTAMP_PROOF_SHAPE_INVALID")
	}

	proofJSON, err := json.Marshal(proofMap)
	if err != nil {
		return nil, verrors.New("TIMESTAMP_PROOF_SHAPE_INVALID").WithCause(err)
	}
	var proof Proof
	if err := json.Unmarshal(proofJSON, &proof); err != nil {
		return nil, verrors.New("TIMESTAMP_PROOF_SHAPE_INVALID").WithCause(err)
	}
	if proof.Kind != "ed25519_time_authority" {
		return nil, verrors.New("TIMESTAMP_PROOF_KIND_INVALID").WithDetail(proof.Kind)
	}
	if len(proof.MessageHash) != 64 {
		return nil, verrors.New("TIMESTAMP_PROOF_HASH_SHAPE_INVALID")
	}

	docCore := canonical.WithoutFields(documentCoreWithProof, "timestampProof")
	recomputed, err := canonical.HashHex(docCore)
	if err != nil {
		return nil, verrors.New("TIMESTAMP_PROOF_HASH_COMPUTE_FAILED").WithCause(err)
	}
	if recomputed != proof.MessageHash {
		return nil, verrors.New("messageHash mismatch").
			WithDetail(map[string]string{"want": proof.MessageHash, "got": recomputed})
	}

	proofWithoutSig := canonical.WithoutFields(proofMap, "signature")
	proofHash, err := canonical.HashHex(proofWithoutSig)
	if err != nil {
		return nil, verrors.New("TIMESTAMP_PROOF_HASH_COMPUTE_FAILED").WithCause(err)
	}

	pubPEM, ok := trustedPublicKeyByKeyID[proof.SignerKeyID]
	if !ok {
		return nil, verrors.New("TIMESTAMP_PROOF_SIGNER_UNTRUSTED").WithDetail(proof.SignerKeyID)
	}
	verified, err := cryptoutil.VerifyEd25519OverHex(proofHash, proof.Signature, pubPEM)
	if err != nil || !verified {
		return nil, verrors.New("TIMESTAMP_PROOF_SIGNATURE_INVALID").WithDetail(proof.SignerKeyID)
	}

	return &Result{
		Timestamp:   proof.Timestamp,
		SignerKeyID: proof.SignerKeyID,
		MessageHash: proof.MessageHash,
	}, nil
}

// EffectiveSignedAt implements spec.md §9's trustworthy-time predicate:
// when documentCoreWithProof carries a timestampProof that verifies
// against trustedTimeAuthorityKeys, its timestamp is authoritative;
// otherwise the document's self-declared signedAt is used with
// trustworthy=false. A malformed (present but unverifiable) proof is a
// hard failure, not a silent downgrade.
func EffectiveSignedAt(documentCoreWithProof map[string]any, signedAt time.Time, trustedTimeAuthorityKeys map[string]string) (time.Time, bool, error) {
	if _, ok := documentCoreWithProof["timestampProof"]; !ok {
		return signedAt, false, nil
	}
	res, err := Verify(documentCoreWithProof, trustedTimeAuthorityKeys)
	if err != nil {
		return time.Time{}, false, err
	}
	return res.Timestamp, true, nil
}
