// Package attestation verifies a bundle's BundleHeadAttestation.v1
// document: schema/kind/tenant/scope/manifestHash binding, signer
// authorization, and sub-bundle head agreement.
package attestation

import (
	"encoding/json"
	"time"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/governance"
	"github.com/settld/bundleverify/internal/timestampproof"
	"github.com/settld/bundleverify/internal/verrors"
)

// Attestation is a parsed BundleHeadAttestation.v1 document.
type Attestation struct {
	SchemaVersion   string            `json:"schemaVersion"`
	Kind            string            `json:"kind"`
	TenantID        string            `json:"tenantId"`
	Scope           string            `json:"scope"`
	ManifestHash    string            `json:"manifestHash"`
	Heads           map[string]string `json:"heads"`
	SignerKeyID     string            `json:"signerKeyId"`
	SignedAt        time.Time         `json:"signedAt"`
	Signature       string            `json:"signature"`
	AttestationHash string            `json:"attestationHash"`
}

// Options binds one attestation verification call to its expected
// context.
type Options struct {
	ExpectedKind         string
	ExpectedTenantID     string
	ExpectedScope        string
	ExpectedManifestHash string
	ExpectedHeads        map[string]string

	Strict bool

	Keys   map[string]eventchain.KeyMeta
	Policy *governance.PolicyV2

	TrustedTimeAuthorityKeys map[string]string
}

// Verify parses raw and enforces spec.md §4.9's ordered rejection list.
func Verify(raw []byte, opts Options) (*Attestation, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, verrors.New("ATTESTATION_PARSE_FAILED").WithCause(err)
	}
	var a Attestation
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, verrors.New("ATTESTATION_PARSE_FAILED").WithCause(err)
	}

	if a.SchemaVersion != "BundleHeadAttestation.v1" {
		return nil, verrors.New("ATTESTATION_SCHEMA_MISMATCH").WithDetail(a.SchemaVersion)
	}
	if a.Kind != opts.ExpectedKind {
		return nil, verrors.New("ATTESTATION_KIND_MISMATCH").
			WithDetail(map[string]string{"want": opts.ExpectedKind, "got": a.Kind})
	}
	if a.TenantID != opts.ExpectedTenantID {
		return nil, verrors.New("ATTESTATION_TENANT_MISMATCH").
			WithDetail(map[string]string{"want": opts.ExpectedTenantID, "got": a.TenantID})
	}
	if a.Scope != opts.ExpectedScope {
		return nil, verrors.New("ATTESTATION_SCOPE_MISMATCH").
			WithDetail(map[string]string{"want": opts.ExpectedScope, "got": a.Scope})
	}
	if a.ManifestHash != opts.ExpectedManifestHash {
		return nil, verrors.New("attestation manifestHash mismatch").
			WithDetail(map[string]string{"want": opts.ExpectedManifestHash, "got": a.ManifestHash})
	}

	if opts.Strict && (a.SignerKeyID == "" || a.Signature == "") {
		return nil, verrors.New("ATTESTATION_SIGNER_FIELDS_MISSING")
	}

	if a.AttestationHash != "" {
		withoutHash := canonical.WithoutFields(generic, "attestationHash", "signature")
		recomputed, err := canonical.HashHex(withoutHash)
		if err != nil {
			return nil, verrors.New("ATTESTATION_PARSE_FAILED").WithCause(err)
		}
		if recomputed != a.AttestationHash {
			return nil, verrors.New("attestationHash mismatch").
				WithDetail(map[string]string{"want": a.AttestationHash, "got": recomputed})
		}
	}

	if a.SignerKeyID == "" {
		return &a, checkHeads(a, opts.ExpectedHeads)
	}

	meta, ok := opts.Keys[a.SignerKeyID]
	if !ok {
		return nil, verrors.New("ATTESTATION_SIGNER_KEY_UNKNOWN").WithDetail(a.SignerKeyID)
	}

	hashForSig, err := canonical.HashHex(canonical.WithoutFields(generic, "attestationHash", "signature"))
	if err != nil {
		return nil, verrors.New("ATTESTATION_PARSE_FAILED").WithCause(err)
	}
	verified, err := cryptoutil.VerifyEd25519OverHex(hashForSig, a.Signature, meta.PublicKeyPEM)
	if err != nil || !verified {
		return nil, verrors.New("attestation signature invalid").WithDetail(a.SignerKeyID)
	}

	if opts.Strict {
		if opts.Policy != nil {
			err := governance.AuthorizeServerSignerForPolicy(
				opts.Policy, governance.DocBundleHeadAttestation, opts.ExpectedKind, a.SignerKeyID, a.Scope, meta)
			if err != nil {
				return nil, verrors.New("attestation signer not authorized").WithCause(err)
			}
		}
		if meta.ValidFrom == nil {
			return nil, verrors.New("EVENT_SIGNER_KEY_VALID_FROM_MISSING").WithDetail(a.SignerKeyID)
		}
	}

	effectiveAt, trustworthy, err := timestampproof.EffectiveSignedAt(generic, a.SignedAt, opts.TrustedTimeAuthorityKeys)
	if err != nil {
		return nil, err
	}
	if meta.ValidFrom != nil && effectiveAt.Before(*meta.ValidFrom) {
		return nil, verrors.New("KEY_NOT_YET_VALID").WithDetail(a.SignerKeyID)
	}
	if meta.ValidTo != nil && effectiveAt.After(*meta.ValidTo) {
		return nil, verrors.New("KEY_EXPIRED").WithDetail(a.SignerKeyID)
	}

	tl := governance.Timeline{RotatedAt: meta.RotatedAt, RevokedAt: meta.RevokedAt}
	if perr := governance.ProspectiveCheck(tl, effectiveAt, trustworthy); perr != nil {
		return nil, perr
	}

	return &a, checkHeads(a, opts.ExpectedHeads)
}

func checkHeads(a Attestation, expected map[string]string) error {
	for k, v := range expected {
		got, ok := a.Heads[k]
		if !ok || got != v {
			return verrors.New("ATTESTATION_HEAD_MISMATCH").WithPath(k).
				WithDetail(map[string]string{"want": v, "got": got})
		}
	}
	return nil
}
