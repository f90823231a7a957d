// Package report verifies a bundle's VerificationReport.v1 document:
// subject binding, embedded bundle-head-attestation binding, signer
// authorization, and a closed warning-code enum.
package report

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/governance"
	"github.com/settld/bundleverify/internal/timestampproof"
	"github.com/settld/bundleverify/internal/verrors"
)

// Subject identifies what a verification report attests to.
type Subject struct {
	Type         string `json:"type"`
	ManifestHash string `json:"manifestHash"`
}

// EmbeddedAttestation is the report's embedded reference to the bundle's
// head attestation.
type EmbeddedAttestation struct {
	AttestationHash string `json:"attestationHash"`
}

// Signer is the optional internal-consistency echo of the report's
// top-level signerKeyId/scope.
type Signer struct {
	KeyID string `json:"keyId"`
	Scope string `json:"scope"`
}

// Report is a parsed VerificationReport.v1 document.
type Report struct {
	SchemaVersion         string              `json:"schemaVersion"`
	Profile               string              `json:"profile"`
	Subject               Subject             `json:"subject"`
	Warnings              []string            `json:"warnings"`
	BundleHeadAttestation EmbeddedAttestation `json:"bundleHeadAttestation"`
	ReportHash            string              `json:"reportHash"`
	SignerKeyID           string              `json:"signerKeyId"`
	Signer                *Signer             `json:"signer"`
	SignedAt              time.Time           `json:"signedAt"`
	Signature             string              `json:"signature"`
}

// AllowedWarnings is the closed set of warning codes a verification
// report may carry.
var AllowedWarnings = map[string]bool{
	"VERIFICATION_REPORT_MISSING_LENIENT":                       true,
	"MANIFEST_MISSING_FILES_LENIENT":                            true,
	"GOVERNANCE_POLICY_V1_ACCEPTED_LENIENT":                     true,
	"PRICING_MATRIX_SIGNATURES_MISSING_LENIENT":                 true,
	"PRICING_MATRIX_SIGNATURE_V1_BYTES_LEGACY_ACCEPTED_LENIENT": true,
}

// Options binds one report verification call to its expected context.
type Options struct {
	ExpectedSubjectType     string
	ExpectedManifestHash    string
	ExpectedAttestationHash string

	Strict bool

	Keys   map[string]eventchain.KeyMeta
	Policy *governance.PolicyV2

	TrustedTimeAuthorityKeys map[string]string
}

// Verify parses raw and enforces the C9-equivalent discipline bound to
// subject/attestation rather than manifest/heads.
func Verify(raw []byte, opts Options) (*Report, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, verrors.New("REPORT_PARSE_FAILED").WithCause(err)
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, verrors.New("REPORT_PARSE_FAILED").WithCause(err)
	}

	if r.SchemaVersion != "VerificationReport.v1" {
		return nil, verrors.New("REPORT_SCHEMA_MISMATCH").WithDetail(r.SchemaVersion)
	}
	if r.Subject.Type != opts.ExpectedSubjectType {
		return nil, verrors.New("REPORT_SUBJECT_TYPE_MISMATCH").
			WithDetail(map[string]string{"want": opts.ExpectedSubjectType, "got": r.Subject.Type})
	}
	if r.Subject.ManifestHash != opts.ExpectedManifestHash {
		return nil, verrors.New("REPORT_SUBJECT_MANIFEST_HASH_MISMATCH").
			WithDetail(map[string]string{"want": opts.ExpectedManifestHash, "got": r.Subject.ManifestHash})
	}

	if opts.Strict && r.BundleHeadAttestation.AttestationHash == "" {
		return nil, verrors.New("REPORT_ATTESTATION_HASH_MISSING")
	}
	if r.BundleHeadAttestation.AttestationHash != "" && r.BundleHeadAttestation.AttestationHash != opts.ExpectedAttestationHash {
		return nil, verrors.New("REPORT_ATTESTATION_HASH_MISMATCH").
			WithDetail(map[string]string{"want": opts.ExpectedAttestationHash, "got": r.BundleHeadAttestation.AttestationHash})
	}

	for _, w := range r.Warnings {
		if !AllowedWarnings[w] {
			return nil, verrors.New("REPORT_WARNING_CODE_UNKNOWN").WithDetail(w)
		}
	}

	if r.Signer != nil && (r.Signer.KeyID != r.SignerKeyID) {
		return nil, verrors.New("REPORT_SIGNER_INCONSISTENT").
			WithDetail(map[string]string{"topLevel": r.SignerKeyID, "signerBlock": r.Signer.KeyID})
	}

	if opts.Strict && (r.SignerKeyID == "" || r.Signature == "") {
		return nil, verrors.New("REPORT_SIGNER_FIELDS_MISSING")
	}

	if r.ReportHash != "" {
		withoutHash := canonical.WithoutFields(generic, "reportHash", "signature")
		recomputed, err := canonical.HashHex(withoutHash)
		if err != nil {
			return nil, verrors.New("REPORT_PARSE_FAILED").WithCause(err)
		}
		if recomputed != r.ReportHash {
			return nil, verrors.New("reportHash mismatch").
				WithDetail(map[string]string{"want": r.ReportHash, "got": recomputed})
		}
	}

	if r.SignerKeyID == "" {
		return &r, nil
	}

	meta, ok := opts.Keys[r.SignerKeyID]
	if !ok {
		return nil, verrors.New("REPORT_SIGNER_KEY_UNKNOWN").WithDetail(r.SignerKeyID)
	}

	hashForSig, err := canonical.HashHex(canonical.WithoutFields(generic, "reportHash", "signature"))
	if err != nil {
		return nil, verrors.New("REPORT_PARSE_FAILED").WithCause(err)
	}
	verified, err := cryptoutil.VerifyEd25519OverHex(hashForSig, r.Signature, meta.PublicKeyPEM)
	if err != nil || !verified {
		return nil, verrors.New("verification report signer not authorized").WithDetail(r.SignerKeyID)
	}

	if opts.Strict {
		if opts.Policy != nil {
			scope := ""
			if r.Signer != nil {
				scope = r.Signer.Scope
			}
			err := governance.AuthorizeServerSignerForPolicy(
				opts.Policy, governance.DocVerificationReport, opts.ExpectedSubjectType, r.SignerKeyID, scope, meta)
			if err != nil {
				return nil, verrors.New("verification report signer not authorized").WithCause(err)
			}
		}
		if meta.ValidFrom == nil {
			return nil, verrors.New("EVENT_SIGNER_KEY_VALID_FROM_MISSING").WithDetail(r.SignerKeyID)
		}
	}

	effectiveAt, trustworthy, err := timestampproof.EffectiveSignedAt(generic, r.SignedAt, opts.TrustedTimeAuthorityKeys)
	if err != nil {
		return nil, err
	}
	if meta.ValidFrom != nil && effectiveAt.Before(*meta.ValidFrom) {
		return nil, verrors.New("KEY_NOT_YET_VALID").WithDetail(r.SignerKeyID)
	}
	if meta.ValidTo != nil && effectiveAt.After(*meta.ValidTo) {
		return nil, verrors.New("KEY_EXPIRED").WithDetail(r.SignerKeyID)
	}

	tl := governance.Timeline{RotatedAt: meta.RotatedAt, RevokedAt: meta.RevokedAt}
	if perr := governance.ProspectiveCheck(tl, effectiveAt, trustworthy); perr != nil {
		return nil, perr
	}

	return &r, nil
}

// SortedWarningCodes returns the closed warning set in deterministic
// order, used by callers that need to enumerate it (e.g. for docs/tests).
func SortedWarningCodes() []string {
	codes := make([]string, 0, len(AllowedWarnings))
	for c := range AllowedWarnings {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
