// Package governance parses GovernancePolicy documents and RevocationList
// documents, derives per-key usability timelines from them, and authorizes
// a signer against a policy's subject-type rules.
package governance

import (
	"encoding/json"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/verrors"
)

// Rule is one subject-type entry of a policy's signer list.
type Rule struct {
	AllowedScopes   []string `json:"allowedScopes"`
	AllowedKeyIDs   []string `json:"allowedKeyIds"`
	RequireGoverned bool     `json:"requireGoverned"`
	RequiredPurpose string   `json:"requiredPurpose"`
}

// RevocationPointer is the {path, sha256} reference a v2 policy carries to
// its revocation list.
type RevocationPointer struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// PolicyV2 is a parsed, structurally-valid GovernancePolicy.v2 document.
type PolicyV2 struct {
	SchemaVersion                string            `json:"schemaVersion"`
	Algorithms                   []string          `json:"algorithms"`
	VerificationReportSigners    map[string]Rule   `json:"verificationReportSigners"`
	BundleHeadAttestationSigners map[string]Rule   `json:"bundleHeadAttestationSigners"`
	RevocationList               RevocationPointer `json:"revocationList"`
	SignerKeyID                  string            `json:"signerKeyId"`
	Signature                    string            `json:"signature"`
	PolicyHash                   string            `json:"policyHash"`
}

// ParsePolicyV2 structurally validates doc as GovernancePolicy.v2: every
// rule across both signer lists must require purpose "server", and the
// allowed-algorithms set must include ed25519.
func ParsePolicyV2(raw []byte) (*PolicyV2, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, verrors.New("GOVERNANCE_POLICY_PARSE_FAILED").WithCause(err)
	}

	var p PolicyV2
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, verrors.New("GOVERNANCE_POLICY_PARSE_FAILED").WithCause(err)
	}

	if p.SchemaVersion != "GovernancePolicy.v2" {
		return nil, verrors.New("GOVERNANCE_POLICY_SCHEMA_MISMATCH").WithDetail(p.SchemaVersion)
	}

	hasEd25519 := false
	for _, a := range p.Algorithms {
		if a == "ed25519" {
			hasEd25519 = true
			break
		}
	}
	if !hasEd25519 {
		return nil, verrors.New("GOVERNANCE_POLICY_ALGORITHM_MISSING_ED25519")
	}

	for subject, rule := range p.VerificationReportSigners {
		if err := validateRule(rule); err != nil {
			return nil, err.WithPath("verificationReportSigners." + subject)
		}
	}
	for subject, rule := range p.BundleHeadAttestationSigners {
		if err := validateRule(rule); err != nil {
			return nil, err.WithPath("bundleHeadAttestationSigners." + subject)
		}
	}

	withoutHash := canonical.WithoutFields(generic, "policyHash", "signature")
	recomputed, err := canonical.HashHex(withoutHash)
	if err != nil {
		return nil, verrors.New("GOVERNANCE_POLICY_PARSE_FAILED").WithCause(err)
	}
	if recomputed != p.PolicyHash {
		return nil, verrors.New("policyHash mismatch").
			WithDetail(map[string]string{"want": p.PolicyHash, "got": recomputed})
	}

	return &p, nil
}

func validateRule(r Rule) *verrors.Error {
	if r.RequiredPurpose != "server" {
		return verrors.New("GOVERNANCE_POLICY_RULE_PURPOSE_INVALID").WithDetail(r.RequiredPurpose)
	}
	if r.AllowedKeyIDs == nil {
		return verrors.New("GOVERNANCE_POLICY_RULE_KEYIDS_MISSING")
	}
	return nil
}

// VerifyPolicyV2Signature verifies policy's signature over its policyHash
// under one of trustedRoots.
func VerifyPolicyV2Signature(policy *PolicyV2, trustedRoots map[string]string) error {
	rootPEM, ok := trustedRoots[policy.SignerKeyID]
	if !ok {
		return verrors.New("GOVERNANCE_POLICY_SIGNER_UNTRUSTED").WithDetail(policy.SignerKeyID)
	}
	ok2, err := cryptoutil.VerifyEd25519OverHex(policy.PolicyHash, policy.Signature, rootPEM)
	if err != nil || !ok2 {
		return verrors.New("GOVERNANCE_POLICY_SIGNATURE_INVALID").WithDetail(policy.SignerKeyID)
	}
	return nil
}
