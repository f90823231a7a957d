package governance

import (
	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/verrors"
)

// DocumentKind selects which of a policy's two rule lists governs a
// signer authorization check.
type DocumentKind string

const (
	DocVerificationReport    DocumentKind = "VerificationReport"
	DocBundleHeadAttestation DocumentKind = "BundleHeadAttestation"
)

// AuthorizeServerSignerForPolicy selects the rule for subjectType from
// policy's documentKind rule list and enforces scope, key-id allow-list,
// the governed requirement, and purpose against keyMeta.
func AuthorizeServerSignerForPolicy(policy *PolicyV2, documentKind DocumentKind, subjectType, signerKeyID, signerScope string, keyMeta eventchain.KeyMeta) error {
	var rules map[string]Rule
	switch documentKind {
	case DocVerificationReport:
		rules = policy.VerificationReportSigners
	case DocBundleHeadAttestation:
		rules = policy.BundleHeadAttestationSigners
	default:
		return verrors.New("GOVERNANCE_DOCUMENT_KIND_UNKNOWN").WithDetail(string(documentKind))
	}

	rule, ok := rules[subjectType]
	if !ok {
		return verrors.New("GOVERNANCE_SUBJECT_TYPE_UNKNOWN").WithDetail(subjectType)
	}

	if !containsString(rule.AllowedScopes, signerScope) {
		return verrors.New("GOVERNANCE_SCOPE_NOT_ALLOWED").WithDetail(signerScope)
	}
	if !containsString(rule.AllowedKeyIDs, signerKeyID) {
		return verrors.New("GOVERNANCE_SIGNER_KEY_NOT_ALLOWED").WithDetail(signerKeyID)
	}
	if rule.RequireGoverned && !keyMeta.ServerGoverned {
		return verrors.New("GOVERNANCE_SIGNER_KEY_NOT_GOVERNED").WithDetail(signerKeyID)
	}
	if keyMeta.Purpose != rule.RequiredPurpose {
		return verrors.New("GOVERNANCE_SIGNER_KEY_PURPOSE_INVALID").WithDetail(keyMeta.Purpose)
	}

	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
