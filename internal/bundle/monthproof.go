package bundle

import (
	"github.com/settld/bundleverify/internal/attestation"
	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/governance"
	"github.com/settld/bundleverify/internal/report"
)

// VerifyMonthProofBundle implements spec.md §4.11's skeleton for
// MonthProofBundle.v1: same manifest/keys/governance/attestation/report
// skeleton as JobProofBundle, but the event stream has no per-job head
// constraint — the attestation's declared "month" head is trusted as
// whatever the stream's last chainHash actually is, not cross-checked
// against a separately-known expectation.
func VerifyMonthProofBundle(dir string, opts Options) (*Verdict, error) {
	manifestResult, err := verifyManifest(dir, "MonthProofBundle.v1", opts)
	if err != nil {
		return nil, err
	}
	v := &Verdict{OK: true, ManifestHash: manifestResult.Manifest.ManifestHash}
	v.Warnings = append(v.Warnings, manifestResult.Warnings...)

	keys, err := loadKeyMeta(dir, "keys/public_keys.json")
	if err != nil {
		return nil, err
	}

	var globalPolicy *governance.PolicyV2
	if opts.Strict {
		globalSnap, err := loadGovernanceSnapshot(dir, "governance/global", opts)
		if err != nil {
			return nil, err
		}
		if globalSnap.Warning != nil {
			v.Warnings = append(v.Warnings, *globalSnap.Warning)
		}
		globalPolicy = globalSnap.Policy
		keys = governance.ApplyTimelines(keys, globalSnap.Timelines, nil)

		tenantSnap, err := loadGovernanceSnapshot(dir, "governance/tenant", opts)
		if err != nil {
			return nil, err
		}
		if tenantSnap.Warning != nil {
			v.Warnings = append(v.Warnings, *tenantSnap.Warning)
		}
		keys = governance.ApplyTimelines(keys, tenantSnap.Timelines, nil)
	}

	globalTimelines, globalGoverned, globalEvents, err := governanceStream(dir, "governance/global", opts, opts.Strict)
	if err != nil {
		return nil, err
	}
	keys = governance.ApplyTimelines(keys, globalTimelines, globalGoverned)
	if err := forbidEventType(globalEvents, "TENANT_POLICY_UPDATED"); err != nil {
		return nil, err
	}

	tenantTimelines, tenantGoverned, tenantEvents, err := governanceStream(dir, "governance/tenant", opts, opts.Strict)
	if err != nil {
		return nil, err
	}
	keys = governance.ApplyTimelines(keys, tenantTimelines, tenantGoverned)
	if err := forbidEventTypePrefix(tenantEvents, "SERVER_SIGNER_KEY_"); err != nil {
		return nil, err
	}

	events, err := readJSONL[eventchain.Event](dir, "events/events.jsonl")
	if err != nil {
		return nil, err
	}
	material, err := readJSONL[eventchain.PayloadMaterial](dir, "events/payload_material.jsonl")
	if err != nil {
		return nil, err
	}
	if err := eventchain.Verify(events, material, keys, eventchain.Options{Strict: opts.Strict}); err != nil {
		return nil, err
	}
	if err := checkProvenanceRefs(events); err != nil {
		return nil, err
	}

	heads := map[string]string{}
	if len(events) > 0 {
		heads["month"] = events[len(events)-1].ChainHash
	}

	attestationGeneric, attestationRaw, err := readJSON(dir, "attestation/bundle_head_attestation.json")
	if err != nil {
		return nil, err
	}
	if _, err := attestation.Verify(attestationRaw, attestation.Options{
		ExpectedKind:             "MonthProofBundle.v1",
		ExpectedTenantID:         manifestResult.Manifest.TenantID,
		ExpectedScope:            manifestResult.Manifest.Scope,
		ExpectedManifestHash:     manifestResult.Manifest.ManifestHash,
		ExpectedHeads:            heads,
		Strict:                   opts.Strict,
		Keys:                     keys,
		Policy:                   globalPolicy,
		TrustedTimeAuthorityKeys: opts.TrustedTimeAuthorityKeys,
	}); err != nil {
		return nil, err
	}
	attestationHash, _ := attestationGeneric["attestationHash"].(string)

	_, reportRaw, err := readJSON(dir, "verify/verification_report.json")
	if err != nil {
		return nil, err
	}
	if _, err := report.Verify(reportRaw, report.Options{
		ExpectedSubjectType:      "MonthProofBundle.v1",
		ExpectedManifestHash:     manifestResult.Manifest.ManifestHash,
		ExpectedAttestationHash:  attestationHash,
		Strict:                   opts.Strict,
		Keys:                     keys,
		Policy:                   globalPolicy,
		TrustedTimeAuthorityKeys: opts.TrustedTimeAuthorityKeys,
	}); err != nil {
		return nil, err
	}

	return v, nil
}
