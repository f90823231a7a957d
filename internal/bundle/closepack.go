package bundle

import (
	"os"
	"path/filepath"

	"github.com/settld/bundleverify/internal/attestation"
	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/governance"
	"github.com/settld/bundleverify/internal/report"
	"github.com/settld/bundleverify/internal/verrors"
)

const closePackJobProofPath = "payload/invoice_bundle/payload/job_proof_bundle"

// VerifyClosePack implements spec.md §4.11's skeleton and ClosePack.v1's
// cross-document duties: embedded InvoiceBundle, EvidenceIndex.v1
// recomputation, and optional SlaEvaluation.v1/AcceptanceEvaluation.v1
// recomputation when their definitions are present.
func VerifyClosePack(dir string, opts Options) (*Verdict, error) {
	if err := assertHeaderType(dir, "settld.json", "ClosePack.v1"); err != nil {
		return nil, err
	}

	manifestResult, err := verifyManifest(dir, "ClosePack.v1", opts)
	if err != nil {
		return nil, err
	}
	v := &Verdict{OK: true, ManifestHash: manifestResult.Manifest.ManifestHash}
	v.Warnings = append(v.Warnings, manifestResult.Warnings...)

	keys, err := loadKeyMeta(dir, "keys/public_keys.json")
	if err != nil {
		return nil, err
	}

	var policy *governance.PolicyV2
	if opts.Strict {
		snap, err := loadGovernanceSnapshot(dir, "governance", opts)
		if err != nil {
			return nil, err
		}
		if snap.Warning != nil {
			v.Warnings = append(v.Warnings, *snap.Warning)
		}
		policy = snap.Policy
		keys = governance.ApplyTimelines(keys, snap.Timelines, nil)
	}

	invoiceDir := filepath.Join(dir, "payload", "invoice_bundle")
	invoiceVerdict, err := VerifyInvoiceBundle(invoiceDir, opts)
	if err != nil {
		return nil, verrors.Wrap("embedded InvoiceBundle verification failed", err)
	}
	v.Warnings = append(v.Warnings, invoiceVerdict.Warnings...)

	jobEvents, err := readJSONL[eventchain.Event](dir, filepath.Join(closePackJobProofPath, "events", "events.jsonl"))
	if err != nil {
		return nil, err
	}
	meteringGeneric, _, err := readJSON(dir, filepath.Join("payload", "invoice_bundle", "metering", "metering_report.json"))
	if err != nil {
		return nil, err
	}
	if err := checkEvidenceIndex(dir, jobEvents, meteringGeneric); err != nil {
		return nil, err
	}
	if err := checkSlaEvaluation(dir, jobEvents); err != nil {
		return nil, err
	}
	if err := checkAcceptanceEvaluation(dir, jobEvents); err != nil {
		return nil, err
	}

	heads := map[string]string{"invoice": invoiceVerdict.ManifestHash}

	attestationGeneric, attestationRaw, err := readJSON(dir, "attestation/bundle_head_attestation.json")
	if err != nil {
		return nil, err
	}
	if _, err := attestation.Verify(attestationRaw, attestation.Options{
		ExpectedKind:             "ClosePack.v1",
		ExpectedTenantID:         manifestResult.Manifest.TenantID,
		ExpectedScope:            manifestResult.Manifest.Scope,
		ExpectedManifestHash:     manifestResult.Manifest.ManifestHash,
		ExpectedHeads:            heads,
		Strict:                   opts.Strict,
		Keys:                     keys,
		Policy:                   policy,
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
		ExpectedSubjectType:      "ClosePack.v1",
		ExpectedManifestHash:     manifestResult.Manifest.ManifestHash,
		ExpectedAttestationHash:  attestationHash,
		Strict:                   opts.Strict,
		Keys:                     keys,
		Policy:                   policy,
		TrustedTimeAuthorityKeys: opts.TrustedTimeAuthorityKeys,
	}); err != nil {
		return nil, err
	}

	return v, nil
}

// checkEvidenceIndex recomputes EvidenceIndex.v1 from the embedded job
// proof's events and the invoice's metering report, and requires
// canonical-string equality with evidence/evidence_index.json.
func checkEvidenceIndex(dir string, jobEvents []eventchain.Event, metering map[string]any) error {
	var jobRefs []map[string]any
	for _, ev := range jobEvents {
		jobRefs = append(jobRefs, map[string]any{"id": ev.ID, "chainHash": ev.ChainHash})
	}
	meteringHash, err := canonical.HashHex(metering)
	if err != nil {
		return verrors.New("closepack evidence_index mismatch").WithCause(err)
	}
	expected := map[string]any{
		"schemaVersion":      "EvidenceIndex.v1",
		"jobEvents":          jobRefs,
		"meteringReportHash": meteringHash,
	}

	generic, _, err := readJSON(dir, "evidence/evidence_index.json")
	if err != nil {
		return err
	}
	expectedCanon, err := canonical.JCSString(expected)
	if err != nil {
		return verrors.New("closepack evidence_index mismatch").WithCause(err)
	}
	actualCanon, err := canonical.JCSString(generic)
	if err != nil {
		return verrors.New("closepack evidence_index mismatch").WithCause(err)
	}
	if expectedCanon != actualCanon {
		return verrors.New("closepack evidence_index mismatch").
			WithDetail(map[string]string{"expected": expectedCanon, "actual": actualCanon})
	}
	return nil
}

// checkSlaEvaluation recomputes SlaEvaluation.v1 from the job events
// against evidence/sla_definition.json, when present, and requires
// canonical-string equality with evidence/sla_evaluation.json.
func checkSlaEvaluation(dir string, jobEvents []eventchain.Event) error {
	defPath := filepath.Join(dir, "evidence", "sla_definition.json")
	if _, err := os.Stat(defPath); err != nil {
		return nil
	}
	definition, _, err := readJSON(dir, "evidence/sla_definition.json")
	if err != nil {
		return err
	}
	expected := recomputeSlaEvaluation(jobEvents, definition)

	generic, _, err := readJSON(dir, "evidence/sla_evaluation.json")
	if err != nil {
		return err
	}
	return requireCanonicalEqual("closepack slaEvaluation mismatch", expected, generic)
}

// checkAcceptanceEvaluation is checkSlaEvaluation's counterpart for
// evidence/acceptance_definition.json / evidence/acceptance_evaluation.json.
func checkAcceptanceEvaluation(dir string, jobEvents []eventchain.Event) error {
	defPath := filepath.Join(dir, "evidence", "acceptance_definition.json")
	if _, err := os.Stat(defPath); err != nil {
		return nil
	}
	definition, _, err := readJSON(dir, "evidence/acceptance_definition.json")
	if err != nil {
		return err
	}
	expected := recomputeAcceptanceEvaluation(jobEvents, definition)

	generic, _, err := readJSON(dir, "evidence/acceptance_evaluation.json")
	if err != nil {
		return err
	}
	return requireCanonicalEqual("closepack acceptanceEvaluation mismatch", expected, generic)
}

// recomputeSlaEvaluation counts job events whose type matches one of the
// definition's declared violationEventTypes, deterministically in event
// order.
func recomputeSlaEvaluation(jobEvents []eventchain.Event, definition map[string]any) map[string]any {
	return recomputeViolationEvaluation("SlaEvaluation.v1", jobEvents, definition)
}

func recomputeAcceptanceEvaluation(jobEvents []eventchain.Event, definition map[string]any) map[string]any {
	return recomputeViolationEvaluation("AcceptanceEvaluation.v1", jobEvents, definition)
}

func recomputeViolationEvaluation(schemaVersion string, jobEvents []eventchain.Event, definition map[string]any) map[string]any {
	violationTypesRaw, _ := definition["violationEventTypes"].([]any)
	violationTypes := make(map[string]bool, len(violationTypesRaw))
	for _, vt := range violationTypesRaw {
		if s, ok := vt.(string); ok {
			violationTypes[s] = true
		}
	}

	var violations []map[string]any
	for _, ev := range jobEvents {
		if violationTypes[ev.Type] {
			violations = append(violations, map[string]any{"id": ev.ID, "type": ev.Type, "at": ev.At})
		}
	}

	return map[string]any{
		"schemaVersion": schemaVersion,
		"violations":    violations,
		"passed":        len(violations) == 0,
	}
}

func requireCanonicalEqual(kind string, expected, actual map[string]any) error {
	expectedCanon, err := canonical.JCSString(expected)
	if err != nil {
		return verrors.New(kind).WithCause(err)
	}
	actualCanon, err := canonical.JCSString(actual)
	if err != nil {
		return verrors.New(kind).WithCause(err)
	}
	if expectedCanon != actualCanon {
		return verrors.New(kind).WithDetail(map[string]string{"expected": expectedCanon, "actual": actualCanon})
	}
	return nil
}
