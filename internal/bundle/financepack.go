package bundle

import (
	"path/filepath"

	"github.com/settld/bundleverify/internal/attestation"
	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/governance"
	"github.com/settld/bundleverify/internal/report"
	"github.com/settld/bundleverify/internal/verrors"
)

// VerifyFinancePackBundle implements spec.md §4.11's skeleton and
// FinancePackBundle.v1's cross-document duties: embedded MonthProofBundle,
// GL batch / journal CSV artifact hashes, and reconcile recomputation.
func VerifyFinancePackBundle(dir string, opts Options) (*Verdict, error) {
	if err := assertHeaderType(dir, "settld.json", "FinancePackBundle.v1"); err != nil {
		return nil, err
	}

	manifestResult, err := verifyManifest(dir, "FinancePackBundle.v1", opts)
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

	monthDir := filepath.Join(dir, "month")
	monthVerdict, err := VerifyMonthProofBundle(monthDir, opts)
	if err != nil {
		return nil, verrors.Wrap("embedded MonthProofBundle verification failed", err)
	}
	v.Warnings = append(v.Warnings, monthVerdict.Warnings...)

	glBatchHash, err := checkGLBatchHash(dir)
	if err != nil {
		return nil, err
	}
	journalCsvSha256, err := checkJournalCsvHash(dir)
	if err != nil {
		return nil, err
	}
	if err := checkReconcile(dir, glBatchHash, journalCsvSha256, monthVerdict.ManifestHash); err != nil {
		return nil, err
	}

	heads := map[string]string{"month": monthVerdict.ManifestHash}

	attestationGeneric, attestationRaw, err := readJSON(dir, "attestation/bundle_head_attestation.json")
	if err != nil {
		return nil, err
	}
	if _, err := attestation.Verify(attestationRaw, attestation.Options{
		ExpectedKind:             "FinancePackBundle.v1",
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
		ExpectedSubjectType:      "FinancePackBundle.v1",
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

// checkGLBatchHash recomputes finance/GLBatch.v1.json's self-declared
// glBatchHash (canonical hash of the document minus the field itself) and
// returns it for the reconcile binding check.
func checkGLBatchHash(dir string) (string, error) {
	generic, _, err := readJSON(dir, "finance/GLBatch.v1.json")
	if err != nil {
		return "", err
	}
	declared, _ := generic["glBatchHash"].(string)
	computed, err := canonical.HashHex(canonical.WithoutFields(generic, "glBatchHash"))
	if err != nil {
		return "", verrors.New("glBatchHash mismatch").WithCause(err)
	}
	if declared != computed {
		return "", verrors.New("glBatchHash mismatch").
			WithDetail(map[string]string{"want": computed, "got": declared})
	}
	return computed, nil
}

// checkJournalCsvHash verifies finance/JournalCsv.v1.json's declared
// csvSha256 against the actual byte-SHA-256 of finance/JournalCsv.v1.csv.
func checkJournalCsvHash(dir string) (string, error) {
	generic, _, err := readJSON(dir, "finance/JournalCsv.v1.json")
	if err != nil {
		return "", err
	}
	declared, _ := generic["csvSha256"].(string)

	csvRaw, err := readFileRaw(dir, "finance/JournalCsv.v1.csv")
	if err != nil {
		return "", err
	}
	actual := cryptoutil.SHA256Hex(csvRaw)
	if declared != actual {
		return "", verrors.New("journalCsv.csvSha256 mismatch").
			WithDetail(map[string]string{"want": actual, "got": declared})
	}
	return actual, nil
}

// checkReconcile recomputes the expected reconcile record from the GL
// batch hash, journal CSV hash, and embedded month proof's manifest hash,
// and requires canonical-string equality with the on-disk reconcile.json
// (per spec.md's "replace reconcile.json with a canonically different
// byte string ⇒ reconcile.json mismatch").
func checkReconcile(dir, glBatchHash, journalCsvSha256, monthProofManifestHash string) error {
	generic, raw, err := readJSON(dir, "finance/reconcile.json")
	if err != nil {
		return err
	}
	expected := map[string]any{
		"schemaVersion":          "Reconcile.v1",
		"glBatchHash":            glBatchHash,
		"journalCsvSha256":       journalCsvSha256,
		"monthProofManifestHash": monthProofManifestHash,
	}
	expectedCanon, err := canonical.JCSString(expected)
	if err != nil {
		return verrors.New("reconcile.json mismatch").WithCause(err)
	}
	actualCanon, err := canonical.JCSString(generic)
	if err != nil {
		return verrors.New("reconcile.json mismatch").WithCause(err)
	}
	if expectedCanon != actualCanon {
		return verrors.New("reconcile.json mismatch").
			WithDetail(map[string]string{"expected": expectedCanon, "actual": actualCanon})
	}
	_ = raw
	return nil
}
