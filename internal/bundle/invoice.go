package bundle

import (
	"path/filepath"
	"strconv"

	"github.com/settld/bundleverify/internal/attestation"
	"github.com/settld/bundleverify/internal/governance"
	"github.com/settld/bundleverify/internal/report"
	"github.com/settld/bundleverify/internal/verrors"
)

// invoiceLine is one row of invoice/invoice_claim.json.
type invoiceLine struct {
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	AmountCents    int64  `json:"amountCents"`
}

// VerifyInvoiceBundle implements spec.md §4.11's skeleton and
// InvoiceBundle.v1's cross-document duties: embedded JobProofBundle,
// invoice-line recomputation, pricing-matrix signatures, and
// metering/job-proof evidence-ref consistency.
func VerifyInvoiceBundle(dir string, opts Options) (*Verdict, error) {
	if err := assertHeaderType(dir, "nooterra.json", "InvoiceBundle.v1"); err != nil {
		return nil, err
	}

	manifestResult, err := verifyManifest(dir, "InvoiceBundle.v1", opts)
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

	embeddedDir := filepath.Join(dir, "payload", "job_proof_bundle")
	jobVerdict, err := VerifyJobProofBundle(embeddedDir, opts)
	if err != nil {
		return nil, verrors.Wrap("embedded JobProofBundle verification failed", err)
	}
	v.Warnings = append(v.Warnings, jobVerdict.Warnings...)

	meteringGeneric, _, err := readJSON(dir, "metering/metering_report.json")
	if err != nil {
		return nil, err
	}
	if err := checkMeteringEvidenceRef(meteringGeneric, jobVerdict.ManifestHash); err != nil {
		return nil, err
	}

	invoiceGeneric, _, err := readJSON(dir, "invoice/invoice_claim.json")
	if err != nil {
		return nil, err
	}
	if err := recomputeInvoiceTotals(invoiceGeneric); err != nil {
		return nil, err
	}
	if err := checkJobProofBundleHashBinding(invoiceGeneric, jobVerdict.ManifestHash); err != nil {
		return nil, err
	}

	pricingWarnings, err := verifyPricingMatrixSignatures(dir, opts)
	if err != nil {
		return nil, err
	}
	v.Warnings = append(v.Warnings, pricingWarnings...)

	heads := map[string]string{"jobProof": jobVerdict.ManifestHash}

	attestationGeneric, attestationRaw, err := readJSON(dir, "attestation/bundle_head_attestation.json")
	if err != nil {
		return nil, err
	}
	if _, err := attestation.Verify(attestationRaw, attestation.Options{
		ExpectedKind:             "InvoiceBundle.v1",
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
		ExpectedSubjectType:      "InvoiceBundle.v1",
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

// checkMeteringEvidenceRef enforces the metering report's jobProof
// cross-reference against the embedded job-proof bundle actually
// verified: the declared embeddedPath must be the conventional mount
// point, and the declared manifestHash must match what was observed.
func checkMeteringEvidenceRef(metering map[string]any, jobManifestHash string) error {
	jobProofRef, ok := metering["jobProof"].(map[string]any)
	if !ok {
		return verrors.New("meteringReport jobProof.embeddedPath mismatch")
	}
	embeddedPath, _ := jobProofRef["embeddedPath"].(string)
	if embeddedPath != "payload/job_proof_bundle" {
		return verrors.New("meteringReport jobProof.embeddedPath mismatch").WithDetail(embeddedPath)
	}
	declaredHash, _ := jobProofRef["manifestHash"].(string)
	if declaredHash != jobManifestHash {
		return verrors.New("meteringReport jobProof.embeddedPath mismatch").
			WithDetail(map[string]string{"want": jobManifestHash, "got": declaredHash})
	}
	return nil
}

func checkJobProofBundleHashBinding(invoice map[string]any, jobManifestHash string) error {
	declared, _ := invoice["jobProofBundleHash"].(string)
	if declared != jobManifestHash {
		return verrors.New("jobProofBundleHash mismatch").
			WithDetail(map[string]string{"want": jobManifestHash, "got": declared})
	}
	return nil
}

// recomputeInvoiceTotals recomputes every line's amountCents =
// quantity * unitPriceCents and the claim's totalCents = sum of lines,
// requiring exact equality with the declared values.
func recomputeInvoiceTotals(invoice map[string]any) error {
	linesRaw, _ := invoice["lines"].([]any)
	currency, _ := invoice["currency"].(string)

	total := Money{Currency: currency}
	for i, lr := range linesRaw {
		entry, ok := lr.(map[string]any)
		if !ok {
			return verrors.Newf("invoice line %d malformed", i)
		}
		quantity := asInt64(entry["quantity"])
		unitPriceCents := asInt64(entry["unitPriceCents"])
		declaredAmount := asInt64(entry["amountCents"])

		computed := quantity * unitPriceCents
		if computed != declaredAmount {
			return verrors.New("invoice line amount mismatch").WithPath(invoiceLinePath(i)).
				WithDetail(map[string]int64{"want": declaredAmount, "got": computed})
		}
		total = total.Add(Money{AmountMinor: computed, Currency: currency})
	}

	declaredTotal := asInt64(invoice["totalCents"])
	if total.AmountMinor != declaredTotal {
		return verrors.New("invoice total mismatch").
			WithDetail(map[string]int64{"want": declaredTotal, "got": total.AmountMinor})
	}
	return nil
}

func invoiceLinePath(i int) string {
	return "invoice/invoice_claim.json#lines[" + strconv.Itoa(i) + "]"
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
