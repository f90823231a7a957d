package bundle

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/verrors"
)

// buildClosePackFixture lays out a minimal ClosePack.v1 directory
// embedding a full InvoiceBundle fixture (itself embedding a
// JobProofBundle) at payload/invoice_bundle.
func buildClosePackFixture(t *testing.T) (dir string, priv ed25519.PrivateKey, pubPEM string) {
	t.Helper()
	dir = t.TempDir()
	priv, pubPEM = genKey(t)

	writeJSON(t, dir, "settld.json", map[string]any{"type": "ClosePack.v1"})
	writeJSON(t, dir, "keys/public_keys.json", []map[string]any{
		{"keyId": "server-key-1", "publicKeyPem": pubPEM, "purpose": "server"},
	})
	writeJSON(t, dir, "governance/snapshot.json", map[string]any{"schemaVersion": "GovernancePolicy.v1"})

	invoiceDir := filepath.Join(dir, "payload", "invoice_bundle")
	_ = buildInvoiceBundleFixtureUsing(t, invoiceDir, priv, pubPEM)

	invoiceManifestRaw, err := os.ReadFile(filepath.Join(invoiceDir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	var invoiceManifest map[string]any
	if err := json.Unmarshal(invoiceManifestRaw, &invoiceManifest); err != nil {
		t.Fatal(err)
	}
	invoiceManifestHash, _ := invoiceManifest["manifestHash"].(string)

	jobEvents, err := readJSONL[eventchain.Event](dir, filepath.Join(closePackJobProofPath, "events", "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	meteringGeneric, _, err := readJSON(dir, filepath.Join("payload", "invoice_bundle", "metering", "metering_report.json"))
	if err != nil {
		t.Fatal(err)
	}

	var jobRefs []map[string]any
	for _, ev := range jobEvents {
		jobRefs = append(jobRefs, map[string]any{"id": ev.ID, "chainHash": ev.ChainHash})
	}
	meteringHash, err := canonical.HashHex(meteringGeneric)
	if err != nil {
		t.Fatal(err)
	}
	evidenceIndex := map[string]any{
		"schemaVersion":      "EvidenceIndex.v1",
		"jobEvents":          jobRefs,
		"meteringReportHash": meteringHash,
	}
	writeJSON(t, dir, "evidence/evidence_index.json", evidenceIndex)

	manifestFiles := []string{
		"settld.json",
		"keys/public_keys.json",
		"governance/snapshot.json",
		"evidence/evidence_index.json",
	}
	var fileEntries []map[string]any
	for _, rel := range manifestFiles {
		raw, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			t.Fatal(err)
		}
		sum := sha256.Sum256(raw)
		fileEntries = append(fileEntries, map[string]any{"name": rel, "sha256": hex.EncodeToString(sum[:])})
	}
	manifestDoc := map[string]any{
		"schemaVersion": "BundleManifest.v1",
		"kind":          "ClosePack.v1",
		"tenantId":      "tenant-1",
		"scope":         "tenant",
		"files":         fileEntries,
	}
	manifestHash, err := canonical.HashHex(manifestDoc)
	if err != nil {
		t.Fatal(err)
	}
	manifestDoc["manifestHash"] = manifestHash
	writeJSON(t, dir, "manifest.json", manifestDoc)

	heads := map[string]string{"invoice": invoiceManifestHash}
	attestationDoc := map[string]any{
		"schemaVersion": "BundleHeadAttestation.v1",
		"kind":          "ClosePack.v1",
		"tenantId":      "tenant-1",
		"scope":         "tenant",
		"manifestHash":  manifestHash,
		"heads":         heads,
		"signerKeyId":   "server-key-1",
		"signedAt":      "2026-03-02T00:00:00Z",
	}
	attestationHash, err := canonical.HashHex(attestationDoc)
	if err != nil {
		t.Fatal(err)
	}
	attestationDoc["attestationHash"] = attestationHash
	attestationDoc["signature"] = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(attestationHash)))
	writeJSON(t, dir, "attestation/bundle_head_attestation.json", attestationDoc)

	reportDoc := map[string]any{
		"schemaVersion":         "VerificationReport.v1",
		"profile":               "lenient",
		"subject":               map[string]any{"type": "ClosePack.v1", "manifestHash": manifestHash},
		"bundleHeadAttestation": map[string]any{"attestationHash": attestationHash},
		"signerKeyId":           "server-key-1",
		"signedAt":              "2026-03-02T00:00:01Z",
	}
	reportHash, err := canonical.HashHex(reportDoc)
	if err != nil {
		t.Fatal(err)
	}
	reportDoc["reportHash"] = reportHash
	reportDoc["signature"] = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(reportHash)))
	writeJSON(t, dir, "verify/verification_report.json", reportDoc)

	return dir, priv, pubPEM
}

// buildInvoiceBundleFixtureUsing builds a full InvoiceBundle fixture
// directly into dir, signed with the given key pair, mirroring
// buildInvoiceFixture's layout in invoice_test.go.
func buildInvoiceBundleFixtureUsing(t *testing.T, dir string, priv ed25519.PrivateKey, pubPEM string) string {
	t.Helper()

	writeJSON(t, dir, "nooterra.json", map[string]any{"type": "InvoiceBundle.v1"})
	writeJSON(t, dir, "keys/public_keys.json", []map[string]any{
		{"keyId": "server-key-1", "publicKeyPem": pubPEM, "purpose": "server"},
	})
	writeJSON(t, dir, "governance/snapshot.json", map[string]any{"schemaVersion": "GovernancePolicy.v1"})

	_, _ = buildJobProofFixtureInDir(t, filepath.Join(dir, "payload", "job_proof_bundle"))

	jobManifestRaw, err := os.ReadFile(filepath.Join(dir, "payload", "job_proof_bundle", "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	var jobManifest map[string]any
	if err := json.Unmarshal(jobManifestRaw, &jobManifest); err != nil {
		t.Fatal(err)
	}
	jobManifestHash, _ := jobManifest["manifestHash"].(string)

	writeJSON(t, dir, "pricing/pricing_matrix.json", map[string]any{
		"schemaVersion": "PricingMatrix.v1",
		"currency":      "USD",
		"rates":         map[string]any{"perUnitCents": 250},
	})
	writeJSON(t, dir, "metering/metering_report.json", map[string]any{
		"schemaVersion": "MeteringReport.v1",
		"jobProof": map[string]any{
			"embeddedPath": "payload/job_proof_bundle",
			"manifestHash": jobManifestHash,
		},
	})
	writeJSON(t, dir, "invoice/invoice_claim.json", map[string]any{
		"schemaVersion": "InvoiceClaim.v1",
		"currency":      "USD",
		"lines": []map[string]any{
			{"description": "zone coverage", "quantity": int64(10), "unitPriceCents": int64(250), "amountCents": int64(2500)},
		},
		"totalCents":         int64(2500),
		"jobProofBundleHash": jobManifestHash,
	})

	manifestFiles := []string{
		"nooterra.json",
		"keys/public_keys.json",
		"governance/snapshot.json",
		"pricing/pricing_matrix.json",
		"metering/metering_report.json",
		"invoice/invoice_claim.json",
	}
	var fileEntries []map[string]any
	for _, rel := range manifestFiles {
		raw, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			t.Fatal(err)
		}
		sum := sha256.Sum256(raw)
		fileEntries = append(fileEntries, map[string]any{"name": rel, "sha256": hex.EncodeToString(sum[:])})
	}
	manifestDoc := map[string]any{
		"schemaVersion": "BundleManifest.v1",
		"kind":          "InvoiceBundle.v1",
		"tenantId":      "tenant-1",
		"scope":         "tenant",
		"files":         fileEntries,
	}
	manifestHash, err := canonical.HashHex(manifestDoc)
	if err != nil {
		t.Fatal(err)
	}
	manifestDoc["manifestHash"] = manifestHash
	writeJSON(t, dir, "manifest.json", manifestDoc)

	heads := map[string]string{"jobProof": jobManifestHash}
	attestationDoc := map[string]any{
		"schemaVersion": "BundleHeadAttestation.v1",
		"kind":          "InvoiceBundle.v1",
		"tenantId":      "tenant-1",
		"scope":         "tenant",
		"manifestHash":  manifestHash,
		"heads":         heads,
		"signerKeyId":   "server-key-1",
		"signedAt":      "2026-03-01T00:00:00Z",
	}
	attestationHash, err := canonical.HashHex(attestationDoc)
	if err != nil {
		t.Fatal(err)
	}
	attestationDoc["attestationHash"] = attestationHash
	attestationDoc["signature"] = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(attestationHash)))
	writeJSON(t, dir, "attestation/bundle_head_attestation.json", attestationDoc)

	reportDoc := map[string]any{
		"schemaVersion":         "VerificationReport.v1",
		"profile":               "lenient",
		"subject":               map[string]any{"type": "InvoiceBundle.v1", "manifestHash": manifestHash},
		"bundleHeadAttestation": map[string]any{"attestationHash": attestationHash},
		"signerKeyId":           "server-key-1",
		"signedAt":              "2026-03-01T00:00:01Z",
	}
	reportHash, err := canonical.HashHex(reportDoc)
	if err != nil {
		t.Fatal(err)
	}
	reportDoc["reportHash"] = reportHash
	reportDoc["signature"] = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(reportHash)))
	writeJSON(t, dir, "verify/verification_report.json", reportDoc)

	return manifestHash
}

func TestVerifyClosePack_HappyPath(t *testing.T) {
	dir, _, _ := buildClosePackFixture(t)

	v, err := VerifyClosePack(dir, Options{Strict: false})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !v.OK {
		t.Fatal("expected OK verdict")
	}
}

func TestVerifyClosePack_DetectsEvidenceIndexTamper(t *testing.T) {
	dir, _, _ := buildClosePackFixture(t)

	writeJSON(t, dir, "evidence/evidence_index.json", map[string]any{
		"schemaVersion":      "EvidenceIndex.v1",
		"jobEvents":          []map[string]any{},
		"meteringReportHash": "deadbeef",
	})
	recomputeManifestHashes(t, dir)

	_, err := VerifyClosePack(dir, Options{Strict: false})
	if err == nil {
		t.Fatal("expected evidence index mismatch")
	}
	if verrors.Kind(err) != "closepack evidence_index mismatch" {
		t.Errorf("unexpected kind: %v", verrors.Kind(err))
	}
}
