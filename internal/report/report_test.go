package report

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/verrors"
)

func genKey(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return priv, string(pem.EncodeToMemory(block))
}

func buildReport(t *testing.T, priv ed25519.PrivateKey, keyID string, warnings []string) []byte {
	t.Helper()
	doc := map[string]any{
		"schemaVersion": "VerificationReport.v1",
		"profile":       "strict",
		"subject":       map[string]any{"type": "JobProofBundle.v1", "manifestHash": "abc123"},
		"warnings":      warnings,
		"bundleHeadAttestation": map[string]any{
			"attestationHash": "head-hash-1",
		},
		"signerKeyId": keyID,
		"signedAt":    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
	h, err := canonical.HashHex(doc)
	if err != nil {
		t.Fatal(err)
	}
	doc["reportHash"] = h
	sig := ed25519.Sign(priv, []byte(h))
	doc["signature"] = base64.StdEncoding.EncodeToString(sig)

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestVerify_HappyPath(t *testing.T) {
	priv, pubPEM := genKey(t)
	raw := buildReport(t, priv, "server-key-1", nil)

	opts := Options{
		ExpectedSubjectType:     "JobProofBundle.v1",
		ExpectedManifestHash:    "abc123",
		ExpectedAttestationHash: "head-hash-1",
		Keys:                    map[string]eventchain.KeyMeta{"server-key-1": {PublicKeyPEM: pubPEM}},
	}

	if _, err := Verify(raw, opts); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestVerify_RejectsUnknownWarningCode(t *testing.T) {
	priv, pubPEM := genKey(t)
	raw := buildReport(t, priv, "server-key-1", []string{"NOT_A_REAL_WARNING"})

	opts := Options{
		ExpectedSubjectType:     "JobProofBundle.v1",
		ExpectedManifestHash:    "abc123",
		ExpectedAttestationHash: "head-hash-1",
		Keys:                    map[string]eventchain.KeyMeta{"server-key-1": {PublicKeyPEM: pubPEM}},
	}

	_, err := Verify(raw, opts)
	if err == nil {
		t.Fatal("expected unknown warning code rejection")
	}
	if verrors.Kind(err) != "REPORT_WARNING_CODE_UNKNOWN" {
		t.Errorf("unexpected kind: %v", verrors.Kind(err))
	}
}

func TestVerify_DetectsSubjectManifestHashMismatch(t *testing.T) {
	priv, pubPEM := genKey(t)
	raw := buildReport(t, priv, "server-key-1", nil)

	opts := Options{
		ExpectedSubjectType:     "JobProofBundle.v1",
		ExpectedManifestHash:    "different",
		ExpectedAttestationHash: "head-hash-1",
		Keys:                    map[string]eventchain.KeyMeta{"server-key-1": {PublicKeyPEM: pubPEM}},
	}

	_, err := Verify(raw, opts)
	if err == nil {
		t.Fatal("expected subject manifestHash mismatch")
	}
	if verrors.Kind(err) != "REPORT_SUBJECT_MANIFEST_HASH_MISMATCH" {
		t.Errorf("unexpected kind: %v", verrors.Kind(err))
	}
}
