// Package release implements spec.md §4.12's release-index verifier:
// trust-file parsing, per-signature authorization/validity/algorithm
// checks, a signature-quorum policy, and per-artifact presence/size/
// hash verification.
package release

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/verrors"
)

// TrustKey is one entry of a ReleaseTrust.v2 trust file.
type TrustKey struct {
	KeyID                 string
	PublicKeyPEM          string
	NotBeforeEpochSeconds *int64
	NotAfterEpochSeconds  *int64
	RevokedAtEpochSeconds *int64
}

// Policy is the release index's own quorum policy.
type Policy struct {
	MinSignatures  int
	RequiredKeyIDs []string
}

// Artifact is one declared release artifact.
type Artifact struct {
	Path      string
	SizeBytes *int64
	SHA256    string
}

// Verdict is the result of verifying one release directory, mirroring
// spec.md §6's VerifyReleaseOutput.v1 wire shape at the internal level.
type Verdict struct {
	OK          bool
	SignatureOK bool
	ArtifactsOK bool
	Errors      []verrors.Error
	Warnings    []verrors.Error
}

type trustFile struct {
	SchemaVersion string `json:"schemaVersion"`
	Keys          []struct {
		KeyID                 string `json:"keyId"`
		PublicKeyPEM          string `json:"publicKeyPem"`
		NotBeforeEpochSeconds *int64 `json:"notBeforeEpochSeconds"`
		NotAfterEpochSeconds  *int64 `json:"notAfterEpochSeconds"`
		RevokedAtEpochSeconds *int64 `json:"revokedAtEpochSeconds"`
	} `json:"keys"`
}

// ParseTrustFile parses a ReleaseTrust.v2 document into its key set.
func ParseTrustFile(raw []byte) ([]TrustKey, error) {
	var doc trustFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, verrors.New("unsupported manifest schemaVersion").WithCause(err)
	}
	if doc.SchemaVersion != "ReleaseTrust.v2" {
		return nil, verrors.New("unsupported manifest schemaVersion").WithDetail(doc.SchemaVersion)
	}
	keys := make([]TrustKey, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		keys = append(keys, TrustKey{
			KeyID:                 k.KeyID,
			PublicKeyPEM:          k.PublicKeyPEM,
			NotBeforeEpochSeconds: k.NotBeforeEpochSeconds,
			NotAfterEpochSeconds:  k.NotAfterEpochSeconds,
			RevokedAtEpochSeconds: k.RevokedAtEpochSeconds,
		})
	}
	return keys, nil
}

type indexDoc struct {
	SchemaVersion string `json:"schemaVersion"`
	Toolchain     struct {
		BuildEpochSeconds *int64 `json:"buildEpochSeconds"`
	} `json:"toolchain"`
	Policy struct {
		MinSignatures  int      `json:"minSignatures"`
		RequiredKeyIDs []string `json:"requiredKeyIds"`
	} `json:"policy"`
	Artifacts []struct {
		Path      string `json:"path"`
		SizeBytes *int64 `json:"sizeBytes"`
		SHA256    string `json:"sha256"`
	} `json:"artifacts"`
}

type sigFile struct {
	Signatures []struct {
		KeyID     string `json:"keyId"`
		Algorithm string `json:"algorithm"`
		Signature string `json:"signature"`
	} `json:"signatures"`
}

// Verify reads dir/release_index_v1.json + release_index_v1.sig,
// verifies signatures against trustKeys, enforces the index's own
// quorum policy, and checks every declared artifact's presence, size,
// and SHA-256.
func Verify(dir string, trustKeys []TrustKey) (*Verdict, error) {
	v := &Verdict{OK: true, SignatureOK: true, ArtifactsOK: true}

	indexRaw, err := os.ReadFile(filepath.Join(dir, "release_index_v1.json"))
	if err != nil {
		return nil, verrors.New("BUNDLE_FILE_MISSING").WithPath("release_index_v1.json").WithCause(err)
	}
	var index indexDoc
	if err := json.Unmarshal(indexRaw, &index); err != nil {
		return nil, verrors.New("unsupported manifest schemaVersion").WithPath("release_index_v1.json").WithCause(err)
	}

	sigRaw, err := os.ReadFile(filepath.Join(dir, "release_index_v1.sig"))
	if err != nil {
		return nil, verrors.New("BUNDLE_FILE_MISSING").WithPath("release_index_v1.sig").WithCause(err)
	}
	var sigs sigFile
	if err := json.Unmarshal(sigRaw, &sigs); err != nil {
		return nil, verrors.New("unsupported manifest schemaVersion").WithPath("release_index_v1.sig").WithCause(err)
	}

	hasTimeBoundKey := false
	byID := make(map[string]TrustKey, len(trustKeys))
	for _, k := range trustKeys {
		byID[k.KeyID] = k
		if k.NotBeforeEpochSeconds != nil || k.NotAfterEpochSeconds != nil || k.RevokedAtEpochSeconds != nil {
			hasTimeBoundKey = true
		}
	}
	if hasTimeBoundKey && index.Toolchain.BuildEpochSeconds == nil {
		v.Errors = append(v.Errors, *verrors.New("RELEASE_BUILD_EPOCH_MISSING").WithPath("release_index_v1.json"))
		v.OK, v.SignatureOK = false, false
	}

	indexHash := cryptoutil.SHA256Hex(indexRaw)

	validSigners := make(map[string]bool)
	for _, sig := range sigs.Signatures {
		key, known := byID[sig.KeyID]
		if !known {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_SIGNER_UNAUTHORIZED").WithPath("release_index_v1.sig").WithDetail(sig.KeyID))
			continue
		}
		if sig.Algorithm != "" && sig.Algorithm != "ed25519" {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_SIGNATURE_UNSUPPORTED_ALGORITHM").WithPath("release_index_v1.sig").WithDetail(sig.Algorithm))
			continue
		}
		if key.RevokedAtEpochSeconds != nil && index.Toolchain.BuildEpochSeconds != nil && *index.Toolchain.BuildEpochSeconds >= *key.RevokedAtEpochSeconds {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_SIGNER_REVOKED").WithPath("release_index_v1.sig").WithDetail(sig.KeyID))
			continue
		}
		if key.NotBeforeEpochSeconds != nil && index.Toolchain.BuildEpochSeconds != nil && *index.Toolchain.BuildEpochSeconds < *key.NotBeforeEpochSeconds {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_SIGNER_UNAUTHORIZED").WithPath("release_index_v1.sig").WithDetail(sig.KeyID))
			continue
		}
		if key.NotAfterEpochSeconds != nil && index.Toolchain.BuildEpochSeconds != nil && *index.Toolchain.BuildEpochSeconds > *key.NotAfterEpochSeconds {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_SIGNER_UNAUTHORIZED").WithPath("release_index_v1.sig").WithDetail(sig.KeyID))
			continue
		}

		ok, err := cryptoutil.VerifyEd25519OverHex(indexHash, sig.Signature, key.PublicKeyPEM)
		if err != nil || !ok {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_SIGNATURE_INVALID").WithPath("release_index_v1.sig").WithDetail(sig.KeyID))
			continue
		}
		validSigners[sig.KeyID] = true
	}

	minSignatures := index.Policy.MinSignatures
	if minSignatures <= 0 {
		minSignatures = 1
	}
	quorumMet := len(validSigners) >= minSignatures
	for _, required := range index.Policy.RequiredKeyIDs {
		if !validSigners[required] {
			quorumMet = false
		}
	}
	if !quorumMet {
		v.Errors = append(v.Errors, *verrors.New("RELEASE_SIGNATURE_QUORUM_NOT_SATISFIED").WithPath("release_index_v1.json"))
	}
	if len(v.Errors) > 0 {
		v.OK, v.SignatureOK = false, false
	}

	seenPaths := make(map[string]bool, len(index.Artifacts))
	for _, a := range index.Artifacts {
		if seenPaths[a.Path] {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_ARTIFACT_DUPLICATE_PATH").WithPath(a.Path))
			v.OK, v.ArtifactsOK = false, false
			continue
		}
		seenPaths[a.Path] = true

		raw, err := os.ReadFile(filepath.Join(dir, a.Path))
		if err != nil {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_ARTIFACT_MISSING").WithPath(a.Path))
			v.OK, v.ArtifactsOK = false, false
			continue
		}
		if a.SizeBytes != nil && int64(len(raw)) != *a.SizeBytes {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_ARTIFACT_SIZE_MISMATCH").WithPath(a.Path).
				WithDetail(map[string]int64{"want": *a.SizeBytes, "got": int64(len(raw))}))
			v.OK, v.ArtifactsOK = false, false
			continue
		}
		gotSHA := cryptoutil.SHA256Hex(raw)
		if gotSHA != a.SHA256 {
			v.Errors = append(v.Errors, *verrors.New("RELEASE_ARTIFACT_SHA256_MISMATCH").WithPath(a.Path).
				WithDetail(map[string]string{"want": a.SHA256, "got": gotSHA}))
			v.OK, v.ArtifactsOK = false, false
		}
	}

	sortErrors(v.Errors)
	sortErrors(v.Warnings)
	return v, nil
}

// sortErrors orders errors by (path, code) per spec.md's "release-index
// errors are sorted by (path, code)".
func sortErrors(errs []verrors.Error) {
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Path != errs[j].Path {
			return errs[i].Path < errs[j].Path
		}
		return errs[i].Kind < errs[j].Kind
	})
}
