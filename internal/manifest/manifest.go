// Package manifest parses a bundle's manifest.json, recomputes its
// manifestHash, and verifies every listed file's SHA-256 against the
// bundle directory with a bounded worker pool.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/pathsafe"
	"github.com/settld/bundleverify/internal/schemaval"
	"github.com/settld/bundleverify/internal/verrors"
)

// FileEntry is one row of a manifest's files array.
type FileEntry struct {
	Name      string `json:"name"`
	SHA256    string `json:"sha256"`
	SizeBytes *int64 `json:"sizeBytes,omitempty"`
}

// Manifest is a bundle's manifest.json.
type Manifest struct {
	SchemaVersion string      `json:"schemaVersion"`
	Kind          string      `json:"kind"`
	TenantID      string      `json:"tenantId,omitempty"`
	Scope         string      `json:"scope,omitempty"`
	Files         []FileEntry `json:"files"`
	ManifestHash  string      `json:"manifestHash"`
}

// RequiredFileSets maps a bundle kind to its strict-mode required file
// list, per spec.md §6. Nested bundle kinds reuse the same keys at
// their own manifest root.
var RequiredFileSets = map[string][]string{
	"JobProofBundle.v1": {
		"events/events.jsonl",
		"events/payload_material.jsonl",
		"job/snapshot.json",
		"keys/public_keys.json",
		"governance/global/events/events.jsonl",
		"governance/global/events/payload_material.jsonl",
		"governance/global/snapshot.json",
		"governance/tenant/events/events.jsonl",
		"governance/tenant/events/payload_material.jsonl",
		"governance/tenant/snapshot.json",
		"attestation/bundle_head_attestation.json",
		"verify/verification_report.json",
	},
	"MonthProofBundle.v1": {
		"events/events.jsonl",
		"events/payload_material.jsonl",
		"keys/public_keys.json",
		"governance/global/events/events.jsonl",
		"governance/global/events/payload_material.jsonl",
		"governance/global/snapshot.json",
		"governance/tenant/events/events.jsonl",
		"governance/tenant/events/payload_material.jsonl",
		"governance/tenant/snapshot.json",
		"attestation/bundle_head_attestation.json",
		"verify/verification_report.json",
	},
	"InvoiceBundle.v1": {
		"nooterra.json",
		"keys/public_keys.json",
		"governance/snapshot.json",
		"pricing/pricing_matrix.json",
		"metering/metering_report.json",
		"invoice/invoice_claim.json",
		"attestation/bundle_head_attestation.json",
		"verify/verification_report.json",
	},
	"FinancePackBundle.v1": {
		"settld.json",
		"keys/public_keys.json",
		"governance/snapshot.json",
		"finance/GLBatch.v1.json",
		"finance/JournalCsv.v1.json",
		"finance/JournalCsv.v1.csv",
		"finance/reconcile.json",
		"attestation/bundle_head_attestation.json",
		"verify/verification_report.json",
	},
	"ClosePack.v1": {
		"settld.json",
		"keys/public_keys.json",
		"governance/snapshot.json",
		"evidence/evidence_index.json",
		"attestation/bundle_head_attestation.json",
		"verify/verification_report.json",
	},
}

// DefaultHashConcurrency is spec.md's default worker-pool width for
// per-file SHA-256 verification.
const DefaultHashConcurrency = 16

// Options controls one manifest verification call.
type Options struct {
	Strict          bool
	HashConcurrency int

	// SchemaRegistry, when non-nil, structurally validates manifest.json
	// against its "BundleManifest.v1" schema before any semantic check
	// runs. Callers that don't need schema pre-validation (most tests)
	// leave this nil.
	SchemaRegistry *schemaval.Registry
}

// Result is the outcome of verifying a manifest against a directory.
type Result struct {
	Manifest *Manifest
	Warnings []verrors.Error
}

// Parse decodes and structurally checks manifest.json, pre-validating
// every file name, rejecting duplicates and case-fold collisions, and
// recomputing manifestHash.
func Parse(raw []byte) (*Manifest, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, verrors.New("MANIFEST_PARSE_FAILED").WithCause(err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, verrors.New("MANIFEST_PARSE_FAILED").WithCause(err)
	}

	seen := make(map[string]bool, len(m.Files))
	seenFold := make(map[string]string, len(m.Files))
	for _, fe := range m.Files {
		if err := pathsafe.ValidateName(fe.Name); err != nil {
			return nil, verrors.New("MANIFEST_PATH_INVALID").WithPath(fe.Name).WithCause(err)
		}
		if seen[fe.Name] {
			return nil, verrors.New("MANIFEST_DUPLICATE_PATH").WithPath(fe.Name)
		}
		seen[fe.Name] = true

		fold := pathsafe.CaseFoldKey(fe.Name)
		if other, ok := seenFold[fold]; ok && other != fe.Name {
			return nil, verrors.New("MANIFEST_PATH_CASE_COLLISION").WithPath(fe.Name).WithDetail(other)
		}
		seenFold[fold] = fe.Name
	}

	withoutHash := canonical.WithoutFields(generic, "manifestHash")
	recomputed, err := canonical.HashHex(withoutHash)
	if err != nil {
		return nil, verrors.New("MANIFEST_PARSE_FAILED").WithCause(err)
	}
	if recomputed != m.ManifestHash {
		return nil, verrors.New("manifestHash mismatch").
			WithDetail(map[string]string{"want": m.ManifestHash, "got": recomputed})
	}

	return &m, nil
}

// Verify parses manifest.json under dir, verifies every listed file's
// on-disk SHA-256 with a bounded worker pool, and enforces the
// required-file set for kind when opts.Strict.
func Verify(dir string, manifestJSON []byte, kind string, opts Options) (*Result, error) {
	if opts.SchemaRegistry != nil {
		var generic map[string]any
		if err := json.Unmarshal(manifestJSON, &generic); err != nil {
			return nil, verrors.New("MANIFEST_PARSE_FAILED").WithCause(err)
		}
		if err := opts.SchemaRegistry.Validate("BundleManifest.v1", generic); err != nil {
			return nil, err
		}
	}

	m, err := Parse(manifestJSON)
	if err != nil {
		return nil, err
	}

	if err := verifyFileHashes(dir, m.Files, opts.HashConcurrency); err != nil {
		return nil, err
	}

	res := &Result{Manifest: m}
	if required, ok := RequiredFileSets[kind]; ok {
		missing := missingRequired(m.Files, required)
		if len(missing) > 0 {
			if opts.Strict {
				return nil, verrors.New("manifest missing required files").WithDetail(missing)
			}
			res.Warnings = append(res.Warnings, *verrors.New("MANIFEST_MISSING_FILES_LENIENT").WithDetail(missing))
		}
	}

	return res, nil
}

func missingRequired(files []FileEntry, required []string) []string {
	present := make(map[string]bool, len(files))
	for _, fe := range files {
		present[fe.Name] = true
	}
	var missing []string
	for _, r := range required {
		if !present[r] {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}

func verifyFileHashes(dir string, files []FileEntry, concurrency int) error {
	if concurrency <= 0 {
		concurrency = DefaultHashConcurrency
	}
	if concurrency > runtime.NumCPU()*4 {
		concurrency = runtime.NumCPU() * 4
	}

	errs := make([]error, len(files))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, fe := range files {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, fe FileEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = verifyOneFile(dir, fe)
		}(i, fe)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func verifyOneFile(dir string, fe FileEntry) error {
	path, err := pathsafe.ResolveSafe(dir, fe.Name)
	if err != nil {
		return verrors.New("MANIFEST_PATH_INVALID").WithPath(fe.Name).WithCause(err)
	}

	info, err := os.Lstat(path)
	if err != nil {
		return verrors.New("MANIFEST_FILE_MISSING").WithPath(fe.Name).WithCause(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return verrors.New("MANIFEST_SYMLINK_FORBIDDEN").WithPath(fe.Name)
	}

	f, err := os.Open(path)
	if err != nil {
		return verrors.New("MANIFEST_FILE_MISSING").WithPath(fe.Name).WithCause(err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return verrors.New("MANIFEST_FILE_MISSING").WithPath(fe.Name).WithCause(err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != fe.SHA256 {
		return verrors.New("sha256 mismatch").WithPath(fe.Name).
			WithDetail(map[string]string{"want": fe.SHA256, "got": got})
	}
	return nil
}
