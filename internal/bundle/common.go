// Package bundle dispatches bundle-kind-specific verification over the
// lower verifier components (manifest, event chain, governance,
// attestation, report) and performs each kind's cross-document checks.
package bundle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/governance"
	"github.com/settld/bundleverify/internal/manifest"
	"github.com/settld/bundleverify/internal/schemaval"
	"github.com/settld/bundleverify/internal/verrors"
)

func parseOptionalTime(s *string) (*time.Time, bool) {
	if s == nil || *s == "" {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// Options is shared context threaded through every kind verifier.
type Options struct {
	Strict          bool
	HashConcurrency int

	TrustedGovernanceRootKeys        map[string]string
	TrustedTimeAuthorityKeys         map[string]string
	TrustedPricingSignerKeys         map[string]string
	TrustedPricingSignerKeyIDs       map[string]bool
	TrustedSettlementDecisionSigners map[string]string

	// SchemaRegistry, when non-nil, is threaded into every manifest.Verify
	// call for structural pre-validation of manifest.json.
	SchemaRegistry *schemaval.Registry
}

// Verdict is the result of verifying one bundle directory.
type Verdict struct {
	OK           bool
	ManifestHash string
	Warnings     []verrors.Error
}

func readJSON(dir, rel string) (map[string]any, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return nil, nil, verrors.New("BUNDLE_FILE_MISSING").WithPath(rel).WithCause(err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, nil, verrors.New("BUNDLE_FILE_PARSE_FAILED").WithPath(rel).WithCause(err)
	}
	return generic, raw, nil
}

func readFileRaw(dir, rel string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return nil, verrors.New("BUNDLE_FILE_MISSING").WithPath(rel).WithCause(err)
	}
	return raw, nil
}

func readJSONL[T any](dir, rel string) ([]T, error) {
	f, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return nil, verrors.New("BUNDLE_FILE_MISSING").WithPath(rel).WithCause(err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, verrors.New("BUNDLE_FILE_PARSE_FAILED").WithPath(rel).WithCause(err)
		}
		out = append(out, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, verrors.New("BUNDLE_FILE_PARSE_FAILED").WithPath(rel).WithCause(err)
	}
	return out, nil
}

// readDeclaredHead loads a job/month snapshot document's declared event
// head ({"head":{"chainHash":...,"eventId":...}}), used to bind the
// event stream's actual last event to what the snapshot claims. A
// snapshot with no head block declares no constraint; a file that is
// missing or unreadable at the given path is returned as readJSON's
// error.
func readDeclaredHead(dir, rel string) (*eventchain.DeclaredHead, error) {
	generic, _, err := readJSON(dir, rel)
	if err != nil {
		return nil, err
	}
	headRaw, ok := generic["head"].(map[string]any)
	if !ok {
		return nil, nil
	}
	chainHash, _ := headRaw["chainHash"].(string)
	eventID, _ := headRaw["eventId"].(string)
	if chainHash == "" {
		return nil, nil
	}
	return &eventchain.DeclaredHead{ChainHash: chainHash, EventID: eventID}, nil
}

// assertHeaderType implements spec.md §4.11 step 1: read a bundle's
// type-asserting header document and require it to declare the
// expected kind.
func assertHeaderType(dir, rel, expectedType string) error {
	generic, _, err := readJSON(dir, rel)
	if err != nil {
		return err
	}
	got, _ := generic["type"].(string)
	if got != expectedType {
		return verrors.New("unsupported artifactType").WithPath(rel).
			WithDetail(map[string]string{"want": expectedType, "got": got})
	}
	return nil
}

func verifyManifest(dir string, kind string, opts Options) (*manifest.Result, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, verrors.New("MANIFEST_FILE_MISSING").WithCause(err)
	}
	return manifest.Verify(dir, raw, kind, manifest.Options{
		Strict:          opts.Strict,
		HashConcurrency: opts.HashConcurrency,
		SchemaRegistry:  opts.SchemaRegistry,
	})
}

func loadKeyMeta(dir, rel string) (map[string]eventchain.KeyMeta, error) {
	var rows []struct {
		KeyID          string  `json:"keyId"`
		PublicKeyPEM   string  `json:"publicKeyPem"`
		Purpose        string  `json:"purpose"`
		ValidFrom      *string `json:"validFrom"`
		ValidTo        *string `json:"validTo"`
		ServerGoverned bool    `json:"serverGoverned"`
	}
	raw, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return nil, verrors.New("BUNDLE_FILE_MISSING").WithPath(rel).WithCause(err)
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, verrors.New("BUNDLE_FILE_PARSE_FAILED").WithPath(rel).WithCause(err)
	}

	keys := make(map[string]eventchain.KeyMeta, len(rows))
	for _, r := range rows {
		meta := eventchain.KeyMeta{PublicKeyPEM: r.PublicKeyPEM, Purpose: r.Purpose, ServerGoverned: r.ServerGoverned}
		if t, ok := parseOptionalTime(r.ValidFrom); ok {
			meta.ValidFrom = t
		}
		if t, ok := parseOptionalTime(r.ValidTo); ok {
			meta.ValidTo = t
		}
		keys[r.KeyID] = meta
	}
	return keys, nil
}

// governanceStream loads and verifies one governance scope directory
// (global or tenant), returning the derived server-key timelines and the
// governed key-id set for the caller to fold into the bundle's key map.
func governanceStream(dir, scopeDir string, opts Options, strict bool) (map[string]governance.Timeline, map[string]bool, []eventchain.Event, error) {
	events, err := readJSONL[eventchain.Event](dir, filepath.Join(scopeDir, "events", "events.jsonl"))
	if err != nil {
		return nil, nil, nil, err
	}
	material, err := readJSONL[eventchain.PayloadMaterial](dir, filepath.Join(scopeDir, "events", "payload_material.jsonl"))
	if err != nil {
		return nil, nil, nil, err
	}

	keys, err := loadKeyMeta(dir, "keys/public_keys.json")
	if err != nil {
		return nil, nil, nil, err
	}
	timelines, governed := governance.DeriveServerKeyTimelineFromGovernanceEvents(events)
	keys = governance.ApplyTimelines(keys, timelines, governed)

	if err := eventchain.Verify(events, material, keys, eventchain.Options{Strict: strict}); err != nil {
		return nil, nil, nil, err
	}

	return timelines, governed, events, nil
}
