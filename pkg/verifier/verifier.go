// Package verifier is the public entry point for verifying one bundle,
// either already extracted to a directory or packaged as a zip file. It
// wires together manifest/schema pre-validation, the kind-dispatching
// bundle verifiers, environment-sourced trust anchors, and the
// VerifyCliOutput.v1 wire shape callers (the CLI, or any embedder) use.
package verifier

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/settld/bundleverify/internal/bundle"
	"github.com/settld/bundleverify/internal/schemaval"
	"github.com/settld/bundleverify/internal/trustenv"
	"github.com/settld/bundleverify/internal/verdict"
	"github.com/settld/bundleverify/internal/verrors"
	"github.com/settld/bundleverify/internal/zipsafe"
)

var (
	builtinRegistryOnce sync.Once
	builtinRegistry     *schemaval.Registry
	builtinRegistryErr  error
)

func sharedSchemaRegistry() (*schemaval.Registry, error) {
	builtinRegistryOnce.Do(func() {
		r := schemaval.NewRegistry()
		if err := schemaval.RegisterBuiltins(r); err != nil {
			builtinRegistryErr = err
			return
		}
		builtinRegistry = r
	})
	return builtinRegistry, builtinRegistryErr
}

// Options controls one top-level bundle verification call.
type Options struct {
	Strict          bool
	HashConcurrency int
	FailOnWarnings  bool

	// Trust carries the environment-sourced trust anchors (see
	// internal/trustenv). A nil Trust behaves as if every anchor map
	// were empty, which is only valid in non-strict mode.
	Trust *trustenv.Anchors

	ToolName    string
	ToolVersion string
	ToolCommit  string

	// ZipBudgets overrides the default safe-unzip resource budgets used
	// by VerifyZip. Ignored by VerifyBundle.
	ZipBudgets *zipsafe.Budgets
}

func (o Options) toolIdentity() verdict.Tool {
	name := o.ToolName
	if name == "" {
		name = "bundleverify"
	}
	return verdict.Tool{Name: name, Version: o.ToolVersion, Commit: o.ToolCommit}
}

func (o Options) bundleOptions(registry *schemaval.Registry) bundle.Options {
	bo := bundle.Options{Strict: o.Strict, HashConcurrency: o.HashConcurrency, SchemaRegistry: registry}
	if o.Trust != nil {
		bo.TrustedGovernanceRootKeys = o.Trust.GovernanceRootKeys
		bo.TrustedTimeAuthorityKeys = o.Trust.TimeAuthorityKeys
		bo.TrustedPricingSignerKeys = o.Trust.PricingSignerKeys
		bo.TrustedPricingSignerKeyIDs = o.Trust.PricingSignerKeyIDs
		bo.TrustedSettlementDecisionSigners = o.Trust.SettlementDecisionSigners
	}
	return bo
}

// VerifyBundle verifies an already-extracted bundle directory and
// returns spec.md §6's VerifyCliOutput.v1 wire document. A non-nil
// error here means the call itself could not be completed (e.g. the
// schema registry failed to compile) — a verification failure is
// reported inside the returned output's ok/errors fields, not as a Go
// error, so callers always get a well-formed document to serialize.
func VerifyBundle(dir string, opts Options) (verdict.CliOutput, error) {
	return verifyBundleAt(dir, dir, opts)
}

// VerifyZip safely extracts zipPath under a fresh temporary directory
// (per internal/zipsafe's budgeted, traversal-safe extractor) and then
// verifies the extracted tree exactly as VerifyBundle would. The
// temporary extraction directory is removed before returning.
func VerifyZip(zipPath string, opts Options) (verdict.CliOutput, error) {
	budgets := zipsafe.DefaultBudgets()
	if opts.ZipBudgets != nil {
		budgets = *opts.ZipBudgets
	}

	tempRoot, err := os.MkdirTemp("", "bundleverify-zip-*")
	if err != nil {
		return verdict.CliOutput{}, verrors.New("ZIP_EXTRACT_TEMP_DIR_FAILED").WithCause(err)
	}
	defer os.RemoveAll(tempRoot)

	extractedDir, err := zipsafe.Extract(zipPath, tempRoot, budgets)
	if err != nil {
		out := verdict.NewCliOutput(
			opts.toolIdentity(),
			verdict.Mode{Strict: opts.Strict, FailOnWarnings: opts.FailOnWarnings},
			verdict.Target{Input: zipPath, Resolved: zipPath},
			false,
			[]verrors.Error{toVerrorsError(err)},
			nil,
			verdict.Summary{},
		)
		return out, nil
	}

	return verifyBundleAt(extractedDir, zipPath, opts)
}

func verifyBundleAt(dir, input string, opts Options) (verdict.CliOutput, error) {
	tool := opts.toolIdentity()
	mode := verdict.Mode{Strict: opts.Strict, FailOnWarnings: opts.FailOnWarnings}
	target := verdict.Target{Input: input, Resolved: dir, Dir: dir}

	registry, err := sharedSchemaRegistry()
	if err != nil {
		return verdict.CliOutput{}, err
	}

	kind, manifestGeneric, detectErr := detectKind(dir)
	if detectErr != nil {
		out := verdict.NewCliOutput(tool, mode, target, false, []verrors.Error{toVerrorsError(detectErr)}, nil, verdict.Summary{})
		return out, nil
	}
	target.Kind = kind

	v, verifyErr := bundle.Verify(dir, kind, opts.bundleOptions(registry))
	if verifyErr != nil {
		out := verdict.NewCliOutput(tool, mode, target, false, []verrors.Error{toVerrorsError(verifyErr)}, nil, summaryOf(kind, manifestGeneric, ""))
		return out, nil
	}

	out := verdict.NewCliOutput(tool, mode, target, v.OK, nil, v.Warnings, summaryOf(kind, manifestGeneric, v.ManifestHash))
	return out, nil
}

func detectKind(dir string) (string, map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return "", nil, verrors.New("MANIFEST_FILE_MISSING").WithPath("manifest.json").WithCause(err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", nil, verrors.New("MANIFEST_PARSE_FAILED").WithPath("manifest.json").WithCause(err)
	}
	kind, _ := generic["kind"].(string)
	if kind == "" {
		return "", nil, verrors.New("unsupported artifactType").WithPath("manifest.json")
	}
	return kind, generic, nil
}

func summaryOf(kind string, manifestGeneric map[string]any, manifestHash string) verdict.Summary {
	s := verdict.Summary{Type: kind, ManifestHash: manifestHash}
	if manifestGeneric != nil {
		if tenantID, ok := manifestGeneric["tenantId"].(string); ok {
			s.TenantID = tenantID
		}
		if period, ok := manifestGeneric["period"].(string); ok {
			s.Period = period
		}
	}
	return s
}

// toVerrorsError converts any error into a verrors.Error for wire
// output, preserving the stable Kind/Path/Detail of an already-typed
// error and falling back to a generic kind for anything else.
func toVerrorsError(err error) verrors.Error {
	var ve *verrors.Error
	if errors.As(err, &ve) {
		return *ve
	}
	return *verrors.New("UNKNOWN_ERROR").WithCause(err)
}
