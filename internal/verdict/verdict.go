// Package verdict builds the two wire-stable JSON output shapes spec.md
// §6 names — VerifyCliOutput.v1 and VerifyReleaseOutput.v1 — and the
// process exit code each implies.
package verdict

import (
	"sort"

	"github.com/settld/bundleverify/internal/verrors"
)

// IssueEntry is one error or warning entry in either wire output.
type IssueEntry struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// FromErrors converts typed errors into sorted wire issue entries,
// ordered by (path, code) per spec.md §6/§8's bit-exact expectation.
func FromErrors(errs []verrors.Error) []IssueEntry {
	out := make([]IssueEntry, 0, len(errs))
	for _, e := range errs {
		out = append(out, IssueEntry{Code: e.Kind, Path: e.Path, Message: e.Error(), Detail: e.Detail})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Tool identifies the verifier binary itself.
type Tool struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Mode records the flags a verification run was invoked with.
type Mode struct {
	Strict         bool `json:"strict"`
	FailOnWarnings bool `json:"failOnWarnings"`
}

// Target identifies what was verified.
type Target struct {
	Kind     string `json:"kind"`
	Input    string `json:"input"`
	Resolved string `json:"resolved"`
	Dir      string `json:"dir"`
}

// Summary surfaces the verified bundle's own identifying fields.
type Summary struct {
	TenantID     string `json:"tenantId,omitempty"`
	Period       string `json:"period,omitempty"`
	Type         string `json:"type,omitempty"`
	ManifestHash string `json:"manifestHash,omitempty"`
}

// CliOutput is the VerifyCliOutput.v1 wire shape.
type CliOutput struct {
	SchemaVersion  string       `json:"schemaVersion"`
	Tool           Tool         `json:"tool"`
	Mode           Mode         `json:"mode"`
	Target         Target       `json:"target"`
	OK             bool         `json:"ok"`
	VerificationOK bool         `json:"verificationOk"`
	Errors         []IssueEntry `json:"errors"`
	Warnings       []IssueEntry `json:"warnings"`
	Summary        Summary      `json:"summary"`
}

// NewCliOutput assembles a VerifyCliOutput.v1 document. ok folds in
// failOnWarnings: a run with only warnings is verificationOk but not ok
// when the caller asked warnings to fail the run, in which case a
// synthetic FAIL_ON_WARNINGS error is appended to the output (spec.md
// §8 scenario 2) so the reason ok diverges from verificationOk is
// itself visible in the wire document, not just in the two booleans.
func NewCliOutput(tool Tool, mode Mode, target Target, verificationOK bool, errs, warnings []verrors.Error, summary Summary) CliOutput {
	errEntries := FromErrors(errs)
	warnEntries := FromErrors(warnings)
	ok := verificationOK
	if mode.FailOnWarnings && len(warnEntries) > 0 {
		ok = false
		errEntries = append(errEntries, IssueEntry{Code: "FAIL_ON_WARNINGS", Message: "warnings present with --fail-on-warnings"})
	}
	return CliOutput{
		SchemaVersion:  "VerifyCliOutput.v1",
		Tool:           tool,
		Mode:           mode,
		Target:         target,
		OK:             ok,
		VerificationOK: verificationOK,
		Errors:         errEntries,
		Warnings:       warnEntries,
		Summary:        summary,
	}
}

// CliExitCode maps a CliOutput to spec.md §6's process exit code: 0 when
// ok, 1 for any other verification failure. (The finer-grained 3-6 codes
// are specific to VerifyReleaseOutput.v1 below; bundle verification only
// distinguishes ok/not-ok/usage-error at the process boundary.)
func CliExitCode(out CliOutput) int {
	if out.OK {
		return 0
	}
	return 1
}

// Release identifies the release directory's own declared identity.
type Release struct {
	Tag     string `json:"tag"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReleaseOutput is the VerifyReleaseOutput.v1 wire shape.
type ReleaseOutput struct {
	SchemaVersion string       `json:"schemaVersion"`
	OK            bool         `json:"ok"`
	Release       Release      `json:"release"`
	SignatureOK   bool         `json:"signatureOk"`
	ArtifactsOK   bool         `json:"artifactsOk"`
	Errors        []IssueEntry `json:"errors"`
	Warnings      []IssueEntry `json:"warnings"`
}

// NewReleaseOutput assembles a VerifyReleaseOutput.v1 document.
func NewReleaseOutput(release Release, ok, signatureOK, artifactsOK bool, errs, warnings []verrors.Error) ReleaseOutput {
	return ReleaseOutput{
		SchemaVersion: "VerifyReleaseOutput.v1",
		OK:            ok,
		Release:       release,
		SignatureOK:   signatureOK,
		ArtifactsOK:   artifactsOK,
		Errors:        FromErrors(errs),
		Warnings:      FromErrors(warnings),
	}
}

// Exit codes for VerifyReleaseOutput.v1 per spec.md §6/§4.12.
const (
	ExitOK                    = 0
	ExitUsage                 = 2
	ExitTrustMissingOrInvalid = 3
	ExitSignatureIssues       = 4
	ExitAssetIssues           = 5
	ExitInstalledToolMismatch = 6
	ExitOther                 = 1
)

// ReleaseExitCode derives the process exit code from a ReleaseOutput and
// the set of error kinds it carries, per spec.md §6's exit-code table.
// trustMissingOrInvalid is a separate signal (not derivable purely from
// error kinds already known to this package) because "trust missing" can
// arise before Verify ever runs (e.g. an unreadable or unparsable trust
// file) — the caller that loads the trust file passes that verdict in.
func ReleaseExitCode(out ReleaseOutput, trustMissingOrInvalid bool) int {
	if out.OK {
		return ExitOK
	}
	if trustMissingOrInvalid {
		return ExitTrustMissingOrInvalid
	}
	if !out.SignatureOK {
		return ExitSignatureIssues
	}
	if !out.ArtifactsOK {
		return ExitAssetIssues
	}
	return ExitOther
}
