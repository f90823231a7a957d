// Package release is the public entry point for verifying a release
// directory (release_index_v1.json + release_index_v1.sig) against a
// trust file, returning spec.md §6's VerifyReleaseOutput.v1 wire shape
// and its associated process exit code.
package release

import (
	"errors"
	"os"

	internalrelease "github.com/settld/bundleverify/internal/release"
	"github.com/settld/bundleverify/internal/verdict"
	"github.com/settld/bundleverify/internal/verrors"
)

// Options controls one release verification call.
type Options struct {
	// TrustFilePath is a ReleaseTrust.v2 document on disk.
	TrustFilePath string

	ReleaseTag     string
	ReleaseVersion string
	ReleaseCommit  string
}

// Result bundles the wire output with whether the failure (if any)
// came from the trust file itself, since that distinction drives exit
// code 3 in VerifyRelease's caller (spec.md §6).
type Result struct {
	Output                verdict.ReleaseOutput
	TrustMissingOrInvalid bool
}

// VerifyRelease reads opts.TrustFilePath, parses it as ReleaseTrust.v2,
// and verifies the release directory at dir against it. A non-nil
// error return means the call could not be attempted — an invalid or
// unreadable trust file is instead reported as
// Result.TrustMissingOrInvalid with a well-formed, not-ok Output, so
// the exit-code table in spec.md §6 can be applied uniformly by the
// caller via ExitCode.
func VerifyRelease(dir string, opts Options) (Result, error) {
	releaseIdentity := verdict.Release{Tag: opts.ReleaseTag, Version: opts.ReleaseVersion, Commit: opts.ReleaseCommit}

	trustRaw, err := os.ReadFile(opts.TrustFilePath)
	if err != nil {
		return trustFailure(releaseIdentity, verrors.New("RELEASE_TRUST_FILE_MISSING").WithPath(opts.TrustFilePath).WithCause(err)), nil
	}
	trustKeys, err := internalrelease.ParseTrustFile(trustRaw)
	if err != nil {
		return trustFailure(releaseIdentity, toVerrorsError(err)), nil
	}

	v, err := internalrelease.Verify(dir, trustKeys)
	if err != nil {
		return Result{}, err
	}

	out := verdict.NewReleaseOutput(releaseIdentity, v.OK, v.SignatureOK, v.ArtifactsOK, v.Errors, v.Warnings)
	return Result{Output: out}, nil
}

// ExitCode derives the process exit code for r per spec.md §6's table.
func ExitCode(r Result) int {
	return verdict.ReleaseExitCode(r.Output, r.TrustMissingOrInvalid)
}

func trustFailure(releaseIdentity verdict.Release, err verrors.Error) Result {
	out := verdict.NewReleaseOutput(releaseIdentity, false, false, false, []verrors.Error{err}, nil)
	return Result{Output: out, TrustMissingOrInvalid: true}
}

func toVerrorsError(err error) verrors.Error {
	var ve *verrors.Error
	if errors.As(err, &ve) {
		return *ve
	}
	return *verrors.New("RELEASE_TRUST_FILE_INVALID").WithCause(err)
}
