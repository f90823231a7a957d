package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/settld/bundleverify/pkg/release"
)

// runVerifyReleaseCmd implements `bundleverify verify-release`.
//
// Exit codes per spec.md §6/§4.12: 0 ok, 3 trust missing/invalid,
// 4 signature issues, 5 asset issues, 1 other, 2 usage.
func runVerifyReleaseCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-release", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		releaseDir     string
		trustFile      string
		releaseTag     string
		releaseVersion string
		releaseCommit  string
	)
	cmd.StringVar(&releaseDir, "release", "", "path to a directory containing release_index_v1.json/.sig")
	cmd.StringVar(&trustFile, "trust", "", "path to a ReleaseTrust.v2 trust file")
	cmd.StringVar(&releaseTag, "tag", "", "release tag, echoed into the output")
	cmd.StringVar(&releaseVersion, "release-version", "", "release version, echoed into the output")
	cmd.StringVar(&releaseCommit, "commit", "", "release commit, echoed into the output")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if releaseDir == "" || trustFile == "" {
		fmt.Fprintln(stderr, "Error: --release and --trust are required")
		return 2
	}

	slog.Info("verifying release", "dir", releaseDir, "trust", trustFile)
	result, err := release.VerifyRelease(releaseDir, release.Options{
		TrustFilePath:  trustFile,
		ReleaseTag:     releaseTag,
		ReleaseVersion: releaseVersion,
		ReleaseCommit:  releaseCommit,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, marshalErr := json.MarshalIndent(result.Output, "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(stderr, "Error: encoding output: %v\n", marshalErr)
		return 2
	}
	fmt.Fprintln(stdout, string(data))

	if !result.Output.OK {
		slog.Warn("release verification did not pass", "errors", len(result.Output.Errors))
	}
	return release.ExitCode(result)
}
