package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/settld/bundleverify/internal/trustenv"
	"github.com/settld/bundleverify/internal/verdict"
	"github.com/settld/bundleverify/pkg/verifier"
)

// toolVersion is this binary's own declared identity, surfaced in
// VerifyCliOutput.v1's tool block.
const toolVersion = "0.1.0"

// runVerifyCmd implements `bundleverify verify`.
//
// Exit codes: 0 ok, 1 verification failed, 2 usage error.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath     string
		zipPath        string
		strict         bool
		failOnWarnings bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "path to an extracted bundle directory")
	cmd.StringVar(&zipPath, "zip", "", "path to a bundle zip file")
	cmd.BoolVar(&strict, "strict", true, "run strict-mode checks (governance/attestation/report required)")
	cmd.BoolVar(&failOnWarnings, "fail-on-warnings", false, "treat warnings as a failing run")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" && zipPath == "" {
		fmt.Fprintln(stderr, "Error: one of --bundle or --zip is required")
		return 2
	}
	if bundlePath != "" && zipPath != "" {
		fmt.Fprintln(stderr, "Error: --bundle and --zip are mutually exclusive")
		return 2
	}

	anchors, err := trustenv.Load(os.Getenv, strict)
	if err != nil {
		fmt.Fprintf(stderr, "Error: trust anchor loading failed: %v\n", err)
		return 2
	}

	opts := verifier.Options{
		Strict:         strict,
		FailOnWarnings: failOnWarnings,
		Trust:          anchors,
		ToolName:       "bundleverify",
		ToolVersion:    toolVersion,
	}

	var out verdict.CliOutput
	if zipPath != "" {
		slog.Info("verifying zip bundle", "path", zipPath, "strict", strict)
		out, err = verifier.VerifyZip(zipPath, opts)
	} else {
		slog.Info("verifying bundle directory", "path", bundlePath, "strict", strict)
		out, err = verifier.VerifyBundle(bundlePath, opts)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, marshalErr := json.MarshalIndent(out, "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(stderr, "Error: encoding output: %v\n", marshalErr)
		return 2
	}
	fmt.Fprintln(stdout, string(data))

	if !out.OK {
		slog.Warn("verification did not pass", "errors", len(out.Errors), "warnings", len(out.Warnings))
	}
	return verdict.CliExitCode(out)
}
