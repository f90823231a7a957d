// Command bundleverify is the offline CLI for verifying evidence
// bundles and signed release indexes.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI entrypoint, split out from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "verify-release":
		return runVerifyReleaseCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "bundleverify — offline evidence bundle verifier")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  bundleverify verify (--bundle <dir> | --zip <file>) [--strict] [--fail-on-warnings]")
	fmt.Fprintln(w, "  bundleverify verify-release --release <dir> --trust <file>")
	fmt.Fprintln(w, "  bundleverify help")
}
