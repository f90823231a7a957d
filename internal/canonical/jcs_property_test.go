//go:build property
// +build property

package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/settld/bundleverify/internal/canonical"
)

// TestCanonicalIdempotence is universal law 1: canonicalizing a
// document twice (parse -> re-encode -> parse -> re-encode) always
// produces the same bytes the second time as the first.
func TestCanonicalIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalizing canonical bytes is a no-op", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			once, err := canonical.JCS(obj)
			if err != nil {
				return true
			}
			parsed, err := canonical.Parse(once)
			if err != nil {
				return false
			}
			twice, err := canonical.JCS(parsed)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHashClosure is universal law 2: two values that canonicalize to
// the same bytes always hash to the same digest, regardless of how the
// Go value was constructed (map literal vs. round-tripped through
// Parse).
func TestHashClosure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("equal canonical bytes hash identically", prop.ForAll(
		func(a, b int, s string) bool {
			v := map[string]any{"a": a, "b": b, "s": s}

			encoded, err := canonical.JCS(v)
			if err != nil {
				return true
			}
			parsed, err := canonical.Parse(encoded)
			if err != nil {
				return false
			}

			h1, err := canonical.HashHex(v)
			if err != nil {
				return false
			}
			h2, err := canonical.HashHex(parsed)
			if err != nil {
				return false
			}
			return h1 == h2
		},
		gen.Int(),
		gen.Int(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
