// Package pathsafe validates manifest-relative file names and joins
// them to a base directory without ever escaping it. Every file read
// in this module — manifest entries, zip entries, nested bundle
// directories — goes through ValidateName and ResolveSafe first.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateName reports whether name is a valid manifest-relative path:
// non-empty, no leading "/", no "\", NUL, or ":", no trailing "/", and
// every "/"-separated segment is non-empty and is not "." or "..".
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("pathsafe: empty name")
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("pathsafe: name %q has a leading slash", name)
	}
	if strings.HasSuffix(name, "/") {
		return fmt.Errorf("pathsafe: name %q has a trailing slash", name)
	}
	if strings.ContainsAny(name, "\\\x00:") {
		return fmt.Errorf("pathsafe: name %q contains a forbidden character", name)
	}

	for _, seg := range strings.Split(name, "/") {
		if seg == "" {
			return fmt.Errorf("pathsafe: name %q has an empty path segment", name)
		}
		if seg == "." || seg == ".." {
			return fmt.Errorf("pathsafe: name %q contains a %q segment", name, seg)
		}
	}
	return nil
}

// ResolveSafe joins base and name (which must already satisfy
// ValidateName) and verifies the resolved path is base itself or
// strictly beneath it. It returns the resolved absolute path.
func ResolveSafe(base, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("pathsafe: resolve base: %w", err)
	}
	absBase = filepath.Clean(absBase)

	joined := filepath.Join(absBase, filepath.FromSlash(name))
	resolved := filepath.Clean(joined)

	if resolved == absBase {
		return resolved, nil
	}
	if strings.HasPrefix(resolved, absBase+string(filepath.Separator)) {
		return resolved, nil
	}
	return "", fmt.Errorf("pathsafe: %q escapes base directory", name)
}

// CaseFoldKey returns the key used to detect case-insensitive
// collisions between two otherwise-distinct manifest entry names.
func CaseFoldKey(name string) string {
	return strings.ToLower(name)
}
