// Package canonical implements RFC 8785 (JSON Canonicalization Scheme)
// byte encoding for every hashed document in a bundle: manifests, events,
// policies, attestations, reports, and artifacts. All content-addressing
// in this module flows through JCS — two canonical encodings of equal
// values are always byte-identical.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical byte encoding of v.
//
// v is first marshaled with the standard library (respecting struct
// json tags), then decoded into a generic tree with json.Number
// preserved so integers round-trip exactly, then re-encoded through
// gowebpki/jcs.Transform which performs the RFC 8785 key-sort (by UTF-16
// code unit) and string-escaping rules. A non-finite float in v makes
// the first json.Marshal step fail, reported as InvalidJSONError; the
// decoded generic tree is also checked for non-finite numbers before
// the transform runs.
func JCS(v any) ([]byte, error) {
	pre, err := json.Marshal(v)
	if err != nil {
		return nil, &InvalidJSONError{Cause: err}
	}

	dec := json.NewDecoder(bytes.NewReader(pre))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &InvalidJSONError{Cause: err}
	}

	if err := checkFinite(generic); err != nil {
		return nil, err
	}

	canon, err := jcs.Transform(pre)
	if err != nil {
		return nil, &InvalidJSONError{Cause: err}
	}
	return canon, nil
}

// JCSString is JCS with a string result.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// InvalidJSONError reports a value that cannot be canonicalized: a
// non-finite number, a cycle (caught indirectly via json.Marshal's own
// cycle detection), or malformed JSON.
type InvalidJSONError struct {
	Cause error
}

func (e *InvalidJSONError) Error() string {
	return fmt.Sprintf("InvalidJson: %v", e.Cause)
}

func (e *InvalidJSONError) Unwrap() error { return e.Cause }

func checkFinite(v any) error {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err == nil && (math.IsInf(f, 0) || math.IsNaN(f)) {
			return &InvalidJSONError{Cause: fmt.Errorf("non-finite number %q", t.String())}
		}
		return nil
	case []any:
		for _, elem := range t {
			if err := checkFinite(elem); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, elem := range t {
			if err := checkFinite(elem); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// Parse decodes canonical (or any valid) JSON bytes into a generic
// value with json.Number preserved, for round-trip idempotence checks
// and for re-canonicalizing a parsed document.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &InvalidJSONError{Cause: err}
	}
	return v, nil
}
