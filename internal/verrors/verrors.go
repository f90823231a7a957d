// Package verrors defines the typed error shape shared by every verifier
// component: a stable Kind string, an optional document Path, and a
// structured Detail payload. Kind strings are a wire contract — tests and
// callers match on them, not on Error() text.
package verrors

import (
	"errors"
	"fmt"
)

// Error is the typed failure every verifier component returns.
type Error struct {
	Kind   string
	Path   string
	Detail any
	Cause  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s (%s): %v", e.Kind, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s (%s)", e.Kind, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no path or detail.
func New(kind string) *Error {
	return &Error{Kind: kind}
}

// Newf builds an Error whose Kind is a formatted message (used for the
// free-form messages spec.md writes as error strings, e.g.
// "strict requires GovernancePolicy.v2").
func Newf(format string, args ...any) *Error {
	return &Error{Kind: fmt.Sprintf(format, args...)}
}

// WithPath returns a copy of e with Path set.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// WithDetail returns a copy of e with Detail set.
func (e *Error) WithDetail(detail any) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// Wrap reports parent as the outer Kind with err preserved as Detail and
// Cause, implementing spec.md §7's "wraps it under a parent key (detail)
// preserving the entire chain" propagation policy.
func Wrap(parent string, err error) *Error {
	return &Error{Kind: parent, Detail: errDetail(err), Cause: err}
}

func errDetail(err error) map[string]any {
	var ve *Error
	if errors.As(err, &ve) {
		return map[string]any{
			"kind":   ve.Kind,
			"path":   ve.Path,
			"detail": ve.Detail,
		}
	}
	return map[string]any{"message": err.Error()}
}

// First returns the first non-nil error in errs, implementing the
// ordering guarantee of spec.md §5: within one call the error returned is
// the first failure encountered along the documented checking order.
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Kind extracts the stable Kind string from err, or "" if err is not a
// *Error (or is nil).
func Kind(err error) string {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}
