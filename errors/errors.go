// Package errors is hone's error vocabulary, built on
// github.com/cockroachdb/errors. Errors carry stack traces from their
// creation site, wrapping preserves sentinel identity for Is checks,
// and hints attached near the cause surface to the user when the CLI
// exits.
//
//	if err := st.GetRun(ctx, id); err != nil {
//	    return errors.Wrapf(err, "load run %s", id)
//	}
//
//	if errors.IsNotFoundError(err) {
//	    // 404
//	}
package errors

import crdb "github.com/cockroachdb/errors"

// Construction and wrapping. New and Newf capture a stack trace at the
// call site. Wrap and Wrapf prefix a message while keeping the cause
// visible to Is and As.
var (
	New   = crdb.New
	Newf  = crdb.Newf
	Wrap  = crdb.Wrap
	Wrapf = crdb.Wrapf
)

// Chain inspection.
var (
	Is = crdb.Is
	As = crdb.As
)

// Hints travel with the chain without altering the error message.
// The CLI prints them after the error, one per line, so attach them
// where the remedy is known, not where the error is logged.
var (
	WithHint    = crdb.WithHint
	GetAllHints = crdb.GetAllHints
)

// Sentinels for the failure classes handlers branch on. Wrap them to add
// context; identity survives for the Is* helpers below.
var (
	// ErrNotFound: the requested resource does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidRequest: the request was malformed or references
	// something impossible (bad column, unknown stage, empty dataset).
	ErrInvalidRequest = New("invalid request")

	// ErrAlreadyExists: a resource with the same identity is already
	// present, such as a run that is already executing.
	ErrAlreadyExists = New("already exists")

	// ErrNotConfigured: a provider is selected but has no usable
	// credential.
	ErrNotConfigured = New("provider not configured")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsNotConfiguredError reports whether err is or wraps ErrNotConfigured.
func IsNotConfiguredError(err error) bool {
	return err != nil && Is(err, ErrNotConfigured)
}

// NewInvalidRequestError builds an ErrInvalidRequest with a formatted
// description.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
