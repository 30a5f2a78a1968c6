// Package apperr defines the error kinds surfaced to API callers.
//
// Every failure that reaches the response boundary carries exactly one Kind.
// Lower layers wrap causes with fmt.Errorf and %w; the component that first
// understands what went wrong classifies it with one of the constructors here.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers.
type Kind string

// Error kinds.
const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindDependency Kind = "dependency"
	KindExecution  Kind = "execution"
	KindTimeout    Kind = "timeout"
	KindCache      Kind = "cache"
	KindInternal   Kind = "internal"
)

// Error is a classified error with a caller-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.Timeout(""))
// style checks work without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, prefixing it with msg.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation reports malformed input.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Auth reports a missing or wrong credential.
func Auth(format string, args ...any) *Error {
	return New(KindAuth, format, args...)
}

// Dependency reports that a required package could not be installed.
func Dependency(err error, msg string) *Error {
	return Wrap(KindDependency, err, msg)
}

// Execution reports a failure raised by, or while running, the script.
func Execution(format string, args ...any) *Error {
	return New(KindExecution, format, args...)
}

// Timeout reports that the script exceeded its time limit.
func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// Cache reports a failure touching cache state.
func Cache(err error, msg string) *Error {
	return Wrap(KindCache, err, msg)
}

// Internal wraps an unexpected failure.
func Internal(err error, msg string) *Error {
	return Wrap(KindInternal, err, msg)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
