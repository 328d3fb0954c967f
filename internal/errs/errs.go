// internal/errs/errs.go
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding whether to retry,
// re-read, or give up. HTTP mapping lives in the handlers package.
type Kind int

const (
	// Validation: malformed input, caller's fault, no retry without change.
	Validation Kind = iota
	// Conflict: state already as desired or a concurrent write collision;
	// safe to retry after re-reading.
	Conflict
	// NotFound: referenced entity absent or already purged.
	NotFound
	// Forbidden: authorization failure (e.g. host-only operations).
	Forbidden
	// Capacity: session is full.
	Capacity
	// Unavailable: store or dependency failure; retry with backoff.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case Capacity:
		return "capacity"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a kind-classified error. Use errors.As to recover it and
// KindOf for a quick classification check.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kind-classified error with a static message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kind-classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err if it is (or wraps) an *Error,
// else Unavailable — an unclassified failure is assumed transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unavailable
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
