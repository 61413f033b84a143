// Package errs defines the error kinds that cross the allocation boundary.
package errs

import (
	cr "github.com/cockroachdb/errors"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	KindNone                Kind = ""
	KindNoAvailability      Kind = "no_availability"
	KindLockTimeout         Kind = "lock_timeout"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindConfiguration       Kind = "configuration_error"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindNotFound            Kind = "not_found"
	KindInvalidTransition   Kind = "invalid_transition"
	KindInternal            Kind = "internal"
)

var (
	ErrNoAvailability      = cr.New("no availability")
	ErrLockTimeout         = cr.New("lock timeout")
	ErrConcurrencyConflict = cr.New("concurrency conflict")
	ErrConfiguration       = cr.New("configuration error")
	ErrStoreUnavailable    = cr.New("store unavailable")
	ErrNotFound            = cr.New("not found")
	ErrInvalidTransition   = cr.New("invalid status transition")
)

// New returns an unmarked error with a stack trace.
func New(msg string) error {
	return cr.New(msg)
}

// Newf is New with formatting.
func Newf(format string, args ...any) error {
	return cr.Newf(format, args...)
}

// Wrap adds msg to err; a nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

// Mark tags err with the kind sentinel so errors.Is(err, kind) holds while the
// original cause stays inspectable.
func Mark(err error, kind error) error {
	if err == nil {
		return kind
	}
	return cr.Mark(err, kind)
}

// Markf builds a new error carrying the kind sentinel.
func Markf(kind error, format string, args ...any) error {
	return cr.Mark(cr.Newf(format, args...), kind)
}

// Is reports whether err carries target anywhere in its chain or marks.
func Is(err, target error) bool {
	return cr.Is(err, target)
}

// KindOf maps an error onto its kind. Unmarked errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case cr.Is(err, ErrNoAvailability):
		return KindNoAvailability
	case cr.Is(err, ErrLockTimeout):
		return KindLockTimeout
	case cr.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case cr.Is(err, ErrConfiguration):
		return KindConfiguration
	case cr.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case cr.Is(err, ErrNotFound):
		return KindNotFound
	case cr.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	default:
		return KindInternal
	}
}

// Retryable reports whether a fresh attempt may succeed.
func Retryable(err error) bool {
	return cr.Is(err, ErrLockTimeout) || cr.Is(err, ErrConcurrencyConflict)
}
