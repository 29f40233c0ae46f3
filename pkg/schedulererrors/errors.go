// Package schedulererrors defines the typed error kinds surfaced by the
// scheduler's data-path operations. None of these are recovered locally:
// they are returned up to the caller (and usually logged), never panicked.
package schedulererrors

import (
	"errors"
	"fmt"
)

// Code classifies a scheduler error for callers that branch on kind rather
// than message text.
type Code string

const (
	// IllegalParameter marks malformed input: JSON parse failure, a bad
	// ratio, a division-by-zero input to the cost model.
	IllegalParameter Code = "ILLEGAL_PARAMETER"
	// ResourceNotFound marks a missing id in a registry, or a missing
	// callback for an update/remove.
	ResourceNotFound Code = "RESOURCE_NOT_FOUND"
	// StateError marks an illegal state transition; the subject keeps
	// its prior state.
	StateError Code = "STATE_ERROR"
	// Timeout marks a lock that could not be acquired within its cap;
	// the caller should treat the current tick as skipped.
	Timeout Code = "TIMEOUT"
	// NoSatisfiedResource marks a selector that found no candidate.
	NoSatisfiedResource Code = "NO_SATISFIED_RESOURCE"
	// StatisticalError marks an internal accounting inconsistency that
	// surfaces but must not crash the caller.
	StatisticalError Code = "STATISTICAL_ERROR"
)

// Error is a typed scheduler error: a code, the operation that produced it,
// and an optional wrapped cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap constructs an *Error wrapping err.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Is reports whether err carries the given code, unwrapping through
// standard library wrapping chains.
func Is(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
