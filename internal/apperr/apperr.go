// Package apperr classifies fabric errors into a small set of kinds so
// callers can decide how to propagate or recover from a failure without
// string-matching error messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes a fabric error for propagation and recovery decisions.
type Kind string

const (
	KindConfigMissing  Kind = "config_missing"
	KindBusUnavailable Kind = "bus_unavailable"
	KindModelError     Kind = "model_error"
	KindSkillError     Kind = "skill_error"
	KindSkillDenied    Kind = "skill_denied"
	KindAuthFailure    Kind = "auth_failure"
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "timeout"
	KindSequenceGap    Kind = "sequence_gap"
)

// Error wraps a cause with a Kind, so a caller can classify it with
// errors.As without needing to inspect the message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind, tagged with the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of err if it (or anything it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}

// Fatal reports whether an error of this kind should abort startup rather
// than propagate to a caller. Only config errors discovered before the
// bus and stores are open qualify.
func (k Kind) Fatal() bool {
	return k == KindConfigMissing
}
