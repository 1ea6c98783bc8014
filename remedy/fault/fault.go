// Package fault defines the error taxonomy shared across the remediation
// pipeline. Callers classify failures with the Is* predicates rather than
// string matching; retry loops treat only transient errors as retryable.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind partitions pipeline failures by how they must be handled.
type Kind string

const (
	// KindValidation marks malformed input, rejected before any state mutation.
	KindValidation Kind = "validation"
	// KindTransient marks network/timeout failures, retried with backoff.
	KindTransient Kind = "transient"
	// KindPermanent marks auth/permission failures, surfaced immediately.
	KindPermanent Kind = "permanent"
	// KindConflict marks a stale-state write; the caller reloads and retries.
	KindConflict Kind = "conflict"
	// KindExhausted marks a retry bound being reached; terminal.
	KindExhausted Kind = "exhausted"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation wraps err as a validation failure.
func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Validationf builds a validation failure from a format string.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as a retryable execution failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable execution failure.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Conflict wraps err as an optimistic-concurrency conflict.
func Conflict(op string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Err: err}
}

// Exhausted wraps err as a retries-exhausted terminal failure.
func Exhausted(op string, err error) error {
	return &Error{Kind: KindExhausted, Op: op, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsTransient reports whether err may be retried. Context deadline
// expiry counts as transient: exceeding a deadline is treated the same as a
// network timeout by the retry machinery.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPermanent
}

// IsConflict reports whether err is a stale-state write rejection.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsExhausted reports whether err marks a reached retry bound.
func IsExhausted(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindExhausted
}
