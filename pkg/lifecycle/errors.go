// Package lifecycle defines the failure taxonomy shared by every credit
// lifecycle operation. Coordinators return *Error values; transports map the
// Kind to a response code.
package lifecycle

import (
	"errors"
	"fmt"
)

// Kind classifies a lifecycle failure.
type Kind string

const (
	KindInvalidTransition    Kind = "invalid_transition"
	KindDuplicateIssuance    Kind = "duplicate_issuance"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindSynchronousRejection Kind = "synchronous_rejection"
	KindAsyncFailure         Kind = "async_failure"
	KindNotFound             Kind = "not_found"
	KindInvalidArgument      Kind = "invalid_argument"
	KindForbidden            Kind = "forbidden"
)

// Error is a typed lifecycle failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so callers can write
// errors.Is(err, lifecycle.ErrInsufficientBalance).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Kind-only sentinels for errors.Is checks.
var (
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrDuplicateIssuance    = &Error{Kind: KindDuplicateIssuance}
	ErrInsufficientBalance  = &Error{Kind: KindInsufficientBalance}
	ErrSynchronousRejection = &Error{Kind: KindSynchronousRejection}
	ErrAsyncFailure         = &Error{Kind: KindAsyncFailure}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrForbidden            = &Error{Kind: KindForbidden}
)

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func InvalidTransition(format string, args ...any) *Error {
	return newError(KindInvalidTransition, nil, format, args...)
}

// DuplicateIssuance marks an idempotent no-op: the project already had a batch.
func DuplicateIssuance(format string, args ...any) *Error {
	return newError(KindDuplicateIssuance, nil, format, args...)
}

func InsufficientBalance(format string, args ...any) *Error {
	return newError(KindInsufficientBalance, nil, format, args...)
}

func SynchronousRejection(err error, format string, args ...any) *Error {
	return newError(KindSynchronousRejection, err, format, args...)
}

// AsyncFailure is a failure the ledger reported after accepting a submission.
// It reaches callers only through polled status.
func AsyncFailure(err error, format string, args ...any) *Error {
	return newError(KindAsyncFailure, err, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return newError(KindInvalidArgument, nil, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, nil, format, args...)
}

// KindOf returns the Kind of err, or "" when err is not a lifecycle error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
