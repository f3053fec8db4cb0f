package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a store error. The REST layer maps each kind to a stable
// status code, so the set is closed.
type ErrorKind string

const (
	// KindNotFound indicates the requested key is absent.
	KindNotFound ErrorKind = "not_found"

	// KindConflict indicates a uniqueness violation, a fork mismatch on the
	// commit chain, or a duplicate batch with a differing signature.
	KindConflict ErrorKind = "conflict"

	// KindInvalidState indicates an illegal batch transition or an invalid
	// rollback target.
	KindInvalidState ErrorKind = "invalid_state"

	// KindInvalidArgument indicates malformed caller input (paging, scope,
	// state-change payloads).
	KindInvalidArgument ErrorKind = "invalid_argument"

	// KindStorageUnavailable indicates pool exhaustion or a connection failure.
	KindStorageUnavailable ErrorKind = "storage_unavailable"

	// KindInternal is the catch-all for unexpected failures.
	KindInternal ErrorKind = "internal"
)

// Error is the typed error returned by every store operation.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Op names the operation that failed, e.g. "roles.get" or "coordinator.apply".
	Op string `json:"op,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, &model.Error{Kind: model.KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithOp sets the operation name and returns the same error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Wrap attaches an underlying cause and returns the same error.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func newError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, format, args...)
}

// Conflict creates a conflict error.
func Conflict(op, format string, args ...any) *Error {
	return newError(KindConflict, op, format, args...)
}

// InvalidState creates an invalid-state error.
func InvalidState(op, format string, args ...any) *Error {
	return newError(KindInvalidState, op, format, args...)
}

// InvalidArgument creates an invalid-argument error.
func InvalidArgument(op, format string, args ...any) *Error {
	return newError(KindInvalidArgument, op, format, args...)
}

// StorageUnavailable creates a storage-unavailable error wrapping cause.
func StorageUnavailable(op string, cause error) *Error {
	return newError(KindStorageUnavailable, op, "storage unavailable").Wrap(cause)
}

// Internal creates an internal error wrapping cause.
func Internal(op string, cause error) *Error {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindInternal, Op: op, Message: msg, Err: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Errors that carry no classification are reported as KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns err as an *Error, classifying unknown errors as internal.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(op, err)
}

// IsNotFound reports whether err is classified as not found.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

// IsInvalidState reports whether err is classified as an invalid state.
func IsInvalidState(err error) bool { return hasKind(err, KindInvalidState) }

// IsInvalidArgument reports whether err is classified as an invalid argument.
func IsInvalidArgument(err error) bool { return hasKind(err, KindInvalidArgument) }

// IsStorageUnavailable reports whether err is classified as storage unavailable.
func IsStorageUnavailable(err error) bool { return hasKind(err, KindStorageUnavailable) }

func hasKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
