// Package retry classifies dispatch failures as transient or permanent and
// provides a bounded backoff loop for callers that resubmit on transient ones.
package retry

import (
	"errors"
	"fmt"
)

// Class says whether retrying the same request may succeed.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Code identifies the failure kind independently of its message.
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeConflict        Code = "CONFLICT"
	CodeExpired         Code = "EXPIRED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeCanceled        Code = "CANCELED"
	CodeInternal        Code = "INTERNAL"
)

// Error is the tagged error returned across the dispatcher boundary.
type Error struct {
	Class Class
	Code  Code
	Msg   string
	// Holder is the task currently owning the contested lock (CodeConflict only).
	Holder string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retryable error.
func Transient(code Code, msg string, cause error) *Error {
	return &Error{Class: ClassTransient, Code: code, Msg: msg, Err: cause}
}

// Permanent builds an error that will fail again on an identical request.
func Permanent(code Code, msg string, cause error) *Error {
	return &Error{Class: ClassPermanent, Code: code, Msg: msg, Err: cause}
}

// InvalidArgument is shorthand for a permanent validation failure.
func InvalidArgument(format string, args ...any) *Error {
	return Permanent(CodeInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// Conflict reports that key is held by holder.
func Conflict(key, holder string, cause error) *Error {
	e := Permanent(CodeConflict, fmt.Sprintf("lock %q held by %s", key, holder), cause)
	e.Holder = holder
	return e
}

// Unavailable wraps a backend I/O failure. A nil err yields nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return Transient(CodeUnavailable, op, err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err is classified transient.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Class == ClassTransient
}

// CodeOf returns err's code, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HolderOf returns the lock holder carried by a conflict error.
func HolderOf(err error) string {
	if e, ok := As(err); ok {
		return e.Holder
	}
	return ""
}
