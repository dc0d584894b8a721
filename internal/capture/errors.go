package capture

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable, caller-visible classification of a submission failure.
type Kind string

const (
	KindAuthentication   Kind = "AuthenticationError"
	KindIdentityNotFound Kind = "IdentityNotFound"
	KindDecode           Kind = "DecodeError"
	KindInference        Kind = "InferenceError"
	KindUpload           Kind = "UploadFailure"
	KindPersist          Kind = "PersistFailure"
	KindInProgress       Kind = "SubmissionInProgress"

	// KindCompensation is logged and counted but never returned to a caller.
	KindCompensation Kind = "CompensationFailure"
)

// Error is a structured submission failure.
type Error struct {
	Kind      Kind
	Detail    string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a non-retryable error of the given kind.
func NewError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// NewStoreError builds an error whose retryability follows the cause.
func NewStoreError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Retryable: IsTransient(err), Err: err}
}

// KindOf extracts the Kind from err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr.Kind, true
	}
	return "", false
}

// IsTransient reports whether err is a timeout or temporary network condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
