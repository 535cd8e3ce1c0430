package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain failure so retry and HTTP mapping decisions
// are made once, not at every call site.
type ErrorKind string

const (
	ErrKindValidation       ErrorKind = "validation"
	ErrKindNotFound         ErrorKind = "not_found"
	ErrKindExpired          ErrorKind = "expired"
	ErrKindPartnerTransient ErrorKind = "partner_transient"
	ErrKindPartnerRejected  ErrorKind = "partner_rejected"
	ErrKindPersistence      ErrorKind = "persistence"
	ErrKindFulfillment      ErrorKind = "fulfillment"
	ErrKindConflict         ErrorKind = "conflict"
)

// AppError carries a kind plus detail, and wraps any underlying cause.
type AppError struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewError creates an AppError without a cause.
func NewError(kind ErrorKind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError creates an AppError wrapping a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain; unknown errors report as
// persistence failures since that is the conservative retry class.
func KindOf(err error) ErrorKind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrKindPersistence
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Kind == kind
}
