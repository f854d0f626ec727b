// Package apperr defines the error taxonomy shared by services and HTTP handlers.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure for translation at the HTTP boundary
type Kind int

const (
	Unexpected Kind = iota
	ValidationFailed
	BadCredentials
	AccountLocked
	RateLimited
	TooManyAttempts
	InvalidToken
	DeviceMismatch
	TokenExpired
	NotFound
	Conflict
	AlreadyStreaming
)

func (k Kind) String() string {
	switch k {
	case ValidationFailed:
		return "validation_failed"
	case BadCredentials:
		return "bad_credentials"
	case AccountLocked:
		return "account_locked"
	case RateLimited:
		return "rate_limited"
	case TooManyAttempts:
		return "too_many_attempts"
	case InvalidToken:
		return "invalid_token"
	case DeviceMismatch:
		return "device_mismatch"
	case TokenExpired:
		return "token_expired"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case AlreadyStreaming:
		return "already_streaming"
	default:
		return "unexpected"
	}
}

// Error is a typed domain failure
type Error struct {
	Kind    Kind
	Message string
	// Fields holds per-field messages for ValidationFailed
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a typed error carrying a cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a ValidationFailed error with field-level messages
func Validation(fields map[string]string) *Error {
	return &Error{
		Kind:    ValidationFailed,
		Message: "Validation failed. Please check your input.",
		Fields:  fields,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unexpected
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the first *Error in err's chain
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus maps a kind onto the response status code
func HTTPStatus(kind Kind) int {
	switch kind {
	case ValidationFailed, RateLimited, TooManyAttempts, Conflict, AlreadyStreaming:
		return http.StatusBadRequest
	case BadCredentials, InvalidToken, DeviceMismatch, TokenExpired:
		return http.StatusUnauthorized
	case AccountLocked:
		return http.StatusLocked
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
