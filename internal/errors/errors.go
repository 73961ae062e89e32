package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types for the session client
var (
	// Client-side errors
	ErrValidation = errors.New("validation failed")
	ErrStorage    = errors.New("storage error")

	// Transport errors
	ErrNetwork = errors.New("network error")

	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRefreshFailed      = errors.New("refresh failed")

	// OAuth federation errors
	ErrUserCancelled      = errors.New("login_cancelled")
	ErrProviderRejected   = errors.New("provider rejected")
	ErrBackendRejected    = errors.New("backend rejected")
	ErrStateMismatch      = errors.New("oauth state mismatch")
	ErrMissingCode        = errors.New("authorization code missing")
	ErrBrowserUnavailable = errors.New("auth browser unavailable")
)

// StatusError is returned for any non-2xx backend response.
type StatusError struct {
	StatusCode int
	Message    string // backend supplied "message", may be empty
	Body       []byte
	kind       error
}

// NewStatusError builds a StatusError. credentials marks endpoints where a 401
// means the supplied credentials were rejected rather than the session token.
func NewStatusError(statusCode int, message string, body []byte, credentials bool) *StatusError {
	se := &StatusError{StatusCode: statusCode, Message: message, Body: body}
	switch {
	case statusCode == http.StatusUnauthorized && credentials:
		se.kind = ErrInvalidCredentials
	case statusCode == http.StatusUnauthorized:
		se.kind = ErrUnauthorized
	}
	return se
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Message returns the backend supplied message carried anywhere in err's
// chain, or fallback when there is none.
func Message(err error, fallback string) string {
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return fallback
}
