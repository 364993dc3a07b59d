package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure for retry and health decisions.
type ErrorKind string

const (
	// ErrAuth means the provider rejected the access token (401/403).
	ErrAuth ErrorKind = "auth"
	// ErrInvalidGrant means the refresh token itself was rejected at the
	// token endpoint. Not recoverable without the user re-linking.
	ErrInvalidGrant ErrorKind = "invalid_grant"
	// ErrRateLimited means the provider is throttling us (429).
	ErrRateLimited ErrorKind = "rate_limited"
	// ErrServer means a provider-side failure (5xx) or a network error.
	ErrServer ErrorKind = "server"
	// ErrNotFound means the referenced resource does not exist (404).
	ErrNotFound ErrorKind = "not_found"
	// ErrBadRequest means the request was malformed (400).
	ErrBadRequest ErrorKind = "bad_request"
)

// Error is a classified provider failure. The retry controller only looks
// at Kind and RetryAfter; everything else is for logging and callers.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether retrying the same call can succeed.
func (e *Error) Retriable() bool {
	return e.Kind == ErrRateLimited || e.Kind == ErrServer
}

// AsError returns the classified provider error inside err, if any.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsAuth reports whether err is an authentication rejection, including a
// failed refresh grant.
func IsAuth(err error) bool {
	perr, ok := AsError(err)
	return ok && (perr.Kind == ErrAuth || perr.Kind == ErrInvalidGrant)
}

// IsInvalidGrant reports whether err is a rejected refresh token.
func IsInvalidGrant(err error) bool {
	perr, ok := AsError(err)
	return ok && perr.Kind == ErrInvalidGrant
}

// IsRateLimited reports whether err is a throttling response.
func IsRateLimited(err error) bool {
	perr, ok := AsError(err)
	return ok && perr.Kind == ErrRateLimited
}

// IsRetriable reports whether err is worth retrying at all.
func IsRetriable(err error) bool {
	perr, ok := AsError(err)
	return ok && perr.Retriable()
}
