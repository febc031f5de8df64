// Package apperr defines the stable error kinds shared by every component,
// with their HTTP status mapping and retry policy. Retry loops branch on the
// kind tag, never on error strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a class of failure with a fixed propagation policy.
type Kind string

const (
	Unauthorized       Kind = "unauthorized"
	Forbidden          Kind = "forbidden"
	RateLimited        Kind = "rate_limited"
	TenantUnavailable  Kind = "tenant_unavailable"
	QuotaExceeded      Kind = "quota_exceeded"
	ValidationFailed   Kind = "validation_failed"
	AlreadyExists      Kind = "already_exists"
	NotFound           Kind = "not_found"
	BackendTransient   Kind = "backend_transient"
	BackendUnavailable Kind = "backend_unavailable"
	StreamTruncated    Kind = "stream_truncated"
	IsolationViolation Kind = "isolation_violation"
	Internal           Kind = "internal"
)

// Error carries a kind, a human message, and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAfter is set for RateLimited errors when the upstream supplied a
	// Retry-After hint.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error kind permits a retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case RateLimited, BackendTransient, StreamTruncated:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to the response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case TenantUnavailable, NotFound:
		return http.StatusNotFound
	case QuotaExceeded, AlreadyExists:
		return http.StatusConflict
	case ValidationFailed:
		return http.StatusBadRequest
	case BackendTransient, BackendUnavailable:
		return http.StatusBadGateway
	default:
		// IsolationViolation is deliberately opaque to callers.
		return http.StatusInternalServerError
	}
}

// RetryAfterOf returns the Retry-After hint carried by a RateLimited error,
// or zero when none was supplied.
func RetryAfterOf(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}
