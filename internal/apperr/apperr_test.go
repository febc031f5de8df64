package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := New(RateLimited, "slow down")
	wrapped := fmt.Errorf("request failed: %w", base)
	if got := KindOf(wrapped); got != RateLimited {
		t.Errorf("KindOf() = %v, want RateLimited", got)
	}
	if !Is(wrapped, RateLimited) {
		t.Error("Is() did not find the kind through the chain")
	}
	if got := KindOf(errors.New("plain")); got != Internal {
		t.Errorf("KindOf(plain) = %v, want Internal", got)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Internal, "nothing", nil) != nil {
		t.Error("Wrap(nil) must return nil")
	}
}

func TestUnwrapPreservesSentinel(t *testing.T) {
	sentinel := errors.New("upstream said no")
	err := Wrap(BackendUnavailable, "call failed", sentinel)
	if !errors.Is(err, sentinel) {
		t.Error("wrapped sentinel lost")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{RateLimited, true},
		{BackendTransient, true},
		{StreamTruncated, true},
		{BackendUnavailable, false},
		{Unauthorized, false},
		{ValidationFailed, false},
		{IsolationViolation, false},
	}
	for _, tt := range tests {
		if got := Retryable(New(tt.kind, "x")); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Unauthorized, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{RateLimited, http.StatusTooManyRequests},
		{TenantUnavailable, http.StatusNotFound},
		{NotFound, http.StatusNotFound},
		{QuotaExceeded, http.StatusConflict},
		{AlreadyExists, http.StatusConflict},
		{ValidationFailed, http.StatusBadRequest},
		{BackendTransient, http.StatusBadGateway},
		{BackendUnavailable, http.StatusBadGateway},
		{IsolationViolation, http.StatusInternalServerError},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(New(tt.kind, "x")); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := &Error{Kind: RateLimited, Msg: "throttled", RetryAfter: 42 * time.Second}
	if got := RetryAfterOf(err); got != 42*time.Second {
		t.Errorf("RetryAfterOf() = %v", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %v, want 0", got)
	}
}
