package auth

import (
	"sync"
	"time"
)

const (
	// DefaultFailureLimit is the number of failed verifications tolerated
	// within the window before the caller is rate limited.
	DefaultFailureLimit = 5

	// DefaultFailureWindow is the sliding window for counting failures.
	DefaultFailureWindow = 15 * time.Minute
)

// FailureLimiter records failed token verifications keyed by a stable
// identifier (a token prefix suffices) and reports when a key has exceeded
// the limit within the sliding window. Process-wide; stale entries are
// pruned on access.
type FailureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewFailureLimiter creates a limiter with the given threshold and window.
func NewFailureLimiter(limit int, window time.Duration) *FailureLimiter {
	if limit <= 0 {
		limit = DefaultFailureLimit
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	return &FailureLimiter{
		failures: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// RecordFailure notes a failed verification for the key.
func (l *FailureLimiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.failures[key] = append(l.prune(l.failures[key], now), now)
}

// Blocked reports whether the key has reached the failure limit within the
// window.
func (l *FailureLimiter) Blocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	recent := l.prune(l.failures[key], now)
	if len(recent) == 0 {
		delete(l.failures, key)
		return false
	}
	l.failures[key] = recent
	return len(recent) >= l.limit
}

// Reset clears the failure record for a key, used after a successful
// verification.
func (l *FailureLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
}

func (l *FailureLimiter) prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// limiterKey derives the stable rate-limit key from a bearer token. Only a
// short prefix is used so raw tokens never sit in memory longer than needed.
func limiterKey(token string) string {
	if len(token) > 16 {
		return token[:16]
	}
	return token
}
