package auth

import (
	"testing"
	"time"
)

func TestFailureLimiterBlocksAfterLimit(t *testing.T) {
	l := NewFailureLimiter(3, 15*time.Minute)

	for i := 0; i < 2; i++ {
		l.RecordFailure("key")
	}
	if l.Blocked("key") {
		t.Fatal("blocked below the limit")
	}

	l.RecordFailure("key")
	if !l.Blocked("key") {
		t.Fatal("not blocked at the limit")
	}
}

func TestFailureLimiterSlidingWindow(t *testing.T) {
	now := time.Now()
	l := NewFailureLimiter(2, 15*time.Minute)
	l.now = func() time.Time { return now }

	l.RecordFailure("key")
	l.RecordFailure("key")
	if !l.Blocked("key") {
		t.Fatal("not blocked after two failures")
	}

	// Move past the window: old failures no longer count.
	now = now.Add(16 * time.Minute)
	if l.Blocked("key") {
		t.Fatal("still blocked after the window expired")
	}
}

func TestFailureLimiterReset(t *testing.T) {
	l := NewFailureLimiter(1, 15*time.Minute)
	l.RecordFailure("key")
	if !l.Blocked("key") {
		t.Fatal("not blocked")
	}
	l.Reset("key")
	if l.Blocked("key") {
		t.Fatal("still blocked after reset")
	}
}

func TestFailureLimiterKeysIndependent(t *testing.T) {
	l := NewFailureLimiter(1, 15*time.Minute)
	l.RecordFailure("a")
	if l.Blocked("b") {
		t.Fatal("failures on one key blocked another")
	}
}

func TestLimiterKeyTruncates(t *testing.T) {
	long := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.payload.signature"
	if got := limiterKey(long); len(got) != 16 {
		t.Errorf("limiterKey length = %d, want 16", len(got))
	}
	if got := limiterKey("short"); got != "short" {
		t.Errorf("limiterKey(short) = %q", got)
	}
}
