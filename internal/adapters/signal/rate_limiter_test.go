package signal

import (
	"testing"
	"time"
)

func TestRateLimiterPerUserBurst(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(3, 10*time.Second)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("attempt %d refused inside limit", i)
		}
	}
	if rl.Allow("alice") {
		t.Fatalf("fourth attempt allowed")
	}
	if !rl.Allow("bob") {
		t.Fatalf("bob limited by alice's history")
	}

	now = now.Add(4 * time.Second)
	if !rl.Allow("alice") {
		t.Fatalf("token not refilled")
	}
	if rl.Allow("alice") {
		t.Fatalf("refill granted more than one token")
	}

	now = now.Add(time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("attempt %d refused after idle minute", i)
		}
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("alice") {
		t.Fatalf("nil limiter refused")
	}
	off := NewRateLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		if !off.Allow("alice") {
			t.Fatalf("zero limit refused attempt %d", i)
		}
	}
}
