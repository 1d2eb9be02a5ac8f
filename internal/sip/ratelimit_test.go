package sip

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Limit(1),
		Burst:           3,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
}

func TestRateLimiter_AllowsBurstThenDenies(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	source := "203.0.113.1:5060"

	for i := 0; i < 3; i++ {
		if !rl.Allow(source) {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if rl.Allow(source) {
		t.Fatal("request past the burst should be denied")
	}
}

func TestRateLimiter_SourcesIndependent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.Allow("203.0.113.1:5060")
	}
	if rl.Allow("203.0.113.1:5060") {
		t.Fatal("exhausted source should be denied")
	}
	if !rl.Allow("203.0.113.2:5060") {
		t.Fatal("fresh source should be allowed")
	}
}

func TestRateLimiter_KeyedByIPNotPort(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	// Exhaust the budget from one port, then retry from another.
	for i := 0; i < 3; i++ {
		rl.Allow("203.0.113.1:5060")
	}
	if rl.Allow("203.0.113.1:49152") {
		t.Fatal("changing the source port should not evade the limit")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	rl.Allow("203.0.113.1:5060")
	rl.Allow("203.0.113.2:5060")

	// Age one entry past MaxAge, then run a cleanup pass.
	rl.mu.Lock()
	rl.entries["203.0.113.1"].lastSeen = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["203.0.113.1"]; ok {
		t.Error("stale entry should have been removed")
	}
	if _, ok := rl.entries["203.0.113.2"]; !ok {
		t.Error("fresh entry should have been kept")
	}
}
