package sip

import (
	"fmt"
	"testing"
	"time"
)

func TestAuthGuard_NotBlockedInitially(t *testing.T) {
	g := NewAuthGuard(DefaultGuardConfig(), testLogger())

	if g.IsBlocked("192.168.1.1:5060") {
		t.Fatal("new IP should not be blocked")
	}
}

func TestAuthGuard_BlockAfterThreshold(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())
	source := "10.0.0.1:5060"

	// Failures just below the threshold should not block.
	for i := 0; i < cfg.MaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	if g.IsBlocked(source) {
		t.Fatalf("should not be blocked after %d failures", cfg.MaxFailures-1)
	}

	// One more failure should trigger the block.
	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("should be blocked after reaching threshold")
	}
}

func TestAuthGuard_DifferentIPsIndependent(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())

	for i := 0; i < cfg.MaxFailures; i++ {
		g.RecordFailure("10.0.0.1:5060")
	}

	if !g.IsBlocked("10.0.0.1:5060") {
		t.Fatal("10.0.0.1 should be blocked")
	}
	if g.IsBlocked("10.0.0.2:5060") {
		t.Fatal("10.0.0.2 should not be blocked")
	}
}

func TestAuthGuard_SuccessClearsFailures(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())
	source := "10.0.0.1:5060"

	for i := 0; i < cfg.MaxFailures-1; i++ {
		g.RecordFailure(source)
	}

	// Successful auth should reset the counter.
	g.RecordSuccess(source)

	for i := 0; i < cfg.MaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	if g.IsBlocked(source) {
		t.Fatal("should not be blocked after success reset the counter")
	}
}

func TestAuthGuard_BlockExpires(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())
	source := "10.0.0.1:5060"

	for i := 0; i < cfg.MaxFailures; i++ {
		g.RecordFailure(source)
	}
	if !g.IsBlocked(source) {
		t.Fatal("should be blocked")
	}

	// Manually expire the block by modifying the record.
	g.mu.Lock()
	rec := g.records[extractIP(source)]
	rec.blockedAt = time.Now().Add(-rec.blockFor - time.Second)
	g.mu.Unlock()

	if g.IsBlocked(source) {
		t.Fatal("block should have expired")
	}
}

func TestAuthGuard_ProgressiveBackoff(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())
	source := "10.0.0.1:5060"
	ip := extractIP(source)

	// First block.
	for i := 0; i < cfg.MaxFailures; i++ {
		g.RecordFailure(source)
	}
	if !g.IsBlocked(source) {
		t.Fatal("should be blocked (first offence)")
	}

	g.mu.Lock()
	firstBlockFor := g.records[ip].blockFor
	g.records[ip].blockedAt = time.Now().Add(-g.records[ip].blockFor - time.Second)
	g.records[ip].blocked = false
	g.records[ip].failures = nil
	g.mu.Unlock()

	// Second block should carry the doubled duration.
	for i := 0; i < cfg.MaxFailures; i++ {
		g.RecordFailure(source)
	}

	g.mu.Lock()
	secondBlockFor := g.records[ip].blockFor
	g.mu.Unlock()

	if secondBlockFor != firstBlockFor*2 {
		t.Errorf("expected progressive backoff: first=%v, second=%v, want second=%v",
			firstBlockFor, secondBlockFor, firstBlockFor*2)
	}
}

func TestAuthGuard_MaxBlockDurationCap(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())
	source := "10.0.0.1:5060"
	ip := extractIP(source)

	g.mu.Lock()
	g.records[ip] = &guardRecord{blockFor: cfg.MaxBlock}
	g.mu.Unlock()

	for i := 0; i < cfg.MaxFailures; i++ {
		g.RecordFailure(source)
	}

	g.mu.Lock()
	dur := g.records[ip].blockFor
	g.mu.Unlock()

	if dur > cfg.MaxBlock {
		t.Errorf("block duration %v exceeds max %v", dur, cfg.MaxBlock)
	}
}

func TestAuthGuard_BlockedCount(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())

	for _, ip := range []string{"10.0.0.1:5060", "10.0.0.2:5060"} {
		for i := 0; i < cfg.MaxFailures; i++ {
			g.RecordFailure(ip)
		}
	}
	// Failures short of the threshold do not count.
	g.RecordFailure("10.0.0.3:5060")

	if got := g.BlockedCount(); got != 2 {
		t.Errorf("BlockedCount() = %d, want 2", got)
	}
}

func TestAuthGuard_Cleanup(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())

	g.mu.Lock()
	// No failures, no block: should be dropped.
	g.records["10.0.0.1"] = &guardRecord{blockFor: cfg.BaseBlock}
	// Expired block: cleared and dropped.
	g.records["10.0.0.2"] = &guardRecord{
		blocked:   true,
		blockedAt: time.Now().Add(-cfg.BaseBlock - time.Minute),
		blockFor:  cfg.BaseBlock,
	}
	// Active block: kept.
	g.records["10.0.0.3"] = &guardRecord{
		blocked:   true,
		blockedAt: time.Now(),
		blockFor:  cfg.BaseBlock,
	}
	g.mu.Unlock()

	g.Cleanup()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.records["10.0.0.1"]; ok {
		t.Error("empty record should be cleaned up")
	}
	if _, ok := g.records["10.0.0.2"]; ok {
		t.Error("expired block record should be cleaned up")
	}
	if _, ok := g.records["10.0.0.3"]; !ok {
		t.Error("active block should not be cleaned up")
	}
}

func TestAuthGuard_BareIPAddress(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())

	for i := 0; i < cfg.MaxFailures; i++ {
		g.RecordFailure("10.0.0.1")
	}
	if !g.IsBlocked("10.0.0.1") {
		t.Fatal("should be blocked with bare IP")
	}
	// Port churn must not evade the block.
	if !g.IsBlocked("10.0.0.1:5060") {
		t.Fatal("should be blocked when checked with port")
	}
}

func TestAuthGuard_EmptySource(t *testing.T) {
	g := NewAuthGuard(DefaultGuardConfig(), testLogger())

	g.RecordFailure("")
	g.RecordSuccess("")
	if g.IsBlocked("") {
		t.Fatal("empty source should not be blocked")
	}
}

func TestAuthGuard_IPv6(t *testing.T) {
	cfg := DefaultGuardConfig()
	g := NewAuthGuard(cfg, testLogger())
	source := "[::1]:5060"

	for i := 0; i < cfg.MaxFailures; i++ {
		g.RecordFailure(source)
	}
	if !g.IsBlocked(source) {
		t.Fatal("IPv6 address should be blocked")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "192.168.1.1:5060", want: "192.168.1.1"},
		{input: "10.0.0.1:1234", want: "10.0.0.1"},
		{input: "192.168.1.1", want: "192.168.1.1"},
		{input: "[::1]:5060", want: "::1"},
		{input: "::1", want: "::1"},
		{input: "", want: ""},
		{input: "not-an-ip", want: ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("input=%q", tt.input), func(t *testing.T) {
			got := extractIP(tt.input)
			if got != tt.want {
				t.Errorf("extractIP(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
