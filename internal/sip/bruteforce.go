package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// GuardConfig tunes the fail2ban-style auth guard.
type GuardConfig struct {
	// MaxFailures is the number of failed auth attempts within Window before
	// a source IP is blocked.
	MaxFailures int
	// Window is the sliding interval in which failures are counted.
	Window time.Duration
	// BaseBlock is the first block duration; repeat offences double it.
	BaseBlock time.Duration
	// MaxBlock caps the progressive backoff.
	MaxBlock time.Duration
}

// DefaultGuardConfig returns the production thresholds.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxFailures: 10,
		Window:      10 * time.Minute,
		BaseBlock:   5 * time.Minute,
		MaxBlock:    24 * time.Hour,
	}
}

// guardRecord tracks per-IP authentication failure state.
type guardRecord struct {
	failures  []time.Time
	blocked   bool
	blockedAt time.Time
	blockFor  time.Duration // progressive, doubles per offence
}

// AuthGuard blocks source IPs that keep failing digest authentication.
// Blocks expire automatically; each repeat offence doubles the block
// duration up to the configured cap.
type AuthGuard struct {
	cfg    GuardConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*guardRecord
}

// NewAuthGuard creates a guard with empty state.
func NewAuthGuard(cfg GuardConfig, logger *slog.Logger) *AuthGuard {
	return &AuthGuard{
		cfg:     cfg,
		logger:  logger.With("subsystem", "authguard"),
		now:     time.Now,
		records: make(map[string]*guardRecord),
	}
}

// IsBlocked reports whether the source ("ip:port" or bare IP) is blocked.
func (g *AuthGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	if g.now().Sub(rec.blockedAt) > rec.blockFor {
		rec.blocked = false
		rec.failures = nil
		return false
	}
	return true
}

// RecordFailure notes a failed auth attempt and blocks the IP once the
// threshold is crossed.
func (g *AuthGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &guardRecord{blockFor: g.cfg.BaseBlock}
		g.records[ip] = rec
	}
	if rec.blocked {
		return
	}

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)
	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)

	if len(rec.failures) >= g.cfg.MaxFailures {
		rec.blocked = true
		rec.blockedAt = now
		rec.failures = nil

		g.logger.Warn("source ip blocked after repeated auth failures",
			"ip", ip, "block_duration", rec.blockFor.String())

		if next := rec.blockFor * 2; next <= g.cfg.MaxBlock {
			rec.blockFor = next
		} else {
			rec.blockFor = g.cfg.MaxBlock
		}
	}
}

// RecordSuccess clears the failure counter for a source IP. The progressive
// block duration is kept so repeat offenders earn longer blocks.
func (g *AuthGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// BlockedCount returns how many IPs are currently blocked.
func (g *AuthGuard) BlockedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	count := 0
	for _, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) <= rec.blockFor {
			count++
		}
	}
	return count
}

// Cleanup expires finished blocks and drops idle records. Called
// periodically alongside nonce cleanup.
func (g *AuthGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		if !rec.blocked && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it is already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}
