package server

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// RateLimitConfig configures per-IP connection and auth throttling.
type RateLimitConfig struct {
	// MaxFailedAttempts is the number of failed auth attempts within the
	// window before the IP is banned.
	MaxFailedAttempts int
	// FailedAttemptWindow is the time window for counting failed attempts
	FailedAttemptWindow time.Duration
	// BanDuration is how long a banned IP stays banned
	BanDuration time.Duration
	// MaxConnectionsPerIP is the max concurrent connections from a single IP (0 = unlimited)
	MaxConnectionsPerIP int
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxFailedAttempts:   5,
		FailedAttemptWindow: 5 * time.Minute,
		BanDuration:         15 * time.Minute,
		MaxConnectionsPerIP: 100,
	}
}

// ipState tracks auth failures and live connections for one client IP.
type ipState struct {
	failures  []time.Time
	banExpiry time.Time
	live      int
}

// pruneFailures drops failure timestamps outside the counting window.
func (st *ipState) pruneFailures(cutoff time.Time) {
	kept := st.failures[:0]
	for _, t := range st.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.failures = kept
}

func (st *ipState) banned(now time.Time) bool {
	return !st.banExpiry.IsZero() && now.Before(st.banExpiry)
}

func (st *ipState) idle() bool {
	return len(st.failures) == 0 && st.banExpiry.IsZero() && st.live == 0
}

// RateLimiter enforces RateLimitConfig across all client IPs.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	states map[string]*ipState
}

// NewRateLimiter creates a rate limiter and starts its background sweep.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config: cfg,
		states: make(map[string]*ipState),
	}
	go rl.sweepLoop()
	return rl
}

// clientIP extracts the bare IP from a net.Addr, dropping the port.
func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// CheckConnection reports why a connection from addr should be rejected,
// or returns an empty string when it is allowed.
func (rl *RateLimiter) CheckConnection(addr net.Addr) string {
	ip := clientIP(addr)
	if ip == "" {
		return ""
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.states[ip]
	if !ok {
		return ""
	}

	now := time.Now()
	if st.banned(now) {
		remaining := time.Until(st.banExpiry).Round(time.Second)
		return fmt.Sprintf("too many failed authentication attempts, try again in %s", remaining)
	}
	if rl.config.MaxConnectionsPerIP > 0 && st.live >= rl.config.MaxConnectionsPerIP {
		return "too many connections from your IP address"
	}
	return ""
}

// RegisterConnection counts a new connection against addr's IP. It
// returns false when the IP is banned or at its concurrency cap.
func (rl *RateLimiter) RegisterConnection(addr net.Addr) bool {
	ip := clientIP(addr)
	if ip == "" {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := rl.state(ip)
	if st.banned(time.Now()) {
		return false
	}
	if rl.config.MaxConnectionsPerIP > 0 && st.live >= rl.config.MaxConnectionsPerIP {
		return false
	}
	st.live++
	return true
}

// UnregisterConnection releases a previously registered connection.
func (rl *RateLimiter) UnregisterConnection(addr net.Addr) {
	ip := clientIP(addr)
	if ip == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if st, ok := rl.states[ip]; ok && st.live > 0 {
		st.live--
	}
}

// RecordFailedAuth counts a failed authentication attempt and reports
// whether the IP crossed into a ban.
func (rl *RateLimiter) RecordFailedAuth(addr net.Addr) bool {
	ip := clientIP(addr)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := rl.state(ip)
	now := time.Now()
	st.failures = append(st.failures, now)
	st.pruneFailures(now.Add(-rl.config.FailedAttemptWindow))

	if len(st.failures) >= rl.config.MaxFailedAttempts {
		st.banExpiry = now.Add(rl.config.BanDuration)
		return true
	}
	return false
}

// RecordSuccessfulAuth clears the failure history for addr's IP.
func (rl *RateLimiter) RecordSuccessfulAuth(addr net.Addr) {
	ip := clientIP(addr)
	if ip == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if st, ok := rl.states[ip]; ok {
		st.failures = nil
		st.banExpiry = time.Time{}
	}
}

// IsBanned reports whether addr's IP is currently banned.
func (rl *RateLimiter) IsBanned(addr net.Addr) bool {
	ip := clientIP(addr)
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.states[ip]
	return ok && st.banned(time.Now())
}

func (rl *RateLimiter) state(ip string) *ipState {
	st, ok := rl.states[ip]
	if !ok {
		st = &ipState{}
		rl.states[ip] = st
	}
	return st
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.sweep()
	}
}

// sweep expires stale failure history and bans, drops idle records, and
// refreshes the banned-IP gauge.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.config.FailedAttemptWindow)
	banned := 0

	for ip, st := range rl.states {
		st.pruneFailures(cutoff)
		if !st.banExpiry.IsZero() && now.After(st.banExpiry) {
			st.banExpiry = time.Time{}
		}
		if st.banned(now) {
			banned++
		}
		if st.idle() {
			delete(rl.states, ip)
		}
	}

	rateLimitedIPsGauge.Set(float64(banned))
}
