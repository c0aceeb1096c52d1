package server

import (
	"net"
	"testing"
	"time"
)

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 54321}
}

func newTestLimiter() *RateLimiter {
	return NewRateLimiter(RateLimitConfig{
		MaxFailedAttempts:   3,
		FailedAttemptWindow: time.Minute,
		BanDuration:         time.Minute,
		MaxConnectionsPerIP: 2,
	})
}

func TestRateLimiterAllowsNormalTraffic(t *testing.T) {
	rl := newTestLimiter()
	addr := tcpAddr("10.0.0.1")

	if msg := rl.CheckConnection(addr); msg != "" {
		t.Fatalf("fresh IP should be allowed, got %q", msg)
	}
	if !rl.RegisterConnection(addr) {
		t.Fatalf("fresh IP should register")
	}
	rl.UnregisterConnection(addr)
}

func TestRateLimiterBansAfterFailedAuth(t *testing.T) {
	rl := newTestLimiter()
	addr := tcpAddr("10.0.0.2")

	if rl.RecordFailedAuth(addr) {
		t.Fatalf("first failure should not ban")
	}
	if rl.RecordFailedAuth(addr) {
		t.Fatalf("second failure should not ban")
	}
	if !rl.RecordFailedAuth(addr) {
		t.Fatalf("third failure should ban")
	}

	if !rl.IsBanned(addr) {
		t.Fatalf("IP should be banned")
	}
	if msg := rl.CheckConnection(addr); msg == "" {
		t.Fatalf("banned IP should be rejected")
	}
	if rl.RegisterConnection(addr) {
		t.Fatalf("banned IP should not register")
	}

	// Other IPs are unaffected.
	other := tcpAddr("10.0.0.3")
	if rl.IsBanned(other) {
		t.Fatalf("unrelated IP should not be banned")
	}
}

func TestRateLimiterSuccessClearsFailures(t *testing.T) {
	rl := newTestLimiter()
	addr := tcpAddr("10.0.0.4")

	rl.RecordFailedAuth(addr)
	rl.RecordFailedAuth(addr)
	rl.RecordSuccessfulAuth(addr)

	// The counter restarts after a successful login.
	if rl.RecordFailedAuth(addr) {
		t.Fatalf("failure after success should start a fresh count")
	}
	if rl.IsBanned(addr) {
		t.Fatalf("IP should not be banned")
	}
}

func TestRateLimiterConnectionCap(t *testing.T) {
	rl := newTestLimiter()
	addr := tcpAddr("10.0.0.5")

	if !rl.RegisterConnection(addr) || !rl.RegisterConnection(addr) {
		t.Fatalf("connections under the cap should register")
	}
	if rl.RegisterConnection(addr) {
		t.Fatalf("connection over the cap should be rejected")
	}
	if msg := rl.CheckConnection(addr); msg == "" {
		t.Fatalf("IP at the cap should be rejected")
	}

	rl.UnregisterConnection(addr)
	if !rl.RegisterConnection(addr) {
		t.Fatalf("slot should free up after unregister")
	}
}

func TestRateLimiterBanExpiry(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		MaxFailedAttempts:   1,
		FailedAttemptWindow: time.Minute,
		BanDuration:         10 * time.Millisecond,
		MaxConnectionsPerIP: 0,
	})
	addr := tcpAddr("10.0.0.6")

	if !rl.RecordFailedAuth(addr) {
		t.Fatalf("single failure should ban with threshold 1")
	}
	if !rl.IsBanned(addr) {
		t.Fatalf("IP should be banned")
	}

	time.Sleep(20 * time.Millisecond)
	if rl.IsBanned(addr) {
		t.Fatalf("ban should expire")
	}
	if msg := rl.CheckConnection(addr); msg != "" {
		t.Fatalf("expired ban should allow connections, got %q", msg)
	}
}

func TestRateLimiterSweepDropsIdleRecords(t *testing.T) {
	rl := newTestLimiter()
	addr := tcpAddr("10.0.0.7")

	rl.RegisterConnection(addr)
	rl.UnregisterConnection(addr)
	rl.sweep()

	rl.mu.Lock()
	n := len(rl.states)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("idle records should be swept, %d remain", n)
	}
}

func TestRateLimiterNoAddr(t *testing.T) {
	rl := newTestLimiter()

	if msg := rl.CheckConnection(nil); msg != "" {
		t.Fatalf("nil addr should be allowed, got %q", msg)
	}
	if !rl.RegisterConnection(nil) {
		t.Fatalf("nil addr should register")
	}
	if rl.RecordFailedAuth(nil) {
		t.Fatalf("nil addr should not ban")
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		addr net.Addr
		want string
	}{
		{tcpAddr("10.0.0.8"), "10.0.0.8"},
		{&net.TCPAddr{IP: net.ParseIP("::1"), Port: 5432}, "::1"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := clientIP(tc.addr); got != tc.want {
			t.Fatalf("clientIP(%v) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
