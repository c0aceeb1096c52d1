package server

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewRequiresBackendOrExecutor(t *testing.T) {
	_, err := New(Config{Users: map[string]string{"u": "p"}})
	if err == nil {
		t.Fatalf("expected error when no backend is configured")
	}
	if !strings.Contains(err.Error(), "no executor configured") {
		t.Fatalf("unexpected error: %v", err)
	}

	srv, err := New(Config{Users: map[string]string{"u": "p"}}, WithExecutor(newMemExecutor()))
	if err != nil {
		t.Fatalf("New with executor: %v", err)
	}
	_ = srv.Close()
}

func TestNewRejectsMissingTLSFiles(t *testing.T) {
	_, err := New(Config{
		Users:       map[string]string{"u": "p"},
		TLSCertFile: "/nonexistent/server.crt",
		TLSKeyFile:  "/nonexistent/server.key",
	}, WithExecutor(newMemExecutor()))
	if err == nil {
		t.Fatalf("expected error for missing TLS files")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	srv, err := New(Config{Users: map[string]string{"u": "p"}}, WithExecutor(newMemExecutor()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	if srv.cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("default shutdown timeout mismatch: %s", srv.cfg.ShutdownTimeout)
	}
	if srv.cfg.IdleTimeout != 24*time.Hour {
		t.Fatalf("default idle timeout mismatch: %s", srv.cfg.IdleTimeout)
	}
	if srv.cfg.RateLimit.MaxFailedAttempts == 0 {
		t.Fatalf("rate limit defaults not applied")
	}
}

func TestNewDisablesIdleTimeout(t *testing.T) {
	srv, err := New(Config{
		Users:       map[string]string{"u": "p"},
		IdleTimeout: -1,
	}, WithExecutor(newMemExecutor()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	if srv.cfg.IdleTimeout != 0 {
		t.Fatalf("negative idle timeout should disable it, got %s", srv.cfg.IdleTimeout)
	}
}

func TestCancelRequestDispatch(t *testing.T) {
	srv, err := New(Config{Users: map[string]string{"u": "p"}}, WithExecutor(newMemExecutor()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	key := BackendKey{Pid: 7, SecretKey: 99}
	ctx, cancel := context.WithCancel(context.Background())
	srv.registerQuery(key, cancel)

	// Wrong secret is ignored silently.
	srv.handleCancelRequest(7, 1)
	select {
	case <-ctx.Done():
		t.Fatalf("mismatched secret should not cancel")
	default:
	}

	srv.handleCancelRequest(7, 99)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("matching cancel request should cancel the query")
	}

	srv.unregisterQuery(key)
}

func TestDefaultParameterStatusOrdering(t *testing.T) {
	first := defaultParameterStatus()
	second := defaultParameterStatus()

	if len(first) == 0 {
		t.Fatalf("parameter table should not be empty")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("parameter table not deterministic at %d", i)
		}
	}

	keys := map[string]bool{}
	for _, p := range first {
		if keys[p.key] {
			t.Fatalf("duplicate parameter %q", p.key)
		}
		keys[p.key] = true
	}
	for _, required := range []string{"server_version", "client_encoding", "server_encoding", "DateStyle", "integer_datetimes"} {
		if !keys[required] {
			t.Fatalf("missing required parameter %q", required)
		}
	}
}

func TestRedactConnectionString(t *testing.T) {
	in := "host=db user=app password=s3cret dbname=x"
	got := redactConnectionString(in)
	if strings.Contains(got, "s3cret") {
		t.Fatalf("password not redacted: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Fatalf("redaction marker missing: %q", got)
	}
}
