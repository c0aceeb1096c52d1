package server

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// processVersion is set from main() via SetProcessVersion. Defaults to "dev".
var processVersion = "dev"

// SetProcessVersion sets the version string for this process. Called from main().
func SetProcessVersion(v string) { processVersion = v }

// ProcessVersion returns the version string for this process.
func ProcessVersion() string { return processVersion }

// redactConnectionString removes sensitive information (passwords) from connection strings for logging
var passwordPattern = regexp.MustCompile(`(?i)(password\s*[=:]\s*)([^\s]+)`)

func redactConnectionString(connStr string) string {
	return passwordPattern.ReplaceAllString(connStr, "${1}[REDACTED]")
}

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wiregres_connections_open",
	Help: "Number of currently open client connections",
})

var queryDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "wiregres_query_duration_seconds",
	Help:    "Query execution duration in seconds",
	Buckets: prometheus.DefBuckets,
})

var queryErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wiregres_query_errors_total",
	Help: "Total number of failed queries",
})

var authFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wiregres_auth_failures_total",
	Help: "Total number of authentication failures",
})

var rateLimitRejectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wiregres_rate_limit_rejects_total",
	Help: "Total number of connections rejected due to rate limiting",
})

var rateLimitedIPsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wiregres_rate_limited_ips",
	Help: "Number of currently rate-limited IP addresses",
})

var queryCancellationsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wiregres_query_cancellations_total",
	Help: "Total number of queries cancelled via cancel request",
})

// BackendKey uniquely identifies a backend connection for cancel requests
type BackendKey struct {
	Pid       int32
	SecretKey int32
}

// BackendConfig selects the database/sql driver that serves queries when no
// custom Executor is provided.
type BackendConfig struct {
	Driver string // e.g. "postgres"
	DSN    string
}

type Config struct {
	Host string
	Port int

	Users map[string]string // username -> password

	// TLS configuration. When neither static files nor ACME are configured
	// the server declines SSLRequest and clients continue in plaintext.
	TLSCertFile string // Path to TLS certificate file
	TLSKeyFile  string // Path to TLS private key file

	// RequireTLS rejects clients that do not upgrade to TLS during startup.
	// Only meaningful when TLS is configured.
	RequireTLS bool

	// ACME/Let's Encrypt configuration (alternative to static TLS cert/key)
	ACMEDomain   string // Domain for ACME certificate
	ACMEEmail    string // Contact email for Let's Encrypt notifications
	ACMECacheDir string // Directory for cached certificates (default: "./certs/acme")

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Backend database reached through database/sql.
	Backend BackendConfig

	// MetricsAddr exposes Prometheus metrics over HTTP when non-empty,
	// e.g. ":9090". Served from main.
	MetricsAddr string

	// Graceful shutdown timeout (default: 30s)
	ShutdownTimeout time.Duration

	// IdleTimeout is the maximum time a connection can be idle before being closed.
	// Default: 24 hours. Set to a negative value (e.g., -1) to disable.
	IdleTimeout time.Duration
}

// statusParam is one entry of the startup ParameterStatus table.
type statusParam struct {
	key   string
	value string
}

// defaultParameterStatus is the fixed table sent to every client after
// authentication. Order matters: clients see an identical sequence on
// every connection.
func defaultParameterStatus() []statusParam {
	return []statusParam{
		{"application_name", ""},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO"},
		{"integer_datetimes", "on"},
		{"IntervalStyle", "postgres"},
		{"is_superuser", "on"},
		{"server_encoding", "UTF8"},
		{"server_version", "13.0"},
		{"standard_conforming_strings", "on"},
		{"TimeZone", "UTC"},
	}
}

type Server struct {
	cfg         Config
	listener    net.Listener
	tlsConfig   *tls.Config
	rateLimiter *RateLimiter
	wg          sync.WaitGroup
	closed      bool
	closeMu     sync.Mutex
	activeConns int64 // atomic counter for active connections

	auth     Authenticator
	executor Executor
	rewriter Rewriter
	ownsExec bool // executor was built from cfg.Backend and is closed with the server

	parameterStatus []statusParam

	nextPid int32 // atomic

	// Query cancellation tracking
	activeQueries   map[BackendKey]context.CancelFunc
	activeQueriesMu sync.RWMutex

	// ACME manager for Let's Encrypt certificates (nil when using static certs)
	acmeManager *ACMEManager
}

// Option customizes a Server beyond what Config covers.
type Option func(*Server)

// WithExecutor installs a custom query backend in place of the
// database/sql one built from Config.Backend.
func WithExecutor(e Executor) Option {
	return func(s *Server) { s.executor = e }
}

// WithAuthenticator replaces the static user-map authenticator.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithRewriter installs a statement rewriter applied to every incoming
// query before classification and execution.
func WithRewriter(r Rewriter) Option {
	return func(s *Server) { s.rewriter = r }
}

func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.RateLimit.MaxFailedAttempts == 0 {
		cfg.RateLimit = DefaultRateLimitConfig()
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	// Negative value means explicitly disabled (set to 0)
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 24 * time.Hour
	} else if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}

	s := &Server{
		cfg:             cfg,
		rateLimiter:     NewRateLimiter(cfg.RateLimit),
		activeQueries:   make(map[BackendKey]context.CancelFunc),
		parameterStatus: defaultParameterStatus(),
	}

	// Configure TLS: ACME (Let's Encrypt), static certificate files, or none.
	switch {
	case cfg.ACMEDomain != "":
		mgr, err := NewACMEManager(cfg.ACMEDomain, cfg.ACMEEmail, cfg.ACMECacheDir, ":80")
		if err != nil {
			return nil, fmt.Errorf("failed to start ACME manager: %w", err)
		}
		s.acmeManager = mgr
		s.tlsConfig = mgr.TLSConfig()
		slog.Info("TLS enabled via ACME/Let's Encrypt.", "domain", cfg.ACMEDomain)
	case cfg.TLSCertFile != "" && cfg.TLSKeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
		slog.Info("TLS enabled.", "cert_file", cfg.TLSCertFile)
	default:
		slog.Info("TLS disabled. SSLRequest will be declined.")
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.auth == nil {
		s.auth = NewStaticAuthenticator(cfg.Users)
	}
	if s.rewriter == nil {
		s.rewriter = identityRewriter{}
	}
	if s.executor == nil {
		if cfg.Backend.Driver == "" || cfg.Backend.DSN == "" {
			return nil, fmt.Errorf("no executor configured: set backend.driver and backend.dsn or pass WithExecutor")
		}
		db, err := sql.Open(cfg.Backend.Driver, cfg.Backend.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open backend database: %w", err)
		}
		s.executor = NewSQLExecutor(db)
		s.ownsExec = true
		slog.Info("Backend database configured.", "driver", cfg.Backend.Driver, "dsn", redactConnectionString(cfg.Backend.DSN))

		// Probe the backend in the background; connections accepted before
		// it is reachable fail per-query instead of at accept time.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := RetryWithBackoff(ctx, 8, func() error { return db.PingContext(ctx) }); err != nil {
				slog.Warn("Backend database unreachable.", "error", err)
			}
		}()
	}

	slog.Info("Rate limiting enabled.", "max_failed_attempts", cfg.RateLimit.MaxFailedAttempts, "window", cfg.RateLimit.FailedAttemptWindow, "ban_duration", cfg.RateLimit.BanDuration)
	if cfg.IdleTimeout > 0 {
		slog.Info("Idle timeout enabled.", "timeout", cfg.IdleTimeout)
	} else {
		slog.Info("Idle timeout disabled.")
	}
	return s, nil
}

func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	slog.Info("Server listening.", "addr", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.closeMu.Lock()
			closed := s.closed
			s.closeMu.Unlock()
			if closed {
				return nil
			}
			slog.Error("Accept error.", "error", err)
			continue
		}

		// Enable TCP keepalive to detect dead connections
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Serve runs the accept loop over an existing listener. Used by tests
// and embedders that manage the listener themselves.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.closeMu.Lock()
			closed := s.closed
			s.closeMu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) Close() error {
	return s.shutdown(nil)
}

// Shutdown performs a graceful shutdown with the given context
func (s *Server) Shutdown(ctx context.Context) error {
	return s.shutdown(ctx)
}

func (s *Server) shutdown(ctx context.Context) error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	// Stop accepting new connections
	if s.listener != nil {
		_ = s.listener.Close()
	}

	activeConns := atomic.LoadInt64(&s.activeConns)
	if activeConns > 0 {
		slog.Info("Waiting for active connections to finish.", "count", activeConns)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var cancelled <-chan struct{}
	if ctx != nil {
		cancelled = ctx.Done()
	} else {
		timer := time.NewTimer(s.cfg.ShutdownTimeout)
		defer timer.Stop()
		cancelled = timerChan(timer)
	}

	select {
	case <-done:
		slog.Info("All connections closed gracefully.")
	case <-cancelled:
		slog.Warn("Shutdown deadline exceeded, abandoning remaining connections.")
	}

	// Shut down ACME HTTP challenge listener if active
	if s.acmeManager != nil {
		if err := s.acmeManager.Close(); err != nil {
			slog.Warn("ACME manager shutdown error.", "error", err)
		}
	}

	if s.ownsExec {
		if err := s.executor.Close(); err != nil {
			slog.Warn("Backend close error.", "error", err)
		}
	}

	slog.Info("Shutdown complete.")
	return nil
}

func timerChan(t *time.Timer) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-t.C
		close(ch)
	}()
	return ch
}

// ActiveConnections returns the number of active connections
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// registerQuery tracks a cancel function for a backend key so a cancel
// request on a second connection can interrupt the running query.
func (s *Server) registerQuery(key BackendKey, cancel context.CancelFunc) {
	s.activeQueriesMu.Lock()
	s.activeQueries[key] = cancel
	s.activeQueriesMu.Unlock()
}

// unregisterQuery removes the cancel function for a backend key.
func (s *Server) unregisterQuery(key BackendKey) {
	s.activeQueriesMu.Lock()
	delete(s.activeQueries, key)
	s.activeQueriesMu.Unlock()
}

// handleCancelRequest cancels the query identified by pid and secret, if
// one is running. Unknown or mismatched keys are ignored silently, as the
// cancel connection carries no response channel.
func (s *Server) handleCancelRequest(pid, secret int32) {
	key := BackendKey{Pid: pid, SecretKey: secret}
	s.activeQueriesMu.RLock()
	cancel, ok := s.activeQueries[key]
	s.activeQueriesMu.RUnlock()
	if !ok {
		slog.Debug("Cancel request for unknown backend.", "pid", pid)
		return
	}
	queryCancellationsCounter.Inc()
	slog.Info("Cancelling query via cancel request.", "pid", pid)
	cancel()
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr()

	// Check rate limiting before doing anything
	if msg := s.rateLimiter.CheckConnection(remoteAddr); msg != "" {
		slog.Warn("Connection rejected.", "remote_addr", remoteAddr, "reason", msg)
		rateLimitRejectsCounter.Inc()
		_ = conn.Close()
		return
	}

	if !s.rateLimiter.RegisterConnection(remoteAddr) {
		slog.Warn("Connection rejected: rate limit exceeded.", "remote_addr", remoteAddr)
		rateLimitRejectsCounter.Inc()
		_ = conn.Close()
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	connectionsGauge.Inc()
	defer func() {
		atomic.AddInt64(&s.activeConns, -1)
		connectionsGauge.Dec()
	}()

	defer func() {
		s.rateLimiter.UnregisterConnection(remoteAddr)
		_ = conn.Close()
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic in connection handler.",
				"remote_addr", remoteAddr, "panic", r)
		}
	}()

	c := &clientConn{
		server: s,
		conn:   conn,
		pid:    atomic.AddInt32(&s.nextPid, 1),
		secret: randomSecret(),
	}

	if err := c.serve(); err != nil {
		slog.Error("Connection error.", "error", err, "remote_addr", remoteAddr)
	}
}

func randomSecret() int32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return int32(time.Now().UnixNano())
	}
	return int32(binary.BigEndian.Uint32(b[:]))
}
