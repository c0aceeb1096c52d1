package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wiregres/wiregres/server"
	"gopkg.in/yaml.v3"
)

var version = "dev"

// FileConfig represents the YAML configuration file structure
type FileConfig struct {
	Host            string              `yaml:"host"`
	Port            int                 `yaml:"port"`
	TLS             TLSConfig           `yaml:"tls"`
	Users           map[string]string   `yaml:"users"`
	RateLimit       RateLimitFileConfig `yaml:"rate_limit"`
	Backend         BackendFileConfig   `yaml:"backend"`
	MetricsAddr     string              `yaml:"metrics_addr"`
	IdleTimeout     string              `yaml:"idle_timeout"`     // e.g., "1h"
	ShutdownTimeout string              `yaml:"shutdown_timeout"` // e.g., "30s"
}

type TLSConfig struct {
	Cert    string         `yaml:"cert"`
	Key     string         `yaml:"key"`
	Require *bool          `yaml:"require"`
	ACME    ACMEFileConfig `yaml:"acme"`
}

type ACMEFileConfig struct {
	Domain   string `yaml:"domain"`
	Email    string `yaml:"email"`
	CacheDir string `yaml:"cache_dir"`
}

type RateLimitFileConfig struct {
	MaxFailedAttempts   int    `yaml:"max_failed_attempts"`
	FailedAttemptWindow string `yaml:"failed_attempt_window"` // e.g., "5m"
	BanDuration         string `yaml:"ban_duration"`          // e.g., "15m"
	MaxConnectionsPerIP int    `yaml:"max_connections_per_ip"`
}

type BackendFileConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// loadConfigFile loads configuration from a YAML file
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func main() {
	configFile := flag.String("config", os.Getenv("WIREGRES_CONFIG"), "Path to YAML config file (env: WIREGRES_CONFIG)")
	host := flag.String("host", "", "Host to bind to (env: WIREGRES_HOST)")
	port := flag.Int("port", 0, "Port to listen on (env: WIREGRES_PORT)")
	certFile := flag.String("cert", "", "TLS certificate file (env: WIREGRES_CERT)")
	keyFile := flag.String("key", "", "TLS private key file (env: WIREGRES_KEY)")
	requireTLS := flag.Bool("require-tls", false, "Reject clients that do not upgrade to TLS (env: WIREGRES_REQUIRE_TLS)")
	backendDriver := flag.String("backend-driver", "", "database/sql driver for the backend (env: WIREGRES_BACKEND_DRIVER)")
	backendDSN := flag.String("backend-dsn", "", "Backend connection string (env: WIREGRES_BACKEND_DSN)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address, e.g. :9090 (env: WIREGRES_METRICS_ADDR)")
	idleTimeout := flag.String("idle-timeout", "", "Connection idle timeout, e.g. 1h (env: WIREGRES_IDLE_TIMEOUT)")
	acmeDomain := flag.String("acme-domain", "", "Domain for ACME/Let's Encrypt certificates (env: WIREGRES_ACME_DOMAIN)")
	acmeEmail := flag.String("acme-email", "", "Contact email for ACME registration (env: WIREGRES_ACME_EMAIL)")
	acmeCacheDir := flag.String("acme-cache-dir", "", "Cache directory for ACME certificates (env: WIREGRES_ACME_CACHE_DIR)")
	shell := flag.Bool("shell", false, "Run an interactive SQL shell against the backend instead of serving")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Wiregres - PostgreSQL wire protocol frontend for SQL backends\n\n")
		fmt.Fprintf(os.Stderr, "Usage: wiregres [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	server.SetProcessVersion(version)
	shutdownLogging := initLogging()
	defer shutdownLogging()

	var fileCfg *FileConfig
	if *configFile != "" {
		loaded, err := loadConfigFile(*configFile)
		if err != nil {
			slog.Error("Failed to load config file.", "path", *configFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded configuration.", "path", *configFile)
		fileCfg = loaded
	}

	cliSet := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { cliSet[f.Name] = true })

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{
		Set:           cliSet,
		Host:          *host,
		Port:          *port,
		CertFile:      *certFile,
		KeyFile:       *keyFile,
		RequireTLS:    *requireTLS,
		BackendDriver: *backendDriver,
		BackendDSN:    *backendDSN,
		MetricsAddr:   *metricsAddr,
		IdleTimeout:   *idleTimeout,
		ACMEDomain:    *acmeDomain,
		ACMEEmail:     *acmeEmail,
		ACMECacheDir:  *acmeCacheDir,
	}, os.Getenv, func(msg string) {
		slog.Warn(msg)
	})
	cfg := resolved.Server

	// Static TLS paths get a self-signed certificate generated on first
	// run so local setups work out of the box.
	if cfg.ACMEDomain == "" && cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		if err := server.EnsureCertificates(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			slog.Error("Failed to ensure TLS certificates.", "error", err)
			os.Exit(1)
		}
	}

	if *shell {
		db, err := sql.Open(cfg.Backend.Driver, cfg.Backend.DSN)
		if err != nil {
			slog.Error("Failed to open backend database.", "error", err)
			os.Exit(1)
		}
		exec := server.NewSQLExecutor(db)
		defer exec.Close()
		server.RunShell(exec)
		return
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server.", "error", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("Metrics listener started.", "addr", cfg.MetricsAddr)
			metricsSrv := &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics listener error.", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutting down.")
		_ = srv.Close()
		shutdownLogging()
		os.Exit(0)
	}()

	slog.Info("Starting wiregres.", "host", cfg.Host, "port", cfg.Port, "version", version)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("Server error.", "error", err)
		os.Exit(1)
	}
}
