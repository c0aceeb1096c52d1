package main

import (
	"strconv"
	"time"

	"github.com/wiregres/wiregres/server"
)

type configCLIInputs struct {
	Set map[string]bool

	Host          string
	Port          int
	CertFile      string
	KeyFile       string
	RequireTLS    bool
	BackendDriver string
	BackendDSN    string
	MetricsAddr   string
	IdleTimeout   string
	ACMEDomain    string
	ACMEEmail     string
	ACMECacheDir  string
}

type resolvedConfig struct {
	Server server.Config
}

func defaultServerConfig() server.Config {
	return server.Config{
		Host: "0.0.0.0",
		Port: 5432,
		Users: map[string]string{
			"postgres": "postgres",
		},
		Backend: server.BackendConfig{
			Driver: "postgres",
		},
	}
}

// resolveEffectiveConfig merges the config file, environment variables
// and CLI flags into a server.Config. Precedence is CLI > env > file >
// defaults. cli.Set marks which flags were explicitly passed.
func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) resolvedConfig {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	cfg := defaultServerConfig()

	if fileCfg != nil {
		if fileCfg.Host != "" {
			cfg.Host = fileCfg.Host
		}
		if fileCfg.Port != 0 {
			cfg.Port = fileCfg.Port
		}
		if fileCfg.TLS.Cert != "" {
			cfg.TLSCertFile = fileCfg.TLS.Cert
		}
		if fileCfg.TLS.Key != "" {
			cfg.TLSKeyFile = fileCfg.TLS.Key
		}
		if fileCfg.TLS.Require != nil {
			cfg.RequireTLS = *fileCfg.TLS.Require
		}
		if len(fileCfg.Users) > 0 {
			cfg.Users = fileCfg.Users
		}

		if fileCfg.RateLimit.MaxFailedAttempts > 0 {
			cfg.RateLimit.MaxFailedAttempts = fileCfg.RateLimit.MaxFailedAttempts
		}
		if fileCfg.RateLimit.MaxConnectionsPerIP > 0 {
			cfg.RateLimit.MaxConnectionsPerIP = fileCfg.RateLimit.MaxConnectionsPerIP
		}
		if fileCfg.RateLimit.FailedAttemptWindow != "" {
			if d, err := time.ParseDuration(fileCfg.RateLimit.FailedAttemptWindow); err == nil {
				cfg.RateLimit.FailedAttemptWindow = d
			} else {
				warn("Invalid failed_attempt_window duration: " + err.Error())
			}
		}
		if fileCfg.RateLimit.BanDuration != "" {
			if d, err := time.ParseDuration(fileCfg.RateLimit.BanDuration); err == nil {
				cfg.RateLimit.BanDuration = d
			} else {
				warn("Invalid ban_duration duration: " + err.Error())
			}
		}

		if fileCfg.Backend.Driver != "" {
			cfg.Backend.Driver = fileCfg.Backend.Driver
		}
		if fileCfg.Backend.DSN != "" {
			cfg.Backend.DSN = fileCfg.Backend.DSN
		}
		if fileCfg.MetricsAddr != "" {
			cfg.MetricsAddr = fileCfg.MetricsAddr
		}
		if fileCfg.IdleTimeout != "" {
			if d, err := time.ParseDuration(fileCfg.IdleTimeout); err == nil {
				cfg.IdleTimeout = d
			} else {
				warn("Invalid idle_timeout duration: " + err.Error())
			}
		}
		if fileCfg.ShutdownTimeout != "" {
			if d, err := time.ParseDuration(fileCfg.ShutdownTimeout); err == nil {
				cfg.ShutdownTimeout = d
			} else {
				warn("Invalid shutdown_timeout duration: " + err.Error())
			}
		}

		if fileCfg.TLS.ACME.Domain != "" {
			cfg.ACMEDomain = fileCfg.TLS.ACME.Domain
		}
		if fileCfg.TLS.ACME.Email != "" {
			cfg.ACMEEmail = fileCfg.TLS.ACME.Email
		}
		if fileCfg.TLS.ACME.CacheDir != "" {
			cfg.ACMECacheDir = fileCfg.TLS.ACME.CacheDir
		}
	}

	if v := getenv("WIREGRES_HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("WIREGRES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		} else {
			warn("Invalid WIREGRES_PORT: " + err.Error())
		}
	}
	if v := getenv("WIREGRES_CERT"); v != "" {
		cfg.TLSCertFile = v
	}
	if v := getenv("WIREGRES_KEY"); v != "" {
		cfg.TLSKeyFile = v
	}
	if v := getenv("WIREGRES_REQUIRE_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RequireTLS = b
		} else {
			warn("Invalid WIREGRES_REQUIRE_TLS: " + err.Error())
		}
	}
	if v := getenv("WIREGRES_BACKEND_DRIVER"); v != "" {
		cfg.Backend.Driver = v
	}
	if v := getenv("WIREGRES_BACKEND_DSN"); v != "" {
		cfg.Backend.DSN = v
	}
	if v := getenv("WIREGRES_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("WIREGRES_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = d
		} else {
			warn("Invalid WIREGRES_IDLE_TIMEOUT duration: " + err.Error())
		}
	}
	if v := getenv("WIREGRES_ACME_DOMAIN"); v != "" {
		cfg.ACMEDomain = v
	}
	if v := getenv("WIREGRES_ACME_EMAIL"); v != "" {
		cfg.ACMEEmail = v
	}
	if v := getenv("WIREGRES_ACME_CACHE_DIR"); v != "" {
		cfg.ACMECacheDir = v
	}

	if cli.Set["host"] {
		cfg.Host = cli.Host
	}
	if cli.Set["port"] {
		cfg.Port = cli.Port
	}
	if cli.Set["cert"] {
		cfg.TLSCertFile = cli.CertFile
	}
	if cli.Set["key"] {
		cfg.TLSKeyFile = cli.KeyFile
	}
	if cli.Set["require-tls"] {
		cfg.RequireTLS = cli.RequireTLS
	}
	if cli.Set["backend-driver"] {
		cfg.Backend.Driver = cli.BackendDriver
	}
	if cli.Set["backend-dsn"] {
		cfg.Backend.DSN = cli.BackendDSN
	}
	if cli.Set["metrics-addr"] {
		cfg.MetricsAddr = cli.MetricsAddr
	}
	if cli.Set["idle-timeout"] {
		if d, err := time.ParseDuration(cli.IdleTimeout); err == nil {
			cfg.IdleTimeout = d
		} else {
			warn("Invalid --idle-timeout duration: " + err.Error())
		}
	}
	if cli.Set["acme-domain"] {
		cfg.ACMEDomain = cli.ACMEDomain
	}
	if cli.Set["acme-email"] {
		cfg.ACMEEmail = cli.ACMEEmail
	}
	if cli.Set["acme-cache-dir"] {
		cfg.ACMECacheDir = cli.ACMECacheDir
	}

	return resolvedConfig{
		Server: cfg,
	}
}
