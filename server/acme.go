package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// ACMEManager obtains and renews Let's Encrypt certificates for the
// server's TLS listener. HTTP-01 challenges are answered by a small HTTP
// server it runs on the side.
type ACMEManager struct {
	certs     *autocert.Manager
	challenge *http.Server
	domain    string
}

// NewACMEManager provisions certificates for domain, persisting them in
// cacheDir across restarts. httpAddr is where HTTP-01 challenges are
// served; it must be reachable as port 80 for the domain.
func NewACMEManager(domain, email, cacheDir, httpAddr string) (*ACMEManager, error) {
	if cacheDir == "" {
		cacheDir = "./certs/acme"
	}
	if httpAddr == "" {
		httpAddr = ":80"
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, err
	}

	certs := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cacheDir),
		HostPolicy: autocert.HostWhitelist(domain),
		Email:      email,
	}

	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, err
	}
	challenge := &http.Server{
		Handler:           certs.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := challenge.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("ACME HTTP challenge server error.", "error", err)
		}
	}()

	slog.Info("ACME enabled.", "domain", domain, "cache_dir", cacheDir, "http_addr", httpAddr)
	return &ACMEManager{certs: certs, challenge: challenge, domain: domain}, nil
}

// TLSConfig returns a tls.Config whose certificates are fetched and
// renewed through ACME on demand.
func (a *ACMEManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.certs.GetCertificate,
	}
}

// Close shuts down the HTTP challenge listener.
func (a *ACMEManager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.challenge.Shutdown(ctx)
}
