// Package tls serves the API directly over HTTPS when no terminating proxy
// sits in front of it.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/acme/autocert"

	"auth-core/internal/config"
	"auth-core/internal/util"
)

// TLSManager picks one certificate source at startup: ACME, files on disk,
// or (development only) a throwaway self-signed pair.
type TLSManager struct {
	autoCert *autocert.Manager
	static   *tls.Certificate
}

func NewTLSManager(cfg config.ServerConfig, isDev bool) (*TLSManager, error) {
	m := &TLSManager{}

	switch {
	case cfg.AutoCert:
		if cfg.Domain == "" {
			return nil, errors.New("AUTO_CERT requires DOMAIN")
		}
		if err := os.MkdirAll(cfg.AutoCertDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Cache:      autocert.DirCache(cfg.AutoCertDir),
			Email:      cfg.Email,
		}
		util.Info("AutoCert configured",
			util.String("domain", cfg.Domain),
			util.String("cache_dir", cfg.AutoCertDir))

	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		m.static = &cert

	case isDev:
		cert, err := selfSignedCertificate([]string{"localhost", "127.0.0.1", "::1"})
		if err != nil {
			return nil, err
		}
		m.static = &cert
		util.Warn("Serving a self-signed development certificate")

	default:
		return nil, errors.New("ENABLE_TLS requires AUTO_CERT or TLS_CERT_FILE and TLS_KEY_FILE")
	}

	return m, nil
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		return m.autoCert.GetCertificate(hello)
	}
	return m.static, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// GetAutocertManager is nil unless ACME is in use.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
