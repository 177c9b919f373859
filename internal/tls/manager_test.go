package tls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/config"
)

func TestDevelopmentFallsBackToSelfSigned(t *testing.T) {
	m, err := NewTLSManager(config.ServerConfig{}, true)
	require.NoError(t, err)
	assert.Nil(t, m.GetAutocertManager())

	cert, err := m.GetTLSConfig().GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.NoError(t, cert.Leaf.VerifyHostname("localhost"))
	assert.NoError(t, cert.Leaf.VerifyHostname("127.0.0.1"))
}

func TestProductionRequiresACertificateSource(t *testing.T) {
	_, err := NewTLSManager(config.ServerConfig{}, false)
	assert.Error(t, err)

	_, err = NewTLSManager(config.ServerConfig{AutoCert: true}, false)
	assert.Error(t, err, "autocert without a domain")

	_, err = NewTLSManager(config.ServerConfig{CertFile: "missing.pem", KeyFile: "missing.key"}, false)
	assert.Error(t, err)
}

func TestAutoCertManager(t *testing.T) {
	m, err := NewTLSManager(config.ServerConfig{
		AutoCert:    true,
		Domain:      "auth.example.com",
		AutoCertDir: t.TempDir(),
	}, false)
	require.NoError(t, err)
	assert.NotNil(t, m.GetAutocertManager())
}
