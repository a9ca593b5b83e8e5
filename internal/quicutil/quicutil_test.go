package quicutil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("dtp.test", "10.0.0.1")
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"dtp.test"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", cert.IPAddresses[0].String())

	cfg, err := MakeTLSConfig(certPEM, keyPEM, []string{"dtp/1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dtp/1"}, cfg.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestLoadServerTLS(t *testing.T) {
	cfg, err := LoadServerTLS("", "", nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	certPEM, keyPEM, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	cfg, err = LoadServerTLS(certFile, keyFile, []string{"dtp/1"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	_, err = LoadServerTLS(filepath.Join(dir, "missing.pem"), keyFile, nil)
	assert.Error(t, err)
}

func TestMakeClientTLSConfig(t *testing.T) {
	cfg := MakeClientTLSConfig("example.org", []string{"dtp/1"}, true)
	assert.Equal(t, "example.org", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]byte("secret"), "conn-id")
	require.NoError(t, err)
	b, err := DeriveKey([]byte("secret"), "conn-id")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := DeriveKey([]byte("secret"), "other")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	r1, err := DeriveKey(nil, "conn-id")
	require.NoError(t, err)
	r2, err := DeriveKey(nil, "conn-id")
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
}
