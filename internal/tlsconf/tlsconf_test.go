package tlsconf

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSigned(t *testing.T) {
	cert, err := SelfSigned([]string{"example.test", "10.0.0.1"}, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, []string{"example.test"}, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", cert.Leaf.IPAddresses[0].String())
	assert.NoError(t, cert.Leaf.VerifyHostname("example.test"))
}

func TestServerConfig_SelfSigned(t *testing.T) {
	cfg, err := ServerConfig(Options{SelfSigned: true})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Contains(t, cfg.NextProtos, "h2")
	assert.NoError(t, cfg.Certificates[0].Leaf.VerifyHostname("localhost"))
}

func TestServerConfig_FromFiles(t *testing.T) {
	cert, err := SelfSigned(nil, time.Hour)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)

	dir := t.TempDir()
	crtPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(crtPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	cfg, err := ServerConfig(Options{CrtPath: crtPath, KeyPath: keyPath})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}

func TestServerConfig_Errors(t *testing.T) {
	_, err := ServerConfig(Options{})
	assert.Error(t, err)

	_, err = ServerConfig(Options{CrtPath: "/nope.crt", KeyPath: "/nope.key"})
	assert.Error(t, err)
}
