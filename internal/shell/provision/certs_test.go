package provision

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadCertFile(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestEnsureCertificates_GeneratesChain(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	result, err := EnsureCertificates(dir, "secstack.local", now)
	require.NoError(t, err)
	assert.False(t, result.CAReused)
	assert.False(t, result.LeafReused)

	ca := loadCertFile(t, result.CACertPath)
	assert.True(t, ca.IsCA)
	assert.Equal(t, "secstack deployment CA", ca.Subject.CommonName)

	leaf := loadCertFile(t, result.CertPath)
	assert.False(t, leaf.IsCA)
	assert.Contains(t, leaf.DNSNames, "secstack.local")
	assert.Contains(t, leaf.DNSNames, "*.secstack.local")
	assert.Contains(t, leaf.DNSNames, "localhost")

	hasLoopback := false
	for _, ip := range leaf.IPAddresses {
		if ip.String() == "127.0.0.1" {
			hasLoopback = true
		}
	}
	assert.True(t, hasLoopback, "leaf must cover 127.0.0.1")

	// The leaf must verify against the generated CA.
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "secstack.local"})
	assert.NoError(t, err)
}

func TestEnsureCertificates_ReusesValidMaterial(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	first, err := EnsureCertificates(dir, "secstack.local", now)
	require.NoError(t, err)
	firstLeaf, err := os.ReadFile(first.CertPath)
	require.NoError(t, err)

	second, err := EnsureCertificates(dir, "secstack.local", now)
	require.NoError(t, err)
	assert.True(t, second.CAReused)
	assert.True(t, second.LeafReused)

	secondLeaf, err := os.ReadFile(second.CertPath)
	require.NoError(t, err)
	assert.Equal(t, firstLeaf, secondLeaf)
}

func TestEnsureCertificates_RegeneratesExpiredLeaf(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	first, err := EnsureCertificates(dir, "secstack.local", now)
	require.NoError(t, err)
	firstLeaf, err := os.ReadFile(first.CertPath)
	require.NoError(t, err)

	// Far enough in the future that the leaf is expired but the CA is not.
	later := now.Add(2 * leafValidity)
	second, err := EnsureCertificates(dir, "secstack.local", later)
	require.NoError(t, err)
	assert.True(t, second.CAReused)
	assert.False(t, second.LeafReused)

	secondLeaf, err := os.ReadFile(second.CertPath)
	require.NoError(t, err)
	assert.NotEqual(t, firstLeaf, secondLeaf)
}

func TestEnsureCertificates_LeafRegeneratedWithNewCA(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	first, err := EnsureCertificates(dir, "secstack.local", now)
	require.NoError(t, err)

	// A removed CA is regenerated; the still-unexpired leaf no longer
	// chains to it and must not be reused.
	require.NoError(t, os.Remove(first.CACertPath))
	require.NoError(t, os.Remove(filepath.Join(dir, caKeyFile)))

	second, err := EnsureCertificates(dir, "secstack.local", now)
	require.NoError(t, err)
	assert.False(t, second.CAReused)
	assert.False(t, second.LeafReused)

	ca := loadCertFile(t, second.CACertPath)
	leaf := loadCertFile(t, second.CertPath)
	assert.NoError(t, leaf.CheckSignatureFrom(ca))
}

func TestEnsureCertificates_KeyPermissions(t *testing.T) {
	dir := t.TempDir()

	result, err := EnsureCertificates(dir, "secstack.local", time.Now())
	require.NoError(t, err)

	info, err := os.Stat(result.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	caKey := filepath.Join(dir, caKeyFile)
	info, err = os.Stat(caKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
