package provision

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// =============================================================================
// Certificate Provisioning
// =============================================================================

const (
	caCertFile   = "ca.pem"
	caKeyFile    = "ca-key.pem"
	leafCertFile = "server.pem"
	leafKeyFile  = "server-key.pem"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 825 * 24 * time.Hour
)

// CertResult reports where the certificate material lives and which parts
// were reused from a previous run.
type CertResult struct {
	CACertPath string
	CertPath   string
	KeyPath    string
	CAReused   bool
	LeafReused bool
}

// EnsureCertificates establishes the self-signed CA and the leaf
// certificate under dir. The CA is generated once and reused for its whole
// lifetime. The leaf is regenerated only when missing or expired; its
// Subject Alternative Names cover the local deployment domain, localhost,
// and the host's primary address.
func EnsureCertificates(dir, domain string, now time.Time) (*CertResult, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	result := &CertResult{
		CACertPath: filepath.Join(dir, caCertFile),
		CertPath:   filepath.Join(dir, leafCertFile),
		KeyPath:    filepath.Join(dir, leafKeyFile),
	}
	caKeyPath := filepath.Join(dir, caKeyFile)

	caCert, caKey, reused, err := ensureCA(result.CACertPath, caKeyPath, now)
	if err != nil {
		return nil, fmt.Errorf("certificate authority: %w", err)
	}
	result.CAReused = reused

	leafReused, err := ensureLeaf(result.CertPath, result.KeyPath, caCert, caKey, domain, now)
	if err != nil {
		return nil, fmt.Errorf("leaf certificate: %w", err)
	}
	result.LeafReused = leafReused

	return result, nil
}

// =============================================================================
// Certificate Authority
// =============================================================================

func ensureCA(certPath, keyPath string, now time.Time) (*x509.Certificate, *ecdsa.PrivateKey, bool, error) {
	if cert, key, err := loadCertAndKey(certPath, keyPath); err == nil && now.Before(cert.NotAfter) {
		return cert, key, true, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, false, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, false, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "secstack deployment CA",
			Organization: []string{"secstack"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, false, err
	}
	if err := writeCertAndKey(certPath, keyPath, der, key); err != nil {
		return nil, nil, false, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, false, err
	}
	return cert, key, false, nil
}

// =============================================================================
// Leaf Certificate
// =============================================================================

func ensureLeaf(certPath, keyPath string, caCert *x509.Certificate, caKey *ecdsa.PrivateKey, domain string, now time.Time) (bool, error) {
	// Reuse only a leaf that is unexpired AND signed by the current CA; a
	// regenerated CA orphans any earlier leaf.
	if cert, _, err := loadCertAndKey(certPath, keyPath); err == nil &&
		now.Before(cert.NotAfter) &&
		cert.CheckSignatureFrom(caCert) == nil {
		return true, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return false, err
	}

	serial, err := randomSerial()
	if err != nil {
		return false, err
	}

	dnsNames := []string{"localhost"}
	if domain != "" {
		dnsNames = append([]string{domain, "*." + domain}, dnsNames...)
	}
	ips := []net.IP{net.ParseIP("127.0.0.1")}
	if primary := primaryHostIP(); primary != nil {
		ips = append(ips, primary)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   domain,
			Organization: []string{"secstack"},
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return false, err
	}
	return false, writeCertAndKey(certPath, keyPath, der, key)
}

// primaryHostIP returns the host's first global unicast IPv4 address, or
// nil when none is found. The certificate still covers loopback either way.
func primaryHostIP() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip != nil && ip.IsGlobalUnicast() {
			return ip
		}
	}
	return nil
}

// =============================================================================
// PEM Persistence
// =============================================================================

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func loadCertAndKey(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, errors.New("no PEM data in certificate file")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("no PEM data in key file")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func writeCertAndKey(certPath, keyPath string, der []byte, key *ecdsa.PrivateKey) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(keyPath, keyPEM, 0o600)
}
