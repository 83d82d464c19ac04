// Package provision establishes the shared resources a deployment session
// needs before any service starts: the secret store, the certificate
// authority and leaf certificate, and the isolated deployment network.
//
// Provisioning is idempotent. Every resource follows the create-or-reuse
// lifecycle: an existing valid resource is reused untouched and never
// silently overwritten, so a failed session is always safe to retry.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opsforge/secstack/internal/core/catalog"
	"github.com/opsforge/secstack/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrProvisioning is the sentinel wrapped by Error.
var ErrProvisioning = errors.New("resource provisioning failed")

// Error is a fatal provisioning failure. Any Error aborts the session
// before service deployment begins.
type Error struct {
	Kind     domain.ResourceKind
	Identity string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning %s %s: %v", e.Kind, e.Identity, e.Err)
}

func (e *Error) Unwrap() error {
	return ErrProvisioning
}

func newError(kind domain.ResourceKind, identity string, err error) *Error {
	return &Error{Kind: kind, Identity: identity, Err: err}
}

// =============================================================================
// Provisioner
// =============================================================================

// Request describes everything the provisioner must establish.
type Request struct {
	SecretSlots []catalog.SecretSlot
	Domain      string // local deployment domain for the certificate SANs
	Network     NetworkRequest
}

// NetworkRequest describes the isolated deployment network.
type NetworkRequest struct {
	Name   string
	Subnet string
}

// Result is the full set of established resources.
type Result struct {
	Resources []domain.ProvisionedResource
	Secrets   map[string]string

	SecretStorePath string
	CACertPath      string
	CertPath        string
	KeyPath         string
	NetworkCreated  bool // false when an existing network was reused
}

// Provisioner creates the session's shared resources under a deployment
// root directory.
type Provisioner struct {
	root    string
	network NetworkClient
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a provisioner rooted at the given deployment directory.
func New(root string, network NetworkClient, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		root:    root,
		network: network,
		logger:  logger,
		now:     time.Now,
	}
}

// Provision establishes secrets, certificates, and the network, in that
// order. The first failure aborts; already-established resources are left
// in place because re-running is safe.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	if err := os.MkdirAll(p.root, 0o700); err != nil {
		return nil, newError(domain.ResourceSecretStore, p.root, err)
	}

	result := &Result{Secrets: map[string]string{}}

	// 1. Secrets
	storePath := filepath.Join(p.root, "secrets.env")
	secrets, reused, err := EnsureSecrets(storePath, req.SecretSlots)
	if err != nil {
		return nil, newError(domain.ResourceSecretStore, storePath, err)
	}
	result.Secrets = secrets
	result.SecretStorePath = storePath
	result.Resources = append(result.Resources, domain.ProvisionedResource{
		Kind:        domain.ResourceSecretStore,
		Identity:    storePath,
		Reused:      reused,
		GeneratedAt: p.now().UTC(),
	})
	p.logger.Info("secret store ready", "path", storePath, "slots", len(req.SecretSlots), "reused", reused)

	// 2. Certificates
	certDir := filepath.Join(p.root, "certs")
	certs, err := EnsureCertificates(certDir, req.Domain, p.now())
	if err != nil {
		return nil, newError(domain.ResourceCertificate, certDir, err)
	}
	result.CACertPath = certs.CACertPath
	result.CertPath = certs.CertPath
	result.KeyPath = certs.KeyPath
	result.Resources = append(result.Resources,
		domain.ProvisionedResource{
			Kind:        domain.ResourceCertAuthority,
			Identity:    certs.CACertPath,
			Reused:      certs.CAReused,
			GeneratedAt: p.now().UTC(),
		},
		domain.ProvisionedResource{
			Kind:        domain.ResourceCertificate,
			Identity:    certs.CertPath,
			Reused:      certs.LeafReused,
			GeneratedAt: p.now().UTC(),
		},
	)
	p.logger.Info("certificates ready",
		"ca", certs.CACertPath,
		"cert", certs.CertPath,
		"ca_reused", certs.CAReused,
		"leaf_reused", certs.LeafReused,
	)

	// 3. Network
	created, err := p.ensureNetwork(ctx, req.Network)
	if err != nil {
		return nil, err
	}
	result.NetworkCreated = created
	result.Resources = append(result.Resources, domain.ProvisionedResource{
		Kind:        domain.ResourceNetwork,
		Identity:    req.Network.Name,
		Reused:      !created,
		GeneratedAt: p.now().UTC(),
	})
	p.logger.Info("network ready", "name", req.Network.Name, "created", created)

	return result, nil
}
