package domain

import "time"

// =============================================================================
// Provisioned Resources
// =============================================================================

// ResourceKind identifies a shared resource the provisioner manages.
type ResourceKind string

const (
	ResourceSecretStore   ResourceKind = "secret-store"
	ResourceCertAuthority ResourceKind = "certificate-authority"
	ResourceCertificate   ResourceKind = "certificate"
	ResourceNetwork       ResourceKind = "network"
)

// ProvisionedResource records one shared resource established before any
// service deployment. Provisioning is create-or-reuse: an existing valid
// resource is never overwritten, and Reused marks which path was taken.
type ProvisionedResource struct {
	Kind        ResourceKind `yaml:"kind"`
	Identity    string       `yaml:"identity"` // file path or network name
	Reused      bool         `yaml:"reused"`
	GeneratedAt time.Time    `yaml:"generated_at"`
}
