// Package docker wraps the Docker SDK for the container runtime operations
// the orchestrator needs: introspection, launch, log tailing, exec probes,
// and network management.
package docker

import "time"

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Mounts        []Mount
	Network       string
	NetworkAlias  string // DNS alias on the deployment network
	RestartPolicy string // "no", "always", "on-failure", "unless-stopped"
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
}

// Mount defines a bind mount into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// =============================================================================
// Container State
// =============================================================================

// ContainerState is the inspected state of one container.
type ContainerState struct {
	ID        string
	Name      string
	Image     string
	Status    string // "running", "exited", "created", ...
	Running   bool
	Health    string // "healthy", "unhealthy", "starting", "" when unconfigured
	ExitCode  int
	StartedAt *time.Time
	Labels    map[string]string
	Ports     []PortBinding
}

// ContainerSummary is a list entry from container enumeration.
type ContainerSummary struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// =============================================================================
// Network Types
// =============================================================================

// NetworkSpec defines the specification for creating a network.
type NetworkSpec struct {
	Name   string
	Subnet string // CIDR, e.g. "172.28.0.0/16"
	Labels map[string]string
}

// NetworkState is the inspected state of one network.
type NetworkState struct {
	ID     string
	Name   string
	Subnet string
	Labels map[string]string
}
