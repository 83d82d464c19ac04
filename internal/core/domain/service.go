// Package domain defines the core types for stack deployment sessions.
// This is part of the Functional Core - types here carry no I/O.
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Service Roles
// =============================================================================

// Role categorizes a service within the stack. Roles are used only for
// grouping and for breaking ordering ties in reports, never for scheduling.
type Role string

const (
	RoleDataTier     Role = "data-tier"
	RoleSecurityTool Role = "security-tool"
	RoleFrontend     Role = "frontend"
	RoleInfraTool    Role = "infra-tool"
)

// ValidRole reports whether the role is one of the known categories.
func ValidRole(r Role) bool {
	switch r {
	case RoleDataTier, RoleSecurityTool, RoleFrontend, RoleInfraTool:
		return true
	}
	return false
}

// =============================================================================
// Ports
// =============================================================================

// PortSpec is a single required host port for a service.
type PortSpec struct {
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol,omitempty"` // "tcp" or "udp", default tcp
}

// String returns the port in "9200/tcp" form.
func (p PortSpec) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.Port, proto)
}

// =============================================================================
// Readiness Probe Specs
// =============================================================================

// ProbeKind selects the functional readiness probe strategy for a service.
type ProbeKind string

const (
	// ProbeHTTPStatus issues an HTTP(S) request and classifies by status code.
	ProbeHTTPStatus ProbeKind = "http-status"

	// ProbeHTTPBody issues an HTTP(S) request and classifies by interpreting
	// the response body (cluster-health style status fields, error markers).
	ProbeHTTPBody ProbeKind = "http-body"

	// ProbeQueryExec runs a trivial query inside the service's container and
	// classifies by exit code and output.
	ProbeQueryExec ProbeKind = "query-exec"

	// ProbePortOnly dials the service's port and requires an open socket.
	ProbePortOnly ProbeKind = "port-only"
)

// ValidProbeKind reports whether the probe kind is part of the closed set.
func ValidProbeKind(k ProbeKind) bool {
	switch k {
	case ProbeHTTPStatus, ProbeHTTPBody, ProbeQueryExec, ProbePortOnly:
		return true
	}
	return false
}

// ProbeSpec configures the functional readiness probe for one service.
// Only the fields relevant to the chosen kind are consulted.
type ProbeSpec struct {
	Kind     ProbeKind `yaml:"kind"`
	Scheme   string    `yaml:"scheme,omitempty"` // http or https, default http
	Port     int       `yaml:"port,omitempty"`   // default: first required port
	Path     string    `yaml:"path,omitempty"`
	Command  []string  `yaml:"command,omitempty"`  // query-exec only
	Insecure bool      `yaml:"insecure,omitempty"` // accept self-signed TLS
}

// =============================================================================
// Service Descriptor
// =============================================================================

// MountSpec is a host path mounted into a service's container.
type MountSpec struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// ServiceDescriptor is the immutable definition of a deployable unit:
// identity, required ports, dependencies, launch settings, and probe
// strategy. Descriptors are validated at catalog load time and never
// mutated afterwards.
type ServiceDescriptor struct {
	Name      string            `yaml:"name"`
	Role      Role              `yaml:"role"`
	Image     string            `yaml:"image"`
	Ports     []PortSpec        `yaml:"ports,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Probe     ProbeSpec         `yaml:"probe"`
	Env       map[string]string `yaml:"env,omitempty"`
	Mounts    []MountSpec       `yaml:"mounts,omitempty"`
}

// ProbePort returns the port the functional probe should target: the
// explicit probe port if set, otherwise the first required port.
func (s ServiceDescriptor) ProbePort() int {
	if s.Probe.Port != 0 {
		return s.Probe.Port
	}
	if len(s.Ports) > 0 {
		return s.Ports[0].Port
	}
	return 0
}

// =============================================================================
// Descriptor Validation
// =============================================================================

var (
	ErrEmptyServiceName  = errors.New("service name is empty")
	ErrUnknownRole       = errors.New("unknown service role")
	ErrUnknownProbeKind  = errors.New("unknown probe kind")
	ErrInvalidPort       = errors.New("port out of range")
	ErrSelfDependency    = errors.New("service depends on itself")
	ErrMissingQueryProbe = errors.New("query-exec probe requires a command")
)

// Validate checks a single descriptor for structural problems. Cross-service
// checks (duplicate names, unresolvable dependencies) are done by the catalog.
func (s ServiceDescriptor) Validate() error {
	if s.Name == "" {
		return ErrEmptyServiceName
	}
	if !ValidRole(s.Role) {
		return fmt.Errorf("service %s: %w: %q", s.Name, ErrUnknownRole, s.Role)
	}
	if !ValidProbeKind(s.Probe.Kind) {
		return fmt.Errorf("service %s: %w: %q", s.Name, ErrUnknownProbeKind, s.Probe.Kind)
	}
	if s.Probe.Kind == ProbeQueryExec && len(s.Probe.Command) == 0 {
		return fmt.Errorf("service %s: %w", s.Name, ErrMissingQueryProbe)
	}
	for _, p := range s.Ports {
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("service %s: %w: %d", s.Name, ErrInvalidPort, p.Port)
		}
	}
	for _, dep := range s.DependsOn {
		if dep == s.Name {
			return fmt.Errorf("service %s: %w", s.Name, ErrSelfDependency)
		}
	}
	return nil
}
