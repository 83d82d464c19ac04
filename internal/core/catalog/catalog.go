// Package catalog loads and validates the service catalog: the typed
// ServiceDescriptor records the rest of the system consumes. Parsing is
// pure; callers hand in raw YAML or use the embedded default catalog.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	_ "embed"

	"gopkg.in/yaml.v3"

	"github.com/opsforge/secstack/internal/core/domain"
)

//go:embed default.yaml
var defaultCatalogYAML []byte

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput        = errors.New("catalog is empty")
	ErrInvalidYAML       = errors.New("invalid catalog YAML")
	ErrNoServices        = errors.New("catalog must define at least one service")
	ErrDuplicateService  = errors.New("duplicate service name")
	ErrUnknownDependency = errors.New("dependency references unknown service")
	ErrDuplicateSecret   = errors.New("duplicate secret slot")
	ErrUnknownSimpleMode = errors.New("simple_mode references unknown service")
)

// =============================================================================
// Catalog Types
// =============================================================================

// SecretSlot names one secret the provisioner must populate. Hashed slots
// additionally get a bcrypt digest stored alongside the raw value.
type SecretSlot struct {
	Name   string `yaml:"name"`
	Hashed bool   `yaml:"hashed,omitempty"`
}

// Catalog is the validated set of service descriptors plus the shared
// configuration that belongs to the stack as a whole.
type Catalog struct {
	Services    []domain.ServiceDescriptor `yaml:"services"`
	SecretSlots []SecretSlot               `yaml:"secrets"`
	SimpleMode  []string                   `yaml:"simple_mode"`
}

// Service returns the descriptor with the given name.
func (c *Catalog) Service(name string) (domain.ServiceDescriptor, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return domain.ServiceDescriptor{}, false
}

// ServiceNames returns all service names in declaration order.
func (c *Catalog) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}
	return names
}

// =============================================================================
// Loading
// =============================================================================

// Default parses the embedded default catalog. The embedded catalog is
// validated by tests, so failure here indicates a build problem.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML)
}

// Parse parses and validates catalog YAML.
func Parse(raw []byte) (*Catalog, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, ErrEmptyInput
	}

	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate performs the load-time checks: per-descriptor structure plus the
// cross-service rules the graph package cannot express.
func (c *Catalog) validate() error {
	if len(c.Services) == 0 {
		return ErrNoServices
	}

	names := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if err := svc.Validate(); err != nil {
			return err
		}
		if names[svc.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateService, svc.Name)
		}
		names[svc.Name] = true
	}

	for _, svc := range c.Services {
		for _, dep := range svc.DependsOn {
			if !names[dep] {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, svc.Name, dep)
			}
		}
	}

	slots := make(map[string]bool, len(c.SecretSlots))
	for _, slot := range c.SecretSlots {
		if slots[slot.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateSecret, slot.Name)
		}
		slots[slot.Name] = true
	}

	for _, name := range c.SimpleMode {
		if !names[name] {
			return fmt.Errorf("%w: %s", ErrUnknownSimpleMode, name)
		}
	}
	return nil
}
