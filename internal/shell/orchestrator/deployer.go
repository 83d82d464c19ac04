package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/shell/docker"
)

// =============================================================================
// Docker Deployer
// =============================================================================

// stopTimeout bounds graceful shutdown of replaced or evicted containers.
const stopTimeout = 15 * time.Second

// ContainerRuntime is the slice of the container runtime the deployer needs.
type ContainerRuntime interface {
	ContainerExists(ctx context.Context, name string) (bool, error)
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
	ImageExists(ctx context.Context, imageName string) (bool, error)
	PullImage(ctx context.Context, imageName string) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, name string) error
	ListByPublishedPort(ctx context.Context, port int) ([]docker.ContainerSummary, error)
}

// DockerDeployer launches services as labeled containers on the session's
// deployment network.
type DockerDeployer struct {
	runtime   ContainerRuntime
	network   string
	sessionID string
	secrets   map[string]string
	root      string // deployment root, relative mount sources resolve against it
	logger    *slog.Logger
}

// NewDockerDeployer creates a deployer for one session. The secrets map is
// the provisioned store used to expand ${placeholder} values in service env.
func NewDockerDeployer(runtime ContainerRuntime, network, sessionID, root string, secrets map[string]string, logger *slog.Logger) *DockerDeployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerDeployer{
		runtime:   runtime,
		network:   network,
		sessionID: sessionID,
		secrets:   secrets,
		root:      root,
		logger:    logger,
	}
}

// Deploy launches the service's container. Any stale container with the
// managed name is replaced; the port resolver has already established that
// nothing functional holds it.
func (d *DockerDeployer) Deploy(ctx context.Context, svc domain.ServiceDescriptor) error {
	name := domain.ContainerName(svc.Name)

	exists, err := d.runtime.ContainerExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		d.logger.Info("replacing stale container", "container", name)
		if err := d.removeContainer(ctx, name); err != nil {
			return err
		}
	}

	if err := d.ensureImage(ctx, svc.Image); err != nil {
		return err
	}

	spec := d.containerSpec(svc)
	if _, err := d.runtime.CreateContainer(ctx, spec); err != nil {
		return err
	}
	if err := d.runtime.StartContainer(ctx, name); err != nil {
		return err
	}

	d.logger.Info("container started", "container", name, "image", svc.Image)
	return nil
}

// Evict force-stops and removes every container publishing the port.
func (d *DockerDeployer) Evict(ctx context.Context, port int) error {
	occupants, err := d.runtime.ListByPublishedPort(ctx, port)
	if err != nil {
		return err
	}
	if len(occupants) == 0 {
		return fmt.Errorf("port %d occupant is not a container and cannot be evicted", port)
	}
	for _, c := range occupants {
		d.logger.Warn("evicting container", "container", c.Name, "port", port)
		if err := d.removeContainer(ctx, c.Name); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerDeployer) removeContainer(ctx context.Context, name string) error {
	if err := d.runtime.StopContainer(ctx, name, stopTimeout); err != nil {
		d.logger.Debug("stop before remove failed, forcing removal", "container", name, "error", err)
	}
	return d.runtime.RemoveContainer(ctx, name)
}

func (d *DockerDeployer) ensureImage(ctx context.Context, image string) error {
	exists, err := d.runtime.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	d.logger.Info("pulling image", "image", image)
	return d.runtime.PullImage(ctx, image)
}

func (d *DockerDeployer) containerSpec(svc domain.ServiceDescriptor) docker.ContainerSpec {
	bindings := make([]docker.PortBinding, 0, len(svc.Ports))
	for _, p := range svc.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		bindings = append(bindings, docker.PortBinding{
			ContainerPort: p.Port,
			HostPort:      p.Port,
			Protocol:      proto,
		})
	}

	mounts := make([]docker.Mount, 0, len(svc.Mounts))
	for _, m := range svc.Mounts {
		source := m.Source
		if !filepath.IsAbs(source) {
			source = filepath.Join(d.root, source)
		}
		mounts = append(mounts, docker.Mount{
			Source:   source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	return docker.ContainerSpec{
		Name:  domain.ContainerName(svc.Name),
		Image: svc.Image,
		Env:   ExpandEnv(svc.Env, d.secrets),
		Labels: map[string]string{
			domain.LabelManaged: "true",
			domain.LabelSession: d.sessionID,
			domain.LabelService: svc.Name,
		},
		Ports:         bindings,
		Mounts:        mounts,
		Network:       d.network,
		NetworkAlias:  svc.Name,
		RestartPolicy: "unless-stopped",
	}
}

// =============================================================================
// Env Expansion
// =============================================================================

// ExpandEnv substitutes ${slot_name} placeholders in service env values with
// entries from the provisioned secret store. Slot names are case-insensitive
// against the store's upper-case keys; unknown placeholders expand to empty,
// matching shell behavior.
func ExpandEnv(env, secrets map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	expanded := make(map[string]string, len(env))
	for key, value := range env {
		expanded[key] = os.Expand(value, func(name string) string {
			return secrets[strings.ToUpper(name)]
		})
	}
	return expanded
}
