package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Client
// =============================================================================

// Client wraps the Docker SDK. All methods take a context and operate on
// container/network names rather than IDs where possible, because the
// orchestrator addresses everything by deterministic name.
type Client struct {
	cli *client.Client
}

// NewClient creates a Docker client. If host is empty, the default host
// from the environment is used.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewRuntimeError("NewClient", "", "", "failed to create client", ErrConnectionFailed)
	}
	return &Client{cli: cli}, nil
}

// Ping checks if the Docker daemon is reachable.
func (d *Client) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewRuntimeError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the client connection.
func (d *Client) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Container Introspection
// =============================================================================

// InspectContainer returns the state of a container by name.
func (d *Client) InspectContainer(ctx context.Context, name string) (*ContainerState, error) {
	resp, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewRuntimeError("InspectContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		return nil, NewRuntimeError("InspectContainer", "container", name, err.Error(), err)
	}

	var startedAt *time.Time
	if resp.State.StartedAt != "" && resp.State.StartedAt != "0001-01-01T00:00:00Z" {
		t, _ := time.Parse(time.RFC3339Nano, resp.State.StartedAt)
		startedAt = &t
	}

	health := ""
	if resp.State.Health != nil {
		health = resp.State.Health.Status
	}

	var ports []PortBinding
	for containerPort, bindings := range resp.NetworkSettings.Ports {
		port, proto := nat.Port(containerPort).Port(), nat.Port(containerPort).Proto()
		for _, binding := range bindings {
			var hostPort, cPort int
			fmt.Sscanf(binding.HostPort, "%d", &hostPort)
			fmt.Sscanf(port, "%d", &cPort)
			ports = append(ports, PortBinding{ContainerPort: cPort, HostPort: hostPort, Protocol: proto})
		}
	}

	return &ContainerState{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		Image:     resp.Config.Image,
		Status:    resp.State.Status,
		Running:   resp.State.Running,
		Health:    health,
		ExitCode:  resp.State.ExitCode,
		StartedAt: startedAt,
		Labels:    resp.Config.Labels,
		Ports:     ports,
	}, nil
}

// ContainerExists reports whether a container with the name exists.
func (d *Client) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := d.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ContainerRunning reports whether the named container is running.
// A missing container is not running rather than an error.
func (d *Client) ContainerRunning(ctx context.Context, name string) (bool, error) {
	state, err := d.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return false, nil
		}
		return false, err
	}
	return state.Running, nil
}

// ContainerHealth returns the container-level health status, or "" when
// no health check is configured or the container does not exist.
func (d *Client) ContainerHealth(ctx context.Context, name string) (string, error) {
	state, err := d.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return "", nil
		}
		return "", err
	}
	return state.Health, nil
}

// =============================================================================
// Container Enumeration
// =============================================================================

// ListByPublishedPort lists containers publishing the given host port.
func (d *Client) ListByPublishedPort(ctx context.Context, port int) ([]ContainerSummary, error) {
	args := filters.NewArgs(filters.Arg("publish", fmt.Sprintf("%d", port)))
	return d.list(ctx, args)
}

// ListByLabel lists all containers (running or not) carrying the label.
func (d *Client) ListByLabel(ctx context.Context, key, value string) ([]ContainerSummary, error) {
	args := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", key, value)))
	return d.list(ctx, args)
}

func (d *Client) list(ctx context.Context, args filters.Args) ([]ContainerSummary, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, NewRuntimeError("ListContainers", "container", "", err.Error(), err)
	}

	result := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, ContainerSummary{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return result, nil
}

// =============================================================================
// Container Lifecycle
// =============================================================================

// CreateContainer creates a container from the given spec and returns its ID.
func (d *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{}
	if spec.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		}
	}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort > 0 {
				hostPort = fmt.Sprintf("%d", p.HostPort)
			}
			portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{HostPort: hostPort})
		}
		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var netConfig *network.NetworkingConfig
	if spec.Network != "" {
		endpoint := &network.EndpointSettings{}
		if spec.NetworkAlias != "" {
			endpoint.Aliases = []string{spec.NetworkAlias}
		}
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: endpoint},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return "", NewRuntimeError("CreateContainer", "container", spec.Name, err.Error(), err)
	}
	return resp.ID, nil
}

// StartContainer starts a container by name or ID.
func (d *Client) StartContainer(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("StartContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		return NewRuntimeError("StartContainer", "container", name, err.Error(), err)
	}
	return nil
}

// StopContainer stops a container, waiting up to timeout for it to exit.
func (d *Client) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("StopContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		return NewRuntimeError("StopContainer", "container", name, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container, force-killing it if necessary.
func (d *Client) RemoveContainer(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("RemoveContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		return NewRuntimeError("RemoveContainer", "container", name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Logs and Exec
// =============================================================================

// TailLogs returns the last n lines of a container's combined output.
func (d *Client) TailLogs(ctx context.Context, name string, n int) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", n),
		Timestamps: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", NewRuntimeError("TailLogs", "container", name, "container not found", ErrContainerNotFound)
		}
		return "", NewRuntimeError("TailLogs", "container", name, err.Error(), err)
	}
	defer reader.Close()

	// Docker multiplexes stdout/stderr on one stream; demux into one buffer.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil && err != io.EOF {
		return buf.String(), nil
	}
	return buf.String(), nil
}

// Exec runs a command inside a running container and returns its exit code
// and combined output. Implements readiness.ExecRunner.
func (d *Client) Exec(ctx context.Context, name string, cmd []string) (int, string, error) {
	created, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", execCreateError(name, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, "", NewRuntimeError("Exec", "container", name, err.Error(), err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	stdcopy.StdCopy(&buf, &buf, attach.Reader)

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, buf.String(), NewRuntimeError("Exec", "container", name, err.Error(), err)
	}
	return inspect.ExitCode, buf.String(), nil
}

// execCreateError maps exec-create failures onto the package sentinels.
// The daemon rejects exec against a stopped container with a conflict
// rather than a not-found, so that case is matched by message.
func execCreateError(name string, err error) error {
	switch {
	case client.IsErrNotFound(err):
		return NewRuntimeError("Exec", "container", name, "container not found", ErrContainerNotFound)
	case strings.Contains(err.Error(), "is not running"):
		return NewRuntimeError("Exec", "container", name, "container is not running", ErrContainerNotRunning)
	default:
		return NewRuntimeError("Exec", "container", name, err.Error(), err)
	}
}

// =============================================================================
// Image Operations
// =============================================================================

// ImageExists reports whether the image is present locally.
func (d *Client) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, NewRuntimeError("ImageExists", "image", imageName, err.Error(), err)
	}
	return true, nil
}

// PullImage pulls an image, draining the progress stream.
func (d *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return NewRuntimeError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	// The pull happens while the stream is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewRuntimeError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}
	return nil
}

// =============================================================================
// Network Operations
// =============================================================================

// CreateNetwork creates an isolated bridge network with the given subnet.
func (d *Client) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	opts := network.CreateOptions{
		Driver: "bridge",
		Labels: spec.Labels,
	}
	if spec.Subnet != "" {
		opts.IPAM = &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: spec.Subnet}},
		}
	}

	resp, err := d.cli.NetworkCreate(ctx, spec.Name, opts)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return "", NewRuntimeError("CreateNetwork", "network", spec.Name, "network already exists", ErrNetworkAlreadyExists)
		}
		return "", NewRuntimeError("CreateNetwork", "network", spec.Name, err.Error(), err)
	}
	return resp.ID, nil
}

// InspectNetwork returns the state of a network by name.
func (d *Client) InspectNetwork(ctx context.Context, name string) (*NetworkState, error) {
	resp, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewRuntimeError("InspectNetwork", "network", name, "network not found", ErrNetworkNotFound)
		}
		return nil, NewRuntimeError("InspectNetwork", "network", name, err.Error(), err)
	}

	subnet := ""
	if len(resp.IPAM.Config) > 0 {
		subnet = resp.IPAM.Config[0].Subnet
	}
	return &NetworkState{
		ID:     resp.ID,
		Name:   resp.Name,
		Subnet: subnet,
		Labels: resp.Labels,
	}, nil
}

// RemoveNetwork removes a network by name or ID.
func (d *Client) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.cli.NetworkRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("RemoveNetwork", "network", name, "network not found", ErrNetworkNotFound)
		}
		if strings.Contains(err.Error(), "has active endpoints") {
			return NewRuntimeError("RemoveNetwork", "network", name, "network has active endpoints", ErrNetworkInUse)
		}
		return NewRuntimeError("RemoveNetwork", "network", name, err.Error(), err)
	}
	return nil
}
