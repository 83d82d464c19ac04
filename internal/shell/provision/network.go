package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/shell/docker"
)

// =============================================================================
// Deployment Network
// =============================================================================

// NetworkClient is the slice of the container runtime the provisioner needs
// to establish the deployment network.
type NetworkClient interface {
	CreateNetwork(ctx context.Context, spec docker.NetworkSpec) (string, error)
	InspectNetwork(ctx context.Context, name string) (*docker.NetworkState, error)
}

// ensureNetwork creates the deployment network or reuses an existing one.
// An existing network is only acceptable when its subnet matches the
// requested one; a mismatch means the name is claimed by something else and
// the session must not attach services to it.
func (p *Provisioner) ensureNetwork(ctx context.Context, req NetworkRequest) (bool, error) {
	state, err := p.network.InspectNetwork(ctx, req.Name)
	switch {
	case err == nil:
		if req.Subnet != "" && state.Subnet != req.Subnet {
			return false, newError(domain.ResourceNetwork, req.Name,
				fmt.Errorf("existing network has subnet %s, want %s", state.Subnet, req.Subnet))
		}
		return false, nil
	case errors.Is(err, docker.ErrNetworkNotFound):
		// fall through to create
	default:
		return false, newError(domain.ResourceNetwork, req.Name, err)
	}

	_, err = p.network.CreateNetwork(ctx, docker.NetworkSpec{
		Name:   req.Name,
		Subnet: req.Subnet,
		Labels: map[string]string{domain.LabelManaged: "true"},
	})
	if err != nil {
		// Lost a race with a concurrent creator; verify the winner's subnet.
		if errors.Is(err, docker.ErrNetworkAlreadyExists) {
			return p.ensureNetworkRace(ctx, req)
		}
		return false, newError(domain.ResourceNetwork, req.Name, err)
	}
	return true, nil
}

func (p *Provisioner) ensureNetworkRace(ctx context.Context, req NetworkRequest) (bool, error) {
	state, err := p.network.InspectNetwork(ctx, req.Name)
	if err != nil {
		return false, newError(domain.ResourceNetwork, req.Name, err)
	}
	if req.Subnet != "" && state.Subnet != req.Subnet {
		return false, newError(domain.ResourceNetwork, req.Name,
			fmt.Errorf("existing network has subnet %s, want %s", state.Subnet, req.Subnet))
	}
	return false, nil
}
