package provision

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/secstack/internal/core/catalog"
	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/shell/docker"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeNetworkClient struct {
	existing *docker.NetworkState
	created  []docker.NetworkSpec
}

func (f *fakeNetworkClient) CreateNetwork(_ context.Context, spec docker.NetworkSpec) (string, error) {
	if f.existing != nil {
		return "", docker.ErrNetworkAlreadyExists
	}
	f.created = append(f.created, spec)
	f.existing = &docker.NetworkState{ID: "net-1", Name: spec.Name, Subnet: spec.Subnet, Labels: spec.Labels}
	return "net-1", nil
}

func (f *fakeNetworkClient) InspectNetwork(_ context.Context, name string) (*docker.NetworkState, error) {
	if f.existing == nil || f.existing.Name != name {
		return nil, docker.ErrNetworkNotFound
	}
	return f.existing, nil
}

func testRequest() Request {
	return Request{
		SecretSlots: []catalog.SecretSlot{
			{Name: "indexer_admin_password"},
			{Name: "dashboard_admin_password", Hashed: true},
		},
		Domain:  "secstack.local",
		Network: NetworkRequest{Name: "secstack-net", Subnet: "172.28.0.0/16"},
	}
}

// =============================================================================
// Provision Tests
// =============================================================================

func TestProvision_EstablishesAllResources(t *testing.T) {
	root := t.TempDir()
	network := &fakeNetworkClient{}
	p := New(root, network, nil)

	result, err := p.Provision(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "secrets.env"), result.SecretStorePath)
	assert.NotEmpty(t, result.Secrets["INDEXER_ADMIN_PASSWORD"])
	assert.NotEmpty(t, result.Secrets["DASHBOARD_ADMIN_PASSWORD_HASH"])
	assert.FileExists(t, result.CACertPath)
	assert.FileExists(t, result.CertPath)
	assert.FileExists(t, result.KeyPath)
	assert.True(t, result.NetworkCreated)

	kinds := make([]domain.ResourceKind, 0, len(result.Resources))
	for _, r := range result.Resources {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []domain.ResourceKind{
		domain.ResourceSecretStore,
		domain.ResourceCertAuthority,
		domain.ResourceCertificate,
		domain.ResourceNetwork,
	}, kinds)

	require.Len(t, network.created, 1)
	assert.Equal(t, "172.28.0.0/16", network.created[0].Subnet)
	assert.Equal(t, "true", network.created[0].Labels[domain.LabelManaged])
}

func TestProvision_SecondRunReusesEverything(t *testing.T) {
	root := t.TempDir()
	network := &fakeNetworkClient{}
	p := New(root, network, nil)
	req := testRequest()

	first, err := p.Provision(context.Background(), req)
	require.NoError(t, err)

	second, err := p.Provision(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, second.NetworkCreated)
	for _, r := range second.Resources {
		assert.True(t, r.Reused, "resource %s %s should be reused on re-run", r.Kind, r.Identity)
	}
	assert.Equal(t, first.Secrets, second.Secrets)
	require.Len(t, network.created, 1, "network must not be created twice")
}

func TestProvision_NetworkSubnetMismatchFails(t *testing.T) {
	root := t.TempDir()
	network := &fakeNetworkClient{
		existing: &docker.NetworkState{ID: "net-0", Name: "secstack-net", Subnet: "10.99.0.0/16"},
	}
	p := New(root, network, nil)

	_, err := p.Provision(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioning)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, domain.ResourceNetwork, perr.Kind)
	assert.Equal(t, "secstack-net", perr.Identity)
}

func TestProvision_ReusesMatchingNetwork(t *testing.T) {
	root := t.TempDir()
	network := &fakeNetworkClient{
		existing: &docker.NetworkState{ID: "net-0", Name: "secstack-net", Subnet: "172.28.0.0/16"},
	}
	p := New(root, network, nil)

	result, err := p.Provision(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, result.NetworkCreated)
	assert.Empty(t, network.created)
}
