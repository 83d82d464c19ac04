package ports

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/core/readiness"
	"github.com/opsforge/secstack/internal/shell/docker"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeFinder struct {
	byPort map[int][]docker.ContainerSummary
}

func (f *fakeFinder) ListByPublishedPort(_ context.Context, port int) ([]docker.ContainerSummary, error) {
	return f.byPort[port], nil
}

type fakeCheck struct {
	result readiness.Result
	calls  int
}

func (f *fakeCheck) Classify(_ context.Context, _ domain.ServiceDescriptor) readiness.Result {
	f.calls++
	return f.result
}

func testService() domain.ServiceDescriptor {
	return domain.ServiceDescriptor{
		Name:  "indexer",
		Role:  domain.RoleDataTier,
		Image: "opensearchproject/opensearch:2.11.0",
		Ports: []domain.PortSpec{{Port: 9200}, {Port: 9300}},
		Probe: domain.ProbeSpec{Kind: domain.ProbeHTTPBody, Scheme: "https", Path: "/_cluster/health"},
	}
}

func newTestResolver(finder *fakeFinder, check *fakeCheck, listening map[int]bool) *Resolver {
	r := NewResolver(finder, check, nil)
	r.listening = func(port int) bool { return listening[port] }
	return r
}

// =============================================================================
// Resolution Tests
// =============================================================================

func TestResolve_AllPortsFree(t *testing.T) {
	check := &fakeCheck{}
	r := newTestResolver(&fakeFinder{}, check, map[int]bool{})

	res, err := r.Resolve(context.Background(), testService())
	require.NoError(t, err)
	assert.Equal(t, Clear, res.Kind)
	assert.Zero(t, res.Port)
	assert.Zero(t, check.calls, "no occupant means no readiness check")
}

func TestResolve_OwnHealthyInstanceSelfResolves(t *testing.T) {
	finder := &fakeFinder{byPort: map[int][]docker.ContainerSummary{
		9200: {{ID: "abc", Name: "secstack-indexer", Image: "opensearchproject/opensearch:2.11.0"}},
	}}
	check := &fakeCheck{result: readiness.Result{State: readiness.Ready}}
	r := newTestResolver(finder, check, map[int]bool{9200: true})

	res, err := r.Resolve(context.Background(), testService())
	require.NoError(t, err)
	assert.Equal(t, SelfResolved, res.Kind)
	assert.Equal(t, 9200, res.Port)
	assert.Equal(t, "secstack-indexer", res.Occupant)
	assert.Equal(t, 1, check.calls)
}

func TestResolve_OwnDegradedInstanceStillSelfResolves(t *testing.T) {
	finder := &fakeFinder{byPort: map[int][]docker.ContainerSummary{
		9200: {{Name: "secstack-indexer"}},
	}}
	check := &fakeCheck{result: readiness.Result{State: readiness.ReadyDegraded, Detail: "security_exception"}}
	r := newTestResolver(finder, check, map[int]bool{9200: true})

	res, err := r.Resolve(context.Background(), testService())
	require.NoError(t, err)
	assert.Equal(t, SelfResolved, res.Kind)
}

func TestResolve_OwnBrokenInstanceIsConflict(t *testing.T) {
	finder := &fakeFinder{byPort: map[int][]docker.ContainerSummary{
		9200: {{Name: "secstack-indexer"}},
	}}
	check := &fakeCheck{result: readiness.Result{State: readiness.NotReady, Detail: "connection refused"}}
	r := newTestResolver(finder, check, map[int]bool{9200: true})

	res, err := r.Resolve(context.Background(), testService())
	require.NoError(t, err)
	assert.Equal(t, Conflict, res.Kind)
	assert.Contains(t, res.Occupant, "secstack-indexer")
	assert.Contains(t, res.Occupant, "connection refused")
}

func TestResolve_ForeignContainerIsConflict(t *testing.T) {
	finder := &fakeFinder{byPort: map[int][]docker.ContainerSummary{
		9200: {{Name: "legacy-elasticsearch", Image: "elasticsearch:7.17.0"}},
	}}
	check := &fakeCheck{result: readiness.Result{State: readiness.Ready}}
	r := newTestResolver(finder, check, map[int]bool{9200: true})

	res, err := r.Resolve(context.Background(), testService())
	require.NoError(t, err)
	assert.Equal(t, Conflict, res.Kind)
	assert.Equal(t, 9200, res.Port)
	assert.Contains(t, res.Occupant, "legacy-elasticsearch")
	assert.Zero(t, check.calls, "foreign occupants never get a self check")
}

func TestResolve_HostProcessIsConflict(t *testing.T) {
	// Listening socket but no container publishes the port.
	check := &fakeCheck{}
	r := newTestResolver(&fakeFinder{}, check, map[int]bool{9300: true})

	res, err := r.Resolve(context.Background(), testService())
	require.NoError(t, err)
	assert.Equal(t, Conflict, res.Kind)
	assert.Equal(t, 9300, res.Port)
	assert.Equal(t, "unmanaged host process", res.Occupant)
}

func TestResolve_SecondPortConflictStillDetected(t *testing.T) {
	// First port free, second held by a foreign container.
	finder := &fakeFinder{byPort: map[int][]docker.ContainerSummary{
		9300: {{Name: "other", Image: "busybox"}},
	}}
	r := newTestResolver(finder, &fakeCheck{}, map[int]bool{9300: true})

	res, err := r.Resolve(context.Background(), testService())
	require.NoError(t, err)
	assert.Equal(t, Conflict, res.Kind)
	assert.Equal(t, 9300, res.Port)
}

func TestConflictError_Message(t *testing.T) {
	err := &ConflictError{Service: "indexer", Port: 9200, Occupant: "container legacy (image es)"}
	assert.Equal(t, "port 9200 required by indexer is held by container legacy (image es)", err.Error())
}
