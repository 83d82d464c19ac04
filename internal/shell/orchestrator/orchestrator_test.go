package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/core/graph"
	"github.com/opsforge/secstack/internal/core/readiness"
	"github.com/opsforge/secstack/internal/shell/ports"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeDeployer struct {
	deployed []string
	failFor  map[string]error
}

func (f *fakeDeployer) Deploy(_ context.Context, svc domain.ServiceDescriptor) error {
	if err := f.failFor[svc.Name]; err != nil {
		return err
	}
	f.deployed = append(f.deployed, svc.Name)
	return nil
}

type fakeResolver struct {
	byService map[string]*ports.Resolution
}

func (f *fakeResolver) Resolve(_ context.Context, svc domain.ServiceDescriptor) (*ports.Resolution, error) {
	if res, ok := f.byService[svc.Name]; ok {
		return res, nil
	}
	return &ports.Resolution{Kind: ports.Clear}, nil
}

type fakeWaiter struct {
	notReadyFor map[string]bool
	degradedFor map[string]bool
}

func (f *fakeWaiter) WaitReady(_ context.Context, svc domain.ServiceDescriptor, policy readiness.Policy) (readiness.Result, int, error) {
	if f.notReadyFor[svc.Name] {
		last := readiness.Result{State: readiness.NotReady, Detail: "connection refused"}
		return last, policy.Attempts, &readiness.TimeoutError{Service: svc.Name, Attempts: policy.Attempts, Last: last}
	}
	if f.degradedFor[svc.Name] {
		return readiness.Result{State: readiness.ReadyDegraded, Detail: "security_exception"}, 2, nil
	}
	return readiness.Result{State: readiness.Ready}, 1, nil
}

type fakeDiag struct{ captured []string }

func (f *fakeDiag) Capture(_ context.Context, svc domain.ServiceDescriptor) *domain.Diagnostics {
	f.captured = append(f.captured, svc.Name)
	return &domain.Diagnostics{ContainerExists: true, ContainerStatus: "exited"}
}

type fakeEvictor struct {
	evicted []int
	err     error
}

func (f *fakeEvictor) Evict(_ context.Context, port int) error {
	if f.err != nil {
		return f.err
	}
	f.evicted = append(f.evicted, port)
	return nil
}

// =============================================================================
// Test Fixture
// =============================================================================

// diamondServices is A with dependents B and C, a minimal branch topology.
func diamondServices() []domain.ServiceDescriptor {
	probe := domain.ProbeSpec{Kind: domain.ProbePortOnly}
	return []domain.ServiceDescriptor{
		{Name: "a", Role: domain.RoleDataTier, Image: "img-a", Ports: []domain.PortSpec{{Port: 9200}}, Probe: probe},
		{Name: "b", Role: domain.RoleSecurityTool, Image: "img-b", DependsOn: []string{"a"}, Probe: probe},
		{Name: "c", Role: domain.RoleFrontend, Image: "img-c", DependsOn: []string{"a"}, Probe: probe},
	}
}

type fixture struct {
	orch     *Orchestrator
	session  *domain.Session
	deployer *fakeDeployer
	resolver *fakeResolver
	waiter   *fakeWaiter
	diag     *fakeDiag
	evictor  *fakeEvictor
}

func newFixture(t *testing.T, services []domain.ServiceDescriptor, opts Options) *fixture {
	t.Helper()
	g, err := graph.Build(services)
	require.NoError(t, err)

	targets, err := g.Reachable(g.Services())
	require.NoError(t, err)
	order := g.TopologicalOrder(targets)

	f := &fixture{
		session:  domain.NewSession(domain.ModeFull, order),
		deployer: &fakeDeployer{failFor: map[string]error{}},
		resolver: &fakeResolver{byService: map[string]*ports.Resolution{}},
		waiter:   &fakeWaiter{notReadyFor: map[string]bool{}, degradedFor: map[string]bool{}},
		diag:     &fakeDiag{},
		evictor:  &fakeEvictor{},
	}
	f.orch = New(g, services, f.deployer, f.resolver, f.waiter, f.diag, f.evictor, opts, nil)
	return f
}

func defaultOptions() Options {
	return Options{Policy: readiness.Policy{Attempts: 5}}
}

// =============================================================================
// Scheduling Tests
// =============================================================================

func TestRun_AllServicesReady(t *testing.T) {
	f := newFixture(t, diamondServices(), defaultOptions())

	require.NoError(t, f.orch.Run(context.Background(), f.session))

	assert.True(t, f.session.Finalized())
	assert.True(t, f.session.Succeeded())
	assert.Equal(t, []string{"a", "b", "c"}, f.deployer.deployed)
}

func TestRun_FailedDependencySkipsDependents(t *testing.T) {
	f := newFixture(t, diamondServices(), defaultOptions())
	f.deployer.failFor["a"] = errors.New("launch exploded")

	require.NoError(t, f.orch.Run(context.Background(), f.session))

	a, _ := f.session.Outcome("a")
	b, _ := f.session.Outcome("b")
	c, _ := f.session.Outcome("c")
	assert.Equal(t, domain.StateFailed, a.State)
	assert.Equal(t, domain.StateSkipped, b.State)
	assert.Equal(t, domain.StateSkipped, c.State)
	assert.Contains(t, a.LastError, "launch exploded")
	assert.Contains(t, b.Detail, "dependency a")
	assert.False(t, f.session.Succeeded())
	assert.True(t, f.session.Finalized())

	assert.Equal(t, []string{"a"}, f.diag.captured, "diagnostics only for the failed node")
	assert.Empty(t, f.deployer.deployed)
}

func TestRun_ReadinessTimeoutIsNodeLocal(t *testing.T) {
	f := newFixture(t, diamondServices(), defaultOptions())
	f.waiter.notReadyFor["b"] = true

	require.NoError(t, f.orch.Run(context.Background(), f.session))

	b, _ := f.session.Outcome("b")
	c, _ := f.session.Outcome("c")
	assert.Equal(t, domain.StateFailed, b.State)
	assert.Equal(t, 5, b.Attempts)
	assert.Contains(t, b.LastError, "not ready after 5 attempts")
	require.NotNil(t, b.Diagnostics)

	// The sibling branch is unaffected.
	assert.Equal(t, domain.StateReady, c.State)
}

func TestRun_DegradedServiceIsTerminalSuccess(t *testing.T) {
	f := newFixture(t, diamondServices(), defaultOptions())
	f.waiter.degradedFor["a"] = true

	require.NoError(t, f.orch.Run(context.Background(), f.session))

	a, _ := f.session.Outcome("a")
	assert.Equal(t, domain.StateReadyDegraded, a.State)
	assert.Equal(t, "security_exception", a.Detail)

	// Degraded is sufficient for dependents.
	b, _ := f.session.Outcome("b")
	assert.Equal(t, domain.StateReady, b.State)
	assert.True(t, f.session.Succeeded())
}

// =============================================================================
// Port Resolution Tests
// =============================================================================

func TestRun_SelfResolvedSkipsLaunch(t *testing.T) {
	f := newFixture(t, diamondServices(), defaultOptions())
	for _, name := range []string{"a", "b", "c"} {
		f.resolver.byService[name] = &ports.Resolution{
			Kind: ports.SelfResolved, Port: 9200, Occupant: domain.ContainerName(name),
		}
	}

	require.NoError(t, f.orch.Run(context.Background(), f.session))

	assert.Empty(t, f.deployer.deployed, "a healthy rerun never invokes the launch procedure")
	assert.True(t, f.session.Succeeded())
	a, _ := f.session.Outcome("a")
	assert.Equal(t, domain.StateReady, a.State)
	assert.Contains(t, a.Detail, "already running")
}

func TestRun_ConflictFailsNode(t *testing.T) {
	f := newFixture(t, diamondServices(), defaultOptions())
	f.resolver.byService["a"] = &ports.Resolution{
		Kind: ports.Conflict, Port: 9200, Occupant: "container legacy-es (image elasticsearch:7)",
	}

	require.NoError(t, f.orch.Run(context.Background(), f.session))

	a, _ := f.session.Outcome("a")
	assert.Equal(t, domain.StateFailed, a.State)
	assert.Contains(t, a.LastError, "port 9200")
	assert.Contains(t, a.LastError, "legacy-es")
	assert.Empty(t, f.evictor.evicted, "no takeover unless requested")

	b, _ := f.session.Outcome("b")
	assert.Equal(t, domain.StateSkipped, b.State)
}

func TestRun_TakePortsEvictsAndDeploys(t *testing.T) {
	opts := defaultOptions()
	opts.TakePorts = true
	f := newFixture(t, diamondServices(), opts)
	f.resolver.byService["a"] = &ports.Resolution{
		Kind: ports.Conflict, Port: 9200, Occupant: "container legacy-es",
	}

	require.NoError(t, f.orch.Run(context.Background(), f.session))

	assert.Equal(t, []int{9200}, f.evictor.evicted)
	assert.Contains(t, f.deployer.deployed, "a")
	assert.True(t, f.session.Succeeded())
}

func TestRun_TakePortsEvictionFailureFailsNode(t *testing.T) {
	opts := defaultOptions()
	opts.TakePorts = true
	f := newFixture(t, diamondServices(), opts)
	f.resolver.byService["a"] = &ports.Resolution{Kind: ports.Conflict, Port: 9200, Occupant: "sshd"}
	f.evictor.err = errors.New("occupant is not a container")

	require.NoError(t, f.orch.Run(context.Background(), f.session))

	a, _ := f.session.Outcome("a")
	assert.Equal(t, domain.StateFailed, a.State)
	assert.Contains(t, a.LastError, "takeover failed")
	assert.NotContains(t, f.deployer.deployed, "a")
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestRun_CancelledContextFailsRemainingNodes(t *testing.T) {
	f := newFixture(t, diamondServices(), defaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.orch.Run(ctx, f.session)
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, f.session.Finalized())
	for _, name := range []string{"a", "b", "c"} {
		outcome, _ := f.session.Outcome(name)
		assert.Equal(t, domain.StateFailed, outcome.State, name)
		assert.Contains(t, outcome.LastError, "cancelled")
	}
	assert.Empty(t, f.deployer.deployed)
}
