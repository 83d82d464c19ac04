// Package orchestrator drives one deployment session to completion: it
// walks the dependency graph in topological order, resolves port conflicts,
// launches services, waits for readiness, and records per-service outcomes.
//
// A single service's failure is never fatal to the session. Its dependents
// are skipped and unrelated branches continue; only pre-flight errors abort
// the whole run.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/core/graph"
	"github.com/opsforge/secstack/internal/core/readiness"
	"github.com/opsforge/secstack/internal/shell/ports"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Deployer launches one service. The launch procedure is opaque here; the
// orchestrator only cares about success or failure.
type Deployer interface {
	Deploy(ctx context.Context, svc domain.ServiceDescriptor) error
}

// PortResolver classifies the occupants of a service's required ports.
type PortResolver interface {
	Resolve(ctx context.Context, svc domain.ServiceDescriptor) (*ports.Resolution, error)
}

// Waiter runs the bounded readiness wait loop after a launch.
type Waiter interface {
	WaitReady(ctx context.Context, svc domain.ServiceDescriptor, policy readiness.Policy) (readiness.Result, int, error)
}

// DiagnosticCollector snapshots a failed service's runtime state.
type DiagnosticCollector interface {
	Capture(ctx context.Context, svc domain.ServiceDescriptor) *domain.Diagnostics
}

// Evictor force-stops whatever container holds a port, for the operator's
// retake-the-port decision.
type Evictor interface {
	Evict(ctx context.Context, port int) error
}

// =============================================================================
// Errors
// =============================================================================

// DeployError wraps a failed launch procedure for one service.
type DeployError struct {
	Service string
	Err     error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploying %s: %v", e.Service, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Orchestrator
// =============================================================================

// Options are the per-session policy knobs.
type Options struct {
	Policy    readiness.Policy
	TakePorts bool // force-stop conflicting containers instead of failing
}

// Orchestrator walks a session's target set in deployment order.
type Orchestrator struct {
	graph    *graph.Graph
	services map[string]domain.ServiceDescriptor
	deployer Deployer
	resolver PortResolver
	waiter   Waiter
	diag     DiagnosticCollector
	evictor  Evictor
	opts     Options
	logger   *slog.Logger
}

// New assembles an orchestrator. The evictor may be nil when port takeover
// is disabled.
func New(
	g *graph.Graph,
	services []domain.ServiceDescriptor,
	deployer Deployer,
	resolver PortResolver,
	waiter Waiter,
	diag DiagnosticCollector,
	evictor Evictor,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]domain.ServiceDescriptor, len(services))
	for _, svc := range services {
		byName[svc.Name] = svc
	}
	return &Orchestrator{
		graph:    g,
		services: byName,
		deployer: deployer,
		resolver: resolver,
		waiter:   waiter,
		diag:     diag,
		evictor:  evictor,
		opts:     opts,
		logger:   logger,
	}
}

// Run processes every target of the session in order and records a terminal
// outcome for each. It returns an error only when the context is cancelled;
// per-service failures live in the session's outcomes.
func (o *Orchestrator) Run(ctx context.Context, session *domain.Session) error {
	for _, name := range session.Targets {
		if err := ctx.Err(); err != nil {
			o.recordCancelled(session, name, err)
			continue
		}

		svc, ok := o.services[name]
		if !ok {
			// Targets come from the same catalog the graph was built from,
			// so this only happens on a programming error.
			o.record(session, name, domain.ServiceOutcome{
				State:     domain.StateFailed,
				LastError: fmt.Sprintf("service %s missing from catalog", name),
			})
			continue
		}

		o.deployOne(ctx, session, svc)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// deployOne runs the full per-node sequence: dependency check, port
// resolution, launch, readiness wait.
func (o *Orchestrator) deployOne(ctx context.Context, session *domain.Session, svc domain.ServiceDescriptor) {
	if blocked, dep := o.unmetDependency(session, svc); blocked {
		o.logger.Info("skipping service, dependency did not succeed",
			"service", svc.Name, "dependency", dep)
		o.record(session, svc.Name, domain.ServiceOutcome{
			State:  domain.StateSkipped,
			Detail: fmt.Sprintf("dependency %s did not succeed", dep),
		})
		return
	}

	o.record(session, svc.Name, domain.ServiceOutcome{State: domain.StateDeploying})

	resolution, err := o.resolver.Resolve(ctx, svc)
	if err != nil {
		o.fail(ctx, session, svc, 0, fmt.Sprintf("port resolution failed: %v", err))
		return
	}

	switch resolution.Kind {
	case ports.SelfResolved:
		o.logger.Info("service already running and functional, skipping launch",
			"service", svc.Name, "port", resolution.Port)
		o.record(session, svc.Name, domain.ServiceOutcome{
			State:  domain.StateReady,
			Detail: fmt.Sprintf("already running (port %d held by own instance)", resolution.Port),
		})
		return

	case ports.Conflict:
		if !o.takePort(ctx, session, svc, resolution) {
			return
		}
	}

	o.logger.Info("deploying service", "service", svc.Name, "image", svc.Image)
	if err := o.deployer.Deploy(ctx, svc); err != nil {
		derr := &DeployError{Service: svc.Name, Err: err}
		o.fail(ctx, session, svc, 0, derr.Error())
		return
	}

	result, attempts, err := o.waiter.WaitReady(ctx, svc, o.opts.Policy)
	if err != nil {
		o.fail(ctx, session, svc, attempts, err.Error())
		return
	}

	state := domain.StateReady
	if result.State == readiness.ReadyDegraded {
		state = domain.StateReadyDegraded
	}
	o.record(session, svc.Name, domain.ServiceOutcome{
		State:    state,
		Attempts: attempts,
		Detail:   result.Detail,
	})
}

// takePort handles a Conflict resolution. It reports whether deployment may
// proceed: true only when takeover is enabled and eviction worked.
func (o *Orchestrator) takePort(ctx context.Context, session *domain.Session, svc domain.ServiceDescriptor, res *ports.Resolution) bool {
	conflict := &ports.ConflictError{Service: svc.Name, Port: res.Port, Occupant: res.Occupant}

	if !o.opts.TakePorts || o.evictor == nil {
		o.fail(ctx, session, svc, 0, conflict.Error())
		return false
	}

	o.logger.Warn("force-stopping port occupant",
		"service", svc.Name, "port", res.Port, "occupant", res.Occupant)
	if err := o.evictor.Evict(ctx, res.Port); err != nil {
		o.fail(ctx, session, svc, 0, fmt.Sprintf("%s; takeover failed: %v", conflict.Error(), err))
		return false
	}
	return true
}

// unmetDependency returns the first dependency whose outcome does not allow
// this node to proceed.
func (o *Orchestrator) unmetDependency(session *domain.Session, svc domain.ServiceDescriptor) (bool, string) {
	for _, dep := range o.graph.Dependencies(svc.Name) {
		outcome, ok := session.Outcome(dep)
		if !ok || !outcome.State.Succeeded() {
			return true, dep
		}
	}
	return false, ""
}

func (o *Orchestrator) fail(ctx context.Context, session *domain.Session, svc domain.ServiceDescriptor, attempts int, lastError string) {
	o.logger.Error("service failed", "service", svc.Name, "error", lastError)

	var diag *domain.Diagnostics
	if o.diag != nil {
		diag = o.diag.Capture(ctx, svc)
	}
	o.record(session, svc.Name, domain.ServiceOutcome{
		State:       domain.StateFailed,
		Attempts:    attempts,
		LastError:   lastError,
		Diagnostics: diag,
	})
}

func (o *Orchestrator) recordCancelled(session *domain.Session, name string, cause error) {
	outcome, ok := session.Outcome(name)
	if ok && outcome.State.Terminal() {
		return
	}
	o.record(session, name, domain.ServiceOutcome{
		State:     domain.StateFailed,
		LastError: fmt.Sprintf("session cancelled: %v", cause),
	})
}

func (o *Orchestrator) record(session *domain.Session, name string, outcome domain.ServiceOutcome) {
	if err := session.Record(name, outcome); err != nil {
		o.logger.Error("outcome not recorded", "service", name, "error", err)
	}
}
