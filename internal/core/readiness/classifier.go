// Package readiness classifies a running service's functional state.
//
// Classification is deliberately not a binary "process up" check. A service
// can be listening but not yet initialized, or report a misleading
// container-level health status. The classifier distinguishes three states:
// not yet answering, answering but not fully configured, and fully healthy.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsforge/secstack/internal/core/domain"
)

// =============================================================================
// Readiness States
// =============================================================================

// State is the classification result for one probe cycle.
type State string

const (
	// NotReady: no response, connection refused, or explicit failure status.
	NotReady State = "not_ready"

	// Ready: clean positive functional response.
	Ready State = "ready"

	// ReadyDegraded: the service is reachable but not fully configured, e.g.
	// a security subsystem still initializing or an authentication-required
	// answer from an otherwise-responding endpoint. Sufficient to proceed.
	ReadyDegraded State = "ready_degraded"
)

// Sufficient reports whether the state lets dependents proceed.
func (s State) Sufficient() bool {
	return s == Ready || s == ReadyDegraded
}

// Result is one classification outcome with its supporting detail.
type Result struct {
	State  State
	Detail string
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Probe executes one functional check against a service endpoint.
type Probe interface {
	Check(ctx context.Context) Result
}

// Introspector is the read-only container runtime view used by the
// existence/liveness stage.
type Introspector interface {
	ContainerExists(ctx context.Context, name string) (bool, error)
	ContainerRunning(ctx context.Context, name string) (bool, error)
	// ContainerHealth returns the unit-level health status: "healthy",
	// "unhealthy", "starting", or "" when no health check is configured.
	ContainerHealth(ctx context.Context, name string) (string, error)
}

// ProbeFactory builds the functional probe for a service descriptor.
type ProbeFactory func(svc domain.ServiceDescriptor) (Probe, error)

// =============================================================================
// Retry Policy
// =============================================================================

// Policy bounds the wait loop: Attempts probe cycles, Interval apart.
// Values come from configuration, not hard-coded constants.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// TimeoutError is the terminal NotReady classification: the probe never
// reached Ready or ReadyDegraded within the attempt budget.
type TimeoutError struct {
	Service  string
	Attempts int
	Last     Result
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("service %s not ready after %d attempts: %s",
		e.Service, e.Attempts, e.Last.Detail)
}

// =============================================================================
// Classifier
// =============================================================================

// Classifier performs the two-stage readiness evaluation.
type Classifier struct {
	intro  Introspector
	probes ProbeFactory
	logger *slog.Logger

	// sleep is injectable so the wait loop is testable with a fake clock.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClassifier creates a classifier over the given runtime view and
// probe factory.
func NewClassifier(intro Introspector, probes ProbeFactory, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		intro:  intro,
		probes: probes,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Classify runs one probe cycle for the service.
//
// Stage one checks the managed unit: the container must exist and be
// running. A missing health check is passable, "starting" means retry, and
// "unhealthy" still proceeds to stage two because container-level health
// checks are frequently misconfigured relative to actual service readiness.
//
// Stage two executes the service's functional probe.
func (c *Classifier) Classify(ctx context.Context, svc domain.ServiceDescriptor) Result {
	containerName := domain.ContainerName(svc.Name)

	exists, err := c.intro.ContainerExists(ctx, containerName)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("inspect failed: %v", err)}
	}
	if !exists {
		return Result{State: NotReady, Detail: "container does not exist"}
	}

	running, err := c.intro.ContainerRunning(ctx, containerName)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("inspect failed: %v", err)}
	}
	if !running {
		return Result{State: NotReady, Detail: "container is not running"}
	}

	health, err := c.intro.ContainerHealth(ctx, containerName)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("health query failed: %v", err)}
	}
	switch health {
	case "starting":
		return Result{State: NotReady, Detail: "container health check still starting"}
	case "unhealthy":
		c.logger.Debug("container reports unhealthy, trusting functional probe instead",
			"service", svc.Name)
	}

	probe, err := c.probes(svc)
	if err != nil {
		return Result{State: NotReady, Detail: fmt.Sprintf("probe setup failed: %v", err)}
	}
	return probe.Check(ctx)
}

// WaitReady repeatedly classifies the service until it is sufficient or the
// policy's attempt budget is exhausted. It returns the final result, the
// number of attempts made, and a TimeoutError when the budget runs out or
// the context's error when cancelled mid-wait.
func (c *Classifier) WaitReady(ctx context.Context, svc domain.ServiceDescriptor, policy Policy) (Result, int, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last Result
	for attempt := 1; attempt <= attempts; attempt++ {
		last = c.Classify(ctx, svc)
		if last.State.Sufficient() {
			c.logger.Info("service ready",
				"service", svc.Name,
				"state", string(last.State),
				"attempt", attempt,
			)
			return last, attempt, nil
		}

		c.logger.Debug("service not ready yet",
			"service", svc.Name,
			"attempt", attempt,
			"detail", last.Detail,
		)

		if attempt < attempts {
			if err := c.sleep(ctx, policy.Interval); err != nil {
				return last, attempt, err
			}
		}
	}

	return last, attempts, &TimeoutError{Service: svc.Name, Attempts: attempts, Last: last}
}
