// Package ports decides, before each service deploys, whether its required
// host ports are actually available. An occupied port is not automatically a
// conflict: on reruns the occupant is usually the service's own healthy
// instance from a previous session, and treating that as a failure is the
// main operational pain this package exists to remove.
package ports

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/core/readiness"
	"github.com/opsforge/secstack/internal/shell/docker"
)

// =============================================================================
// Resolution Types
// =============================================================================

// Kind is the outcome category of a port resolution.
type Kind string

const (
	// Clear: every required port is free, deployment can proceed.
	Clear Kind = "clear"

	// SelfResolved: a port is occupied, but the occupant is this
	// deployment's own already-functional instance of the service.
	// Deployment is skipped rather than retried.
	SelfResolved Kind = "self_resolved"

	// Conflict: a port is occupied by something else. The operator decides
	// whether to abort or force-stop the occupant and retake the port.
	Conflict Kind = "conflict"
)

// Resolution is the decision for one service's full set of required ports.
type Resolution struct {
	Kind     Kind
	Port     int    // the occupied port; zero when Clear
	Occupant string // occupant description; empty when Clear
}

// ConflictError reports a port held by a foreign occupant.
type ConflictError struct {
	Service  string
	Port     int
	Occupant string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("port %d required by %s is held by %s", e.Port, e.Service, e.Occupant)
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// ContainerFinder enumerates managed and unmanaged containers by the host
// port they publish.
type ContainerFinder interface {
	ListByPublishedPort(ctx context.Context, port int) ([]docker.ContainerSummary, error)
}

// QuickCheck is the single-cycle readiness classification used to decide
// whether an occupant is the service's own functional instance.
type QuickCheck interface {
	Classify(ctx context.Context, svc domain.ServiceDescriptor) readiness.Result
}

// =============================================================================
// Resolver
// =============================================================================

// Resolver inspects required ports and classifies occupants.
type Resolver struct {
	finder    ContainerFinder
	check     QuickCheck
	logger    *slog.Logger
	listening func(port int) bool
}

// NewResolver creates a resolver backed by the container runtime and the
// readiness classifier's quick check.
func NewResolver(finder ContainerFinder, check QuickCheck, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		finder:    finder,
		check:     check,
		logger:    logger,
		listening: portListening,
	}
}

// Resolve checks every required port of the service. The first occupied port
// decides the outcome: if its occupant is the service's own container and a
// quick readiness check passes, the whole service is SelfResolved; any other
// occupant makes it a Conflict. Ports nobody listens on are skipped.
func (r *Resolver) Resolve(ctx context.Context, svc domain.ServiceDescriptor) (*Resolution, error) {
	ownName := domain.ContainerName(svc.Name)

	for _, port := range svc.Ports {
		if !r.listening(port.Port) {
			continue
		}

		occupant, owned, err := r.identifyOccupant(ctx, port.Port, ownName)
		if err != nil {
			return nil, err
		}

		if owned {
			result := r.check.Classify(ctx, svc)
			if result.State.Sufficient() {
				r.logger.Info("port occupied by own healthy instance",
					"service", svc.Name, "port", port.Port, "state", result.State)
				return &Resolution{Kind: SelfResolved, Port: port.Port, Occupant: ownName}, nil
			}
			// Our container holds the port but is not functional. It must be
			// replaced, so the port counts as conflicted.
			occupant = fmt.Sprintf("%s (state: %s)", ownName, result.Detail)
		}

		r.logger.Warn("port conflict detected",
			"service", svc.Name, "port", port.Port, "occupant", occupant)
		return &Resolution{Kind: Conflict, Port: port.Port, Occupant: occupant}, nil
	}

	return &Resolution{Kind: Clear}, nil
}

// identifyOccupant names whatever is listening on the port and reports
// whether it is the service's own managed container.
func (r *Resolver) identifyOccupant(ctx context.Context, port int, ownName string) (string, bool, error) {
	containers, err := r.finder.ListByPublishedPort(ctx, port)
	if err != nil {
		return "", false, fmt.Errorf("identifying occupant of port %d: %w", port, err)
	}
	for _, c := range containers {
		if c.Name == ownName {
			return c.Name, true, nil
		}
	}
	if len(containers) > 0 {
		c := containers[0]
		return fmt.Sprintf("container %s (image %s)", c.Name, c.Image), false, nil
	}
	// Listening socket with no publishing container: a native host process.
	return "unmanaged host process", false, nil
}

// portListening dials loopback to see whether anything accepts on the port.
func portListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
