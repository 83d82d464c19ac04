package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/shell/docker"
)

// =============================================================================
// Rollback Manager
// =============================================================================

// RollbackRuntime is the runtime surface rollback needs to tear a session
// down.
type RollbackRuntime interface {
	ListByLabel(ctx context.Context, key, value string) ([]docker.ContainerSummary, error)
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
}

// Rollback tears down what a session created when a fatal pre-flight error
// aborts it. Per-node failures never trigger rollback: already-ready
// services stay up and only the failed node's dependents are skipped.
type Rollback struct {
	runtime RollbackRuntime
	logger  *slog.Logger
}

// NewRollback creates a rollback manager.
func NewRollback(runtime RollbackRuntime, logger *slog.Logger) *Rollback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollback{runtime: runtime, logger: logger}
}

// OnFatalError removes every container this session created, identified by
// its session label, and the deployment network when this session created
// it. Best effort: individual removal failures are logged and skipped so a
// clean slate is restored as far as possible. It returns the names of the
// removed containers for the fatal-error report.
func (r *Rollback) OnFatalError(ctx context.Context, session *domain.Session, networkName string, networkCreated bool) []string {
	var removed []string

	containers, err := r.runtime.ListByLabel(ctx, domain.LabelSession, session.ID)
	if err != nil {
		r.logger.Error("rollback could not enumerate session containers",
			"session", session.ID, "error", err)
		containers = nil
	}

	for _, c := range containers {
		r.logger.Warn("rolling back container", "container", c.Name, "session", session.ID)
		if err := r.runtime.StopContainer(ctx, c.Name, stopTimeout); err != nil {
			r.logger.Debug("stop during rollback failed, forcing removal",
				"container", c.Name, "error", err)
		}
		if err := r.runtime.RemoveContainer(ctx, c.Name); err != nil {
			r.logger.Error("rollback could not remove container",
				"container", c.Name, "error", err)
			continue
		}
		removed = append(removed, c.Name)
	}

	// A pre-existing network is never ours to remove.
	if networkCreated && networkName != "" {
		if err := r.runtime.RemoveNetwork(ctx, networkName); err != nil {
			r.logger.Error("rollback could not remove network",
				"network", networkName, "error", err)
		} else {
			r.logger.Warn("rolled back network", "network", networkName)
			removed = append(removed, "network "+networkName)
		}
	}

	return removed
}
