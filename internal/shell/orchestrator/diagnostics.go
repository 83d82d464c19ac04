package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/shell/docker"
)

// =============================================================================
// Failure Diagnostics
// =============================================================================

// logTailLines is how much log history a failure snapshot keeps.
const logTailLines = 50

// RuntimeInspector is the read-only runtime view diagnostics capture needs.
type RuntimeInspector interface {
	InspectContainer(ctx context.Context, name string) (*docker.ContainerState, error)
	TailLogs(ctx context.Context, name string, n int) (string, error)
}

// Collector captures the point-in-time snapshot recorded with a failed
// service: container state, a log tail, and per-port listen status. The
// snapshot is meant to be enough to diagnose without re-running the session.
type Collector struct {
	runtime   RuntimeInspector
	listening func(port int) bool
	now       func() time.Time
}

// NewCollector creates a diagnostics collector over the runtime.
func NewCollector(runtime RuntimeInspector) *Collector {
	return &Collector{
		runtime:   runtime,
		listening: diagPortListening,
		now:       time.Now,
	}
}

// Capture never fails: whatever could not be queried is simply absent from
// the snapshot.
func (c *Collector) Capture(ctx context.Context, svc domain.ServiceDescriptor) *domain.Diagnostics {
	diag := &domain.Diagnostics{CapturedAt: c.now().UTC()}
	name := domain.ContainerName(svc.Name)

	if state, err := c.runtime.InspectContainer(ctx, name); err == nil {
		diag.ContainerExists = true
		diag.ContainerStatus = state.Status
		diag.ContainerHealth = state.Health

		if tail, err := c.runtime.TailLogs(ctx, name, logTailLines); err == nil {
			diag.LogTail = tail
		}
	}

	if len(svc.Ports) > 0 {
		diag.PortsListening = make(map[int]bool, len(svc.Ports))
		for _, p := range svc.Ports {
			diag.PortsListening[p.Port] = c.listening(p.Port)
		}
	}
	return diag
}

func diagPortListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
