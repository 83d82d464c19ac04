// Package report aggregates per-service outcomes into the final session
// report. This is part of the Functional Core - building and rendering a
// report never mutates the session.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsforge/secstack/internal/core/domain"
)

// =============================================================================
// Report Types
// =============================================================================

// Status is the overall session verdict.
type Status string

const (
	// StatusSuccess means every targeted service reached READY or
	// READY_DEGRADED.
	StatusSuccess Status = "success"

	// StatusPartial means at least one targeted service failed or was
	// skipped.
	StatusPartial Status = "partial"
)

// ServiceReport is one service's line in the final report.
type ServiceReport struct {
	Name        string              `yaml:"name"`
	Role        domain.Role         `yaml:"role"`
	State       domain.OutcomeState `yaml:"state"`
	Attempts    int                 `yaml:"attempts,omitempty"`
	Detail      string              `yaml:"detail,omitempty"`
	LastError   string              `yaml:"last_error,omitempty"`
	Diagnostics *domain.Diagnostics `yaml:"diagnostics,omitempty"`
}

// Locations records where the session's persisted artifacts live.
type Locations struct {
	SecretStore   string `yaml:"secret_store,omitempty"`
	CACertificate string `yaml:"ca_certificate,omitempty"`
	Certificate   string `yaml:"certificate,omitempty"`
	ReportDir     string `yaml:"report_dir,omitempty"`
}

// Report is the final structured summary of one deployment session.
type Report struct {
	SessionID  string          `yaml:"session_id"`
	Mode       domain.Mode     `yaml:"mode"`
	StartedAt  time.Time       `yaml:"started_at"`
	FinishedAt time.Time       `yaml:"finished_at"`
	Status     Status          `yaml:"status"`
	Services   []ServiceReport `yaml:"services"`
	Locations  Locations       `yaml:"locations"`
}

// =============================================================================
// Building
// =============================================================================

// Build aggregates the session's outcomes into a report. Services are
// listed in the session's deployment order; role is looked up from the
// given descriptors.
func Build(session *domain.Session, services []domain.ServiceDescriptor, loc Locations, finishedAt time.Time) Report {
	roles := make(map[string]domain.Role, len(services))
	for _, svc := range services {
		roles[svc.Name] = svc.Role
	}

	outcomes := session.Outcomes()
	reports := make([]ServiceReport, 0, len(session.Targets))
	status := StatusSuccess

	for _, name := range session.Targets {
		o := outcomes[name]
		if !o.State.Succeeded() {
			status = StatusPartial
		}
		reports = append(reports, ServiceReport{
			Name:        name,
			Role:        roles[name],
			State:       o.State,
			Attempts:    o.Attempts,
			Detail:      o.Detail,
			LastError:   o.LastError,
			Diagnostics: o.Diagnostics,
		})
	}

	return Report{
		SessionID:  session.ID,
		Mode:       session.Mode,
		StartedAt:  session.StartedAt,
		FinishedAt: finishedAt,
		Status:     status,
		Services:   reports,
		Locations:  loc,
	}
}

// =============================================================================
// Rendering
// =============================================================================

// EncodeYAML marshals the structured report.
func (r Report) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// RenderText produces the human-readable summary.
func (r Report) RenderText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "secstack deployment session %s\n", r.SessionID)
	fmt.Fprintf(&b, "mode: %s  started: %s  duration: %s\n",
		r.Mode,
		r.StartedAt.Format(time.RFC3339),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
	)
	fmt.Fprintf(&b, "status: %s\n\n", strings.ToUpper(string(r.Status)))

	nameWidth := len("SERVICE")
	for _, svc := range r.Services {
		if len(svc.Name) > nameWidth {
			nameWidth = len(svc.Name)
		}
	}

	fmt.Fprintf(&b, "%-*s  %-15s  %-14s  %s\n", nameWidth, "SERVICE", "ROLE", "STATE", "DETAIL")
	for _, svc := range r.Services {
		detail := svc.Detail
		if svc.LastError != "" {
			detail = svc.LastError
		}
		fmt.Fprintf(&b, "%-*s  %-15s  %-14s  %s\n",
			nameWidth, svc.Name, svc.Role, svc.State, detail)
	}

	if locations := r.locationLines(); len(locations) > 0 {
		b.WriteString("\nresources:\n")
		for _, line := range locations {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}

func (r Report) locationLines() []string {
	entries := map[string]string{
		"secrets":     r.Locations.SecretStore,
		"ca":          r.Locations.CACertificate,
		"certificate": r.Locations.Certificate,
		"reports":     r.Locations.ReportDir,
	}
	var lines []string
	for label, path := range entries {
		if path != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", label, path))
		}
	}
	sort.Strings(lines)
	return lines
}

// Summary is the one-line verdict for log output.
func (r Report) Summary() string {
	ready, degraded, failed, skipped := 0, 0, 0, 0
	for _, svc := range r.Services {
		switch svc.State {
		case domain.StateReady:
			ready++
		case domain.StateReadyDegraded:
			degraded++
		case domain.StateFailed:
			failed++
		case domain.StateSkipped:
			skipped++
		}
	}
	return fmt.Sprintf("%s: %d ready, %d degraded, %d failed, %d skipped",
		r.Status, ready, degraded, failed, skipped)
}
