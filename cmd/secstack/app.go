package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opsforge/secstack/internal/core/catalog"
	"github.com/opsforge/secstack/internal/core/domain"
	"github.com/opsforge/secstack/internal/core/graph"
	"github.com/opsforge/secstack/internal/core/readiness"
	"github.com/opsforge/secstack/internal/core/report"
	"github.com/opsforge/secstack/internal/shell/docker"
	"github.com/opsforge/secstack/internal/shell/orchestrator"
	"github.com/opsforge/secstack/internal/shell/ports"
	"github.com/opsforge/secstack/internal/shell/provision"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess        = 0
	ExitConfigError    = 1
	ExitCatalogError   = 2
	ExitDockerError    = 3
	ExitProvisionError = 4
	ExitPartial        = 5
)

// AppError carries the exit code for a startup or pre-flight failure.
type AppError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// =============================================================================
// App
// =============================================================================

// RunOptions are the per-invocation choices parsed from flags.
type RunOptions struct {
	Mode          domain.Mode
	Services      []string // custom-mode subset
	SkipPreflight bool
	TakePorts     bool
}

// App wires the orchestration components for one session.
type App struct {
	config *Config
	docker *docker.Client
	logger *slog.Logger
}

// NewApp connects to the container runtime and verifies it answers.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	d, err := docker.NewClient(cfg.Docker.Host)
	if err != nil {
		return nil, &AppError{Op: "NewApp", Err: err, ExitCode: ExitDockerError}
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, &AppError{Op: "NewApp", Err: err, ExitCode: ExitDockerError}
	}
	return &App{config: cfg, docker: d, logger: logger}, nil
}

// Close releases the runtime connection.
func (a *App) Close() error {
	return a.docker.Close()
}

// Run executes one full deployment session and returns the process exit
// code. Pre-flight failures abort with rollback; per-service failures
// surface in the report and the partial exit code.
func (a *App) Run(ctx context.Context, opts RunOptions) int {
	cat, err := a.loadCatalog()
	if err != nil {
		a.logger.Error("catalog error", "error", err)
		return ExitCatalogError
	}

	g, err := graph.Build(cat.Services)
	if err != nil {
		a.logger.Error("dependency graph error", "error", err)
		return ExitCatalogError
	}

	targets, err := resolveTargets(cat, g, opts)
	if err != nil {
		a.logger.Error("target selection error", "error", err)
		return ExitCatalogError
	}

	session := domain.NewSession(opts.Mode, targets)
	a.logger.Info("session created",
		"session", session.ID,
		"mode", string(opts.Mode),
		"targets", len(targets),
	)

	if !opts.SkipPreflight {
		if err := a.preflight(); err != nil {
			a.logger.Error("pre-flight check failed", "error", err)
			return ExitConfigError
		}
	}

	rollback := orchestrator.NewRollback(a.docker, a.logger)

	prov, err := provision.New(a.config.Deployment.Root, a.docker, a.logger).
		Provision(ctx, provision.Request{
			SecretSlots: cat.SecretSlots,
			Domain:      a.config.Deployment.Domain,
			Network: provision.NetworkRequest{
				Name:   a.config.Network.Name,
				Subnet: a.config.Network.Subnet,
			},
		})
	if err != nil {
		a.logger.Error("provisioning failed, rolling back", "error", err)
		removed := rollback.OnFatalError(ctx, session, a.config.Network.Name, false)
		a.logger.Info("rollback complete", "removed", removed)
		return ExitProvisionError
	}

	a.orchestrate(ctx, session, cat, g, prov, opts)

	return a.finalize(session, cat, prov)
}

// orchestrate assembles the per-session collaborators and walks the graph.
func (a *App) orchestrate(
	ctx context.Context,
	session *domain.Session,
	cat *catalog.Catalog,
	g *graph.Graph,
	prov *provision.Result,
	opts RunOptions,
) {
	classifier := readiness.NewClassifier(
		a.docker,
		readiness.NewProbeFactory(readiness.ProbeDeps{
			Host:    "127.0.0.1",
			Exec:    a.docker,
			Timeout: a.config.Readiness.ProbeTimeout,
			Secrets: prov.Secrets,
		}),
		a.logger,
	)
	resolver := ports.NewResolver(a.docker, classifier, a.logger)
	deployer := orchestrator.NewDockerDeployer(
		a.docker,
		a.config.Network.Name,
		session.ID,
		a.config.Deployment.Root,
		prov.Secrets,
		a.logger,
	)

	orch := orchestrator.New(
		g,
		cat.Services,
		deployer,
		resolver,
		classifier,
		orchestrator.NewCollector(a.docker),
		deployer,
		orchestrator.Options{
			Policy: readiness.Policy{
				Attempts: a.config.Readiness.Attempts,
				Interval: a.config.Readiness.Interval,
			},
			TakePorts: opts.TakePorts,
		},
		a.logger,
	)

	if err := orch.Run(ctx, session); err != nil {
		a.logger.Warn("session interrupted", "error", err)
	}
}

// finalize builds, persists, and prints the session report.
func (a *App) finalize(session *domain.Session, cat *catalog.Catalog, prov *provision.Result) int {
	rep := report.Build(session, cat.Services, report.Locations{
		SecretStore:   prov.SecretStorePath,
		CACertificate: prov.CACertPath,
		Certificate:   prov.CertPath,
		ReportDir:     a.config.Deployment.ReportDir(),
	}, time.Now().UTC())

	if err := a.persistReport(rep); err != nil {
		a.logger.Error("report not persisted", "error", err)
	}

	fmt.Print(rep.RenderText())
	a.logger.Info("session finished", "session", session.ID, "summary", rep.Summary())

	if rep.Status == report.StatusSuccess {
		return ExitSuccess
	}
	return ExitPartial
}

func (a *App) persistReport(rep report.Report) error {
	dir := a.config.Deployment.ReportDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	encoded, err := rep.EncodeYAML()
	if err != nil {
		return err
	}
	yamlPath := filepath.Join(dir, rep.SessionID+".yaml")
	if err := os.WriteFile(yamlPath, encoded, 0o600); err != nil {
		return err
	}

	textPath := filepath.Join(dir, rep.SessionID+".txt")
	if err := os.WriteFile(textPath, []byte(rep.RenderText()), 0o600); err != nil {
		return err
	}

	a.logger.Info("report persisted", "yaml", yamlPath, "text", textPath)
	return nil
}

// =============================================================================
// Inputs
// =============================================================================

func (a *App) loadCatalog() (*catalog.Catalog, error) {
	path := a.config.Deployment.CatalogPath
	if path == "" {
		return catalog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return catalog.Parse(raw)
}

// resolveTargets maps the session mode to the reachable target set in
// deployment order: the requested services plus transitive dependencies.
// An empty target set is rejected rather than run as a vacuous session.
func resolveTargets(cat *catalog.Catalog, g *graph.Graph, opts RunOptions) ([]string, error) {
	var requested []string
	switch opts.Mode {
	case domain.ModeFull:
		requested = cat.ServiceNames()
	case domain.ModeSimple:
		requested = cat.SimpleMode
		if len(requested) == 0 {
			return nil, fmt.Errorf("catalog defines no simple_mode services")
		}
	case domain.ModeCustom:
		requested = opts.Services
	}

	reachable, err := g.Reachable(requested)
	if err != nil {
		return nil, err
	}
	return g.TopologicalOrder(reachable), nil
}

// preflight verifies the deployment root is writable before any resource is
// touched. Runtime reachability was already verified at startup.
func (a *App) preflight() error {
	root := a.config.Deployment.Root
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("deployment root %s: %w", root, err)
	}
	probe := filepath.Join(root, ".preflight")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("deployment root %s is not writable: %w", root, err)
	}
	return os.Remove(probe)
}
