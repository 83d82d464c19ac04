package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opsforge/secstack/internal/core/domain"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	mode := flag.String("mode", "full", "Deployment mode: full, simple, or custom")
	services := flag.String("services", "", "Comma-separated service subset (custom mode)")
	skipPreflight := flag.Bool("skip-preflight", false, "Skip host pre-flight checks")
	takePorts := flag.Bool("take-ports", false, "Force-stop containers holding required ports")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("secstack %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	opts, err := parseRunOptions(*mode, *services, *skipPreflight, *takePorts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid arguments: %v\n", err)
		return ExitConfigError
	}

	// Load configuration
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	// Setup logger
	logger := SetupLogger(cfg)
	logger.Info("starting secstack",
		"version", Version,
		"mode", string(opts.Mode),
		"config", *configPath,
	)

	// An operator interrupt cancels the in-flight wait loop; the session
	// records the cancellation and the report is still written.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		if aErr, ok := err.(*AppError); ok {
			logger.Error("failed to start",
				"error", aErr.Err,
				"operation", aErr.Op,
			)
			return aErr.ExitCode
		}
		logger.Error("failed to start", "error", err)
		return ExitConfigError
	}
	defer app.Close()

	return app.Run(ctx, opts)
}

// parseRunOptions validates the flag combination into session options.
func parseRunOptions(mode, services string, skipPreflight, takePorts bool) (RunOptions, error) {
	m := domain.Mode(mode)
	if !domain.ValidMode(m) {
		return RunOptions{}, fmt.Errorf("unknown mode %q (want full, simple, or custom)", mode)
	}

	var subset []string
	if services != "" {
		for _, name := range strings.Split(services, ",") {
			if name = strings.TrimSpace(name); name != "" {
				subset = append(subset, name)
			}
		}
	}

	if m == domain.ModeCustom && len(subset) == 0 {
		return RunOptions{}, fmt.Errorf("custom mode requires -services")
	}
	if m != domain.ModeCustom && len(subset) > 0 {
		return RunOptions{}, fmt.Errorf("-services is only valid with -mode custom")
	}

	return RunOptions{
		Mode:          m,
		Services:      subset,
		SkipPreflight: skipPreflight,
		TakePorts:     takePorts,
	}, nil
}
