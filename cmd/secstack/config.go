package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Network    NetworkConfig    `mapstructure:"network"`
	Readiness  ReadinessConfig  `mapstructure:"readiness"`
	Log        LogConfig        `mapstructure:"log"`
}

// DeploymentConfig holds the on-disk layout and identity of a deployment.
type DeploymentConfig struct {
	// Root is the deployment-root directory: secrets, certificates, and
	// reports all live under it.
	Root string `mapstructure:"root"`

	// Domain is the local deployment domain used for certificate SANs.
	Domain string `mapstructure:"domain"`

	// CatalogPath optionally replaces the embedded service catalog.
	CatalogPath string `mapstructure:"catalog_path"`
}

// ReportDir returns where session reports are persisted.
func (c DeploymentConfig) ReportDir() string {
	return filepath.Join(c.Root, "reports")
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// NetworkConfig holds the isolated deployment network settings.
type NetworkConfig struct {
	Name   string `mapstructure:"name"`
	Subnet string `mapstructure:"subnet"`
}

// ReadinessConfig bounds the per-service readiness wait loop.
type ReadinessConfig struct {
	Attempts     int           `mapstructure:"attempts"`
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("deployment.root", "./data")
	v.SetDefault("deployment.domain", "secstack.local")
	v.SetDefault("deployment.catalog_path", "")
	v.SetDefault("docker.host", "")
	v.SetDefault("network.name", "secstack-net")
	v.SetDefault("network.subnet", "172.28.0.0/16")
	v.SetDefault("readiness.attempts", 30)
	v.SetDefault("readiness.interval", "10s")
	v.SetDefault("readiness.probe_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SECSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
