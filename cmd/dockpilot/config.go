package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/core/rollout"
	"github.com/artpar/dockpilot/internal/shell/deploy"
	"github.com/artpar/dockpilot/internal/shell/health"
	"github.com/artpar/dockpilot/internal/shell/notify"
	"github.com/artpar/dockpilot/internal/shell/workers"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Log     LogConfig     `mapstructure:"log"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Deploy  DeployConfig  `mapstructure:"deploy"`
	Testing TestingConfig `mapstructure:"testing"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Server  ServerConfig  `mapstructure:"server"`
}

// ServerConfig holds status server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LedgerConfig holds deployment ledger configuration.
type LedgerConfig struct {
	DSN        string `mapstructure:"dsn"` // derived from data_dir when empty
	MaxEntries int    `mapstructure:"max_entries"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DeployConfig holds deployment timings and port policy.
type DeployConfig struct {
	ProbeHost           string        `mapstructure:"probe_host"`
	ProbeInterval       time.Duration `mapstructure:"probe_interval"`
	StatusPollInterval  time.Duration `mapstructure:"status_poll_interval"`
	StartupTimeout      time.Duration `mapstructure:"startup_timeout"`
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	CutoverSettle       time.Duration `mapstructure:"cutover_settle"`
	StopTimeout         time.Duration `mapstructure:"stop_timeout"`
	FinalProbeTimeout   time.Duration `mapstructure:"final_probe_timeout"`
	FinalProbeRetries   int           `mapstructure:"final_probe_retries"`
	BlueGreenPortOffset int           `mapstructure:"blue_green_port_offset"`
	CanaryPortOffset    int           `mapstructure:"canary_port_offset"`
	SoakDuration        time.Duration `mapstructure:"soak_duration"`
	SoakInterval        time.Duration `mapstructure:"soak_interval"`
	SoakProbeTimeout    time.Duration `mapstructure:"soak_probe_timeout"`
	CanaryMinProbes     int           `mapstructure:"canary_min_probes"`
	CanaryAbortRatio    float64       `mapstructure:"canary_abort_ratio"`
	CanaryPromoteRatio  float64       `mapstructure:"canary_promote_ratio"`
	CleanupRetries      int           `mapstructure:"cleanup_retries"`
	LogTail             string        `mapstructure:"log_tail"`
	ShowBuildOutput     bool          `mapstructure:"show_build_output"`
}

// TestingConfig holds the blue-green parallel test settings.
type TestingConfig struct {
	ParallelTestsEnabled bool          `mapstructure:"parallel_tests_enabled"`
	Endpoints            []string      `mapstructure:"endpoints"`
	Timeout              time.Duration `mapstructure:"timeout"`
}

// MonitorConfig holds telemetry sampling configuration.
type MonitorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Duration      time.Duration `mapstructure:"duration"`
	History       int           `mapstructure:"history"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	StatsTimeout  time.Duration `mapstructure:"stats_timeout"`

	// Background makes serve sample every running container.
	Background bool `mapstructure:"background"`

	// MetricsFile receives the sample history when a monitor run ends.
	MetricsFile string `mapstructure:"metrics_file"`
}

// AlertsConfig holds alert rules and their delivery channels.
type AlertsConfig struct {
	Rules    []domain.AlertRule     `mapstructure:"rules"`
	Channels []notify.ChannelConfig `mapstructure:"channels"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("docker.host", "")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.max_entries", 100)

	v.SetDefault("deploy.probe_host", "localhost")
	v.SetDefault("deploy.probe_interval", "3s")
	v.SetDefault("deploy.status_poll_interval", "1s")
	v.SetDefault("deploy.startup_timeout", "30s")
	v.SetDefault("deploy.grace_period", "5s")
	v.SetDefault("deploy.cutover_settle", "3s")
	v.SetDefault("deploy.stop_timeout", "10s")
	v.SetDefault("deploy.final_probe_timeout", "10s")
	v.SetDefault("deploy.final_probe_retries", 5)
	v.SetDefault("deploy.blue_green_port_offset", 1000)
	v.SetDefault("deploy.canary_port_offset", 100)
	v.SetDefault("deploy.soak_duration", "30s")
	v.SetDefault("deploy.soak_interval", "1s")
	v.SetDefault("deploy.soak_probe_timeout", "2s")
	v.SetDefault("deploy.canary_min_probes", 10)
	v.SetDefault("deploy.canary_abort_ratio", 0.10)
	v.SetDefault("deploy.canary_promote_ratio", 0.05)
	v.SetDefault("deploy.cleanup_retries", 2)
	v.SetDefault("deploy.log_tail", "50")
	v.SetDefault("deploy.show_build_output", true)

	v.SetDefault("testing.parallel_tests_enabled", false)
	v.SetDefault("testing.endpoints", []string{"/health"})
	v.SetDefault("testing.timeout", "5s")

	v.SetDefault("monitor.interval", "1s")
	v.SetDefault("monitor.duration", "300s")
	v.SetDefault("monitor.history", 60)
	v.SetDefault("monitor.max_concurrent", 5)
	v.SetDefault("monitor.stats_timeout", "10s")
	v.SetDefault("monitor.background", false)
	v.SetDefault("monitor.metrics_file", "")

	v.SetDefault("alerts.rules", []map[string]any{
		{"name": "high_cpu", "condition": "cpu_percent > 80", "severity": "warning", "message": "CPU usage is high"},
		{"name": "high_memory", "condition": "memory_percent > 85", "severity": "warning", "message": "Memory usage is high"},
	})
	v.SetDefault("alerts.channels", []map[string]any{
		{"type": "log"},
	})

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults, a malformed one does not
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DOCKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Ledger.DSN == "" {
		cfg.Ledger.DSN = filepath.Join(cfg.DataDir, "dockpilot.db")
	}

	return &cfg, nil
}

// =============================================================================
// Component Configuration
// =============================================================================

// orchestratorConfig maps the deploy and testing sections onto the orchestrator.
func (c *Config) orchestratorConfig(buildOutput io.Writer) deploy.Config {
	d := c.Deploy
	out := deploy.Config{
		StatusPollInterval:  d.StatusPollInterval,
		StartupTimeout:      d.StartupTimeout,
		GracePeriod:         d.GracePeriod,
		CutoverSettle:       d.CutoverSettle,
		StopTimeout:         d.StopTimeout,
		BlueGreenPortOffset: d.BlueGreenPortOffset,
		CanaryPortOffset:    d.CanaryPortOffset,
		FinalProbeTimeout:   d.FinalProbeTimeout,
		FinalProbeRetries:   d.FinalProbeRetries,
		SoakDuration:        d.SoakDuration,
		SoakInterval:        d.SoakInterval,
		SoakProbeTimeout:    d.SoakProbeTimeout,
		SoakPolicy: rollout.SoakPolicy{
			MinProbes:    d.CanaryMinProbes,
			AbortRatio:   d.CanaryAbortRatio,
			PromoteRatio: d.CanaryPromoteRatio,
		},
		CleanupRetries: d.CleanupRetries,
		LogTail:        d.LogTail,
		ParallelTests: deploy.ParallelTests{
			Enabled:   c.Testing.ParallelTestsEnabled,
			Endpoints: c.Testing.Endpoints,
			Timeout:   c.Testing.Timeout,
		},
	}
	if d.ShowBuildOutput {
		out.BuildOutput = buildOutput
	}
	return out
}

func (c *Config) proberConfig() health.Config {
	return health.Config{
		Host:          c.Deploy.ProbeHost,
		RetryInterval: c.Deploy.ProbeInterval,
	}
}

func (c *Config) monitorConfig() workers.MonitorConfig {
	return workers.MonitorConfig{
		Interval:      c.Monitor.Interval,
		Duration:      c.Monitor.Duration,
		History:       c.Monitor.History,
		MaxConcurrent: c.Monitor.MaxConcurrent,
		StatsTimeout:  c.Monitor.StatsTimeout,
		Rules:         c.Alerts.Rules,
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Command
// output owns stdout, so logs go to w.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
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
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
