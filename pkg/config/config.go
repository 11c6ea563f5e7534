// Package config provides configuration structures and loading logic for the
// governor binaries, including hot reload of the resource ceilings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pkgsentry/pkgsentry/pkg/governor"
)

// Config holds the global configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Governor    GovernorConfig    `yaml:"governor"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// DiagnosticsConfig holds the address of the metrics/stats HTTP server.
type DiagnosticsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// GovernorConfig holds the resource ceilings. Zero values mean "use default".
type GovernorConfig struct {
	Threads ThreadLimits `yaml:"threads"`
	Timers  TimerLimits  `yaml:"timers"`
	System  SystemLimits `yaml:"system"`
	Rate    RateLimits   `yaml:"rate"`
}

// ThreadLimits bounds governed goroutines.
type ThreadLimits struct {
	MaxTotal        int           `yaml:"max_total"`
	MaxBackground   int           `yaml:"max_background"`
	MaxPerComponent int           `yaml:"max_per_component"`
	MaxConcurrent   int           `yaml:"max_concurrent_ops"`
	Timeout         time.Duration `yaml:"timeout"`
}

// TimerLimits bounds scheduled callbacks.
type TimerLimits struct {
	MaxTotal        int           `yaml:"max_total"`
	MaxPerComponent int           `yaml:"max_per_component"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
}

// SystemLimits holds the host pressure thresholds.
type SystemLimits struct {
	MaxCPUPercent    float64       `yaml:"max_cpu_percent"`
	MaxMemoryPercent float64       `yaml:"max_memory_percent"`
	StartupGrace     time.Duration `yaml:"startup_grace"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// RateLimits holds the sliding-window creation limits.
type RateLimits struct {
	MaxPerSecond      int           `yaml:"max_per_second"`
	Window            time.Duration `yaml:"window"`
	MaxComponentBurst int           `yaml:"max_component_burst"`
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path loads defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Diagnostics: DiagnosticsConfig{
			ListenAddress: ":9190",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PKGSENTRY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PKGSENTRY_DIAG_ADDR"); val != "" {
		cfg.Diagnostics.ListenAddress = val
	}
	if val := os.Getenv("PKGSENTRY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
}

// Validate rejects configurations the governor cannot honor.
func (c *Config) Validate() error {
	g := c.Governor
	if g.Threads.MaxTotal < 0 || g.Threads.MaxBackground < 0 || g.Threads.MaxPerComponent < 0 {
		return fmt.Errorf("thread limits must be non-negative")
	}
	if g.Threads.MaxBackground > 0 && g.Threads.MaxTotal > 0 && g.Threads.MaxBackground > g.Threads.MaxTotal {
		return fmt.Errorf("max_background (%d) cannot exceed max_total (%d)", g.Threads.MaxBackground, g.Threads.MaxTotal)
	}
	if g.Timers.MaxTotal < 0 || g.Timers.MaxPerComponent < 0 {
		return fmt.Errorf("timer limits must be non-negative")
	}
	if g.System.MaxCPUPercent < 0 || g.System.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be within [0, 100], got %v", g.System.MaxCPUPercent)
	}
	if g.System.MaxMemoryPercent < 0 || g.System.MaxMemoryPercent > 100 {
		return fmt.Errorf("max_memory_percent must be within [0, 100], got %v", g.System.MaxMemoryPercent)
	}
	if g.Rate.MaxPerSecond < 0 {
		return fmt.Errorf("rate max_per_second must be non-negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// Limits converts the file representation into governor ceilings. Zero
// fields stay zero; the governor substitutes its defaults.
func (g GovernorConfig) Limits() governor.Limits {
	return governor.Limits{
		MaxTotalThreads:        g.Threads.MaxTotal,
		MaxBackgroundThreads:   g.Threads.MaxBackground,
		MaxThreadsPerComponent: g.Threads.MaxPerComponent,
		MaxConcurrentOps:       g.Threads.MaxConcurrent,
		ThreadTimeout:          g.Threads.Timeout,

		MaxCPUPercent:    g.System.MaxCPUPercent,
		MaxMemoryPercent: g.System.MaxMemoryPercent,

		StartupGracePeriod: g.System.StartupGrace,
		CleanupInterval:    g.System.CleanupInterval,

		MaxTotalTimers:        g.Timers.MaxTotal,
		MaxTimersPerComponent: g.Timers.MaxPerComponent,
		DefaultTimerTimeout:   g.Timers.DefaultTimeout,

		MaxPerSecond:      g.Rate.MaxPerSecond,
		CreationWindow:    g.Rate.Window,
		MaxComponentBurst: g.Rate.MaxComponentBurst,
	}
}
