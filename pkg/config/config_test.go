package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":9190", cfg.Diagnostics.ListenAddress)
	assert.Zero(t, cfg.Governor.Threads.MaxTotal, "unset ceilings stay zero for the governor defaults")
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  pretty: true
diagnostics:
  listen_address: ":9999"
telemetry:
  otlp_endpoint: "otel-collector:4317"
  insecure: true
governor:
  threads:
    max_total: 12
    max_background: 8
    max_per_component: 4
    timeout: 90s
  timers:
    max_total: 40
    max_per_component: 5
    default_timeout: 2m
  system:
    max_cpu_percent: 70
    max_memory_percent: 75
    startup_grace: 10s
    cleanup_interval: 15s
  rate:
    max_per_second: 3
    window: 5s
    max_component_burst: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.Equal(t, ":9999", cfg.Diagnostics.ListenAddress)
	assert.Equal(t, "otel-collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, 12, cfg.Governor.Threads.MaxTotal)
	assert.Equal(t, 90*time.Second, cfg.Governor.Threads.Timeout)
	assert.Equal(t, 40, cfg.Governor.Timers.MaxTotal)
	assert.Equal(t, 70.0, cfg.Governor.System.MaxCPUPercent)
	assert.Equal(t, 3, cfg.Governor.Rate.MaxPerSecond)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "governor: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PKGSENTRY_LOG_LEVEL", "warn")
	t.Setenv("PKGSENTRY_DIAG_ADDR", ":7777")
	t.Setenv("PKGSENTRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ":7777", cfg.Diagnostics.ListenAddress)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "negative thread limit",
			mutate: func(c *Config) { c.Governor.Threads.MaxTotal = -1 },
		},
		{
			name: "background exceeds total",
			mutate: func(c *Config) {
				c.Governor.Threads.MaxTotal = 5
				c.Governor.Threads.MaxBackground = 6
			},
		},
		{
			name:   "negative timer limit",
			mutate: func(c *Config) { c.Governor.Timers.MaxPerComponent = -2 },
		},
		{
			name:   "cpu percent over 100",
			mutate: func(c *Config) { c.Governor.System.MaxCPUPercent = 120 },
		},
		{
			name:   "negative memory percent",
			mutate: func(c *Config) { c.Governor.System.MaxMemoryPercent = -5 },
		},
		{
			name:   "negative rate",
			mutate: func(c *Config) { c.Governor.Rate.MaxPerSecond = -1 },
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.Logging.Level = "loud" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGovernorConfigToLimits(t *testing.T) {
	gc := GovernorConfig{
		Threads: ThreadLimits{
			MaxTotal:        12,
			MaxBackground:   8,
			MaxPerComponent: 4,
			MaxConcurrent:   6,
			Timeout:         90 * time.Second,
		},
		Timers: TimerLimits{
			MaxTotal:        40,
			MaxPerComponent: 5,
			DefaultTimeout:  2 * time.Minute,
		},
		System: SystemLimits{
			MaxCPUPercent:    70,
			MaxMemoryPercent: 75,
			StartupGrace:     10 * time.Second,
			CleanupInterval:  15 * time.Second,
		},
		Rate: RateLimits{
			MaxPerSecond:      3,
			Window:            5 * time.Second,
			MaxComponentBurst: 2,
		},
	}

	l := gc.Limits()
	assert.Equal(t, 12, l.MaxTotalThreads)
	assert.Equal(t, 8, l.MaxBackgroundThreads)
	assert.Equal(t, 4, l.MaxThreadsPerComponent)
	assert.Equal(t, 6, l.MaxConcurrentOps)
	assert.Equal(t, 90*time.Second, l.ThreadTimeout)
	assert.Equal(t, 40, l.MaxTotalTimers)
	assert.Equal(t, 5, l.MaxTimersPerComponent)
	assert.Equal(t, 2*time.Minute, l.DefaultTimerTimeout)
	assert.Equal(t, 70.0, l.MaxCPUPercent)
	assert.Equal(t, 75.0, l.MaxMemoryPercent)
	assert.Equal(t, 10*time.Second, l.StartupGracePeriod)
	assert.Equal(t, 15*time.Second, l.CleanupInterval)
	assert.Equal(t, 3, l.MaxPerSecond)
	assert.Equal(t, 5*time.Second, l.CreationWindow)
	assert.Equal(t, 2, l.MaxComponentBurst)
}
