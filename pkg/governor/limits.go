package governor

import "time"

// Limits holds every resource ceiling and threshold the governor enforces.
// Zero fields are replaced by the corresponding DefaultLimits value when the
// governor is constructed, so callers can override only what they need.
type Limits struct {
	// Thread ceilings.
	MaxTotalThreads        int
	MaxBackgroundThreads   int
	MaxThreadsPerComponent int
	// MaxConcurrentOps caps the worker count of any named pool.
	MaxConcurrentOps int
	// ThreadTimeout is detection-only: threads cannot be interrupted, so a
	// thread running past this is logged and its registry slot reclaimed.
	ThreadTimeout time.Duration
	// MaxThreadMemoryMB triggers a warning when the process footprint observed
	// at thread start exceeds it. Detection only.
	MaxThreadMemoryMB float64

	// System pressure thresholds, in percent. Sampling failures fail open.
	MaxCPUPercent    float64
	MaxMemoryPercent float64

	// StartupGracePeriod relaxes the CPU threshold right after construction,
	// when legitimate startup work keeps the host busy.
	StartupGracePeriod time.Duration

	// CleanupInterval bounds how often the periodic sweep runs and how often
	// admission-time opportunistic cleanup re-scans the registries.
	CleanupInterval time.Duration

	// Timer ceilings.
	MaxTotalTimers        int
	MaxTimersPerComponent int
	// DefaultTimerTimeout is the guard-timer lifetime applied when a caller
	// passes a zero timeout.
	DefaultTimerTimeout time.Duration

	// Creation rate limiting (sliding window).
	MaxPerSecond   int
	CreationWindow time.Duration
	// MaxComponentBurst caps one component's creations inside the window.
	// Zero means the global window bound (MaxPerSecond * window seconds)
	// applies to components too.
	MaxComponentBurst int
}

// DefaultLimits returns the ceilings tuned for an interactive desktop
// application: generous enough for concurrent feed fetches and package
// queries, tight enough that a leak is caught long before the host suffers.
func DefaultLimits() Limits {
	return Limits{
		MaxTotalThreads:        30,
		MaxBackgroundThreads:   20,
		MaxThreadsPerComponent: 10,
		MaxConcurrentOps:       8,
		ThreadTimeout:          3 * time.Minute,
		MaxThreadMemoryMB:      100,

		MaxCPUPercent:    80,
		MaxMemoryPercent: 85,

		StartupGracePeriod: 30 * time.Second,
		CleanupInterval:    30 * time.Second,

		MaxTotalTimers:        100,
		MaxTimersPerComponent: 10,
		DefaultTimerTimeout:   5 * time.Minute,

		MaxPerSecond:   5,
		CreationWindow: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxTotalThreads <= 0 {
		l.MaxTotalThreads = d.MaxTotalThreads
	}
	if l.MaxBackgroundThreads <= 0 {
		l.MaxBackgroundThreads = d.MaxBackgroundThreads
	}
	if l.MaxThreadsPerComponent <= 0 {
		l.MaxThreadsPerComponent = d.MaxThreadsPerComponent
	}
	if l.MaxConcurrentOps <= 0 {
		l.MaxConcurrentOps = d.MaxConcurrentOps
	}
	if l.ThreadTimeout <= 0 {
		l.ThreadTimeout = d.ThreadTimeout
	}
	if l.MaxThreadMemoryMB <= 0 {
		l.MaxThreadMemoryMB = d.MaxThreadMemoryMB
	}
	if l.MaxCPUPercent <= 0 {
		l.MaxCPUPercent = d.MaxCPUPercent
	}
	if l.MaxMemoryPercent <= 0 {
		l.MaxMemoryPercent = d.MaxMemoryPercent
	}
	if l.StartupGracePeriod <= 0 {
		l.StartupGracePeriod = d.StartupGracePeriod
	}
	if l.CleanupInterval <= 0 {
		l.CleanupInterval = d.CleanupInterval
	}
	if l.MaxTotalTimers <= 0 {
		l.MaxTotalTimers = d.MaxTotalTimers
	}
	if l.MaxTimersPerComponent <= 0 {
		l.MaxTimersPerComponent = d.MaxTimersPerComponent
	}
	if l.DefaultTimerTimeout <= 0 {
		l.DefaultTimerTimeout = d.DefaultTimerTimeout
	}
	if l.MaxPerSecond <= 0 {
		l.MaxPerSecond = d.MaxPerSecond
	}
	if l.CreationWindow <= 0 {
		l.CreationWindow = d.CreationWindow
	}
	return l
}
