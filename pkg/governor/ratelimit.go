package governor

import (
	"sync"
	"time"
)

// creationRecord is one admission retained in the sliding window.
type creationRecord struct {
	at          time.Time
	componentID string
}

// RateLimiterConfig defines the sliding-window creation limits.
type RateLimiterConfig struct {
	// MaxPerSecond is the sustained creation rate; the window admits at most
	// MaxPerSecond * Window seconds creations in total.
	MaxPerSecond int
	// Window is the trailing interval over which creations are counted.
	Window time.Duration
	// MaxComponentBurst caps a single component's creations within the
	// window. Zero applies the global window bound to components as well.
	MaxComponentBurst int
}

// DefaultRateLimiterConfig returns the desktop-application defaults:
// 5 creations per second over a 10 second window.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxPerSecond: 5,
		Window:       10 * time.Second,
	}
}

// RateLimiter bounds the rate of resource creation, independent of the
// steady-state ceilings, to blunt rapid-fire creation storms such as a buggy
// retry loop. It is a sliding-window counter, not a token bucket: once the
// window fills, every request is rejected until old records age out.
type RateLimiter struct {
	mu           sync.Mutex
	cfg          RateLimiterConfig
	records      []creationRecord
	perComponent map[string]int

	now func() time.Time
}

// NewRateLimiter creates a sliding-window rate limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxPerSecond <= 0 {
		cfg.MaxPerSecond = DefaultRateLimiterConfig().MaxPerSecond
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateLimiterConfig().Window
	}
	return &RateLimiter{
		cfg:          cfg,
		perComponent: make(map[string]int),
		now:          time.Now,
	}
}

// Allow reports whether one more creation for componentID fits inside the
// window, recording it when it does. Records are time-ordered, so eviction is
// a prefix trim.
func (rl *RateLimiter) Allow(componentID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evictLocked(now)

	globalMax := rl.windowCapacity()
	if len(rl.records) >= globalMax {
		return false
	}

	componentMax := rl.cfg.MaxComponentBurst
	if componentMax <= 0 {
		componentMax = globalMax
	}
	if componentID != "" && rl.perComponent[componentID] >= componentMax {
		return false
	}

	rl.records = append(rl.records, creationRecord{at: now, componentID: componentID})
	if componentID != "" {
		rl.perComponent[componentID]++
	}
	return true
}

// Recent returns how many creations are currently inside the window.
func (rl *RateLimiter) Recent() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.evictLocked(rl.now())
	return len(rl.records)
}

// ComponentRecent returns componentID's creations inside the window.
func (rl *RateLimiter) ComponentRecent(componentID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.evictLocked(rl.now())
	return rl.perComponent[componentID]
}

// Clear drops the entire creation history. Used by the emergency paths.
func (rl *RateLimiter) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.records = nil
	rl.perComponent = make(map[string]int)
}

func (rl *RateLimiter) windowCapacity() int {
	secs := int(rl.cfg.Window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return rl.cfg.MaxPerSecond * secs
}

// evictLocked trims records older than the window from the front, keeping the
// per-component counters in step. The invariant afterwards: no record in the
// window is older than cfg.Window.
func (rl *RateLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-rl.cfg.Window)
	i := 0
	for i < len(rl.records) && !rl.records[i].at.After(cutoff) {
		rec := rl.records[i]
		if rec.componentID != "" {
			if n := rl.perComponent[rec.componentID]; n > 1 {
				rl.perComponent[rec.componentID] = n - 1
			} else {
				delete(rl.perComponent, rec.componentID)
			}
		}
		i++
	}
	if i > 0 {
		rl.records = append(rl.records[:0], rl.records[i:]...)
	}
}
