package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pkgsentry/pkgsentry/pkg/telemetry"
)

// ScheduleHandle is the host scheduler's opaque cancellation token.
type ScheduleHandle any

// Scheduler is the boundary to the host's cooperative event loop (the UI
// thread). Schedule must not invoke fn synchronously and Cancel must be
// non-blocking; callbacks may themselves call Schedule again.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) ScheduleHandle
	Cancel(handle ScheduleHandle)
}

// timerEntry is a registry slot. Every timer owns two scheduled primitives:
// the real fire callback at delay, and a timeout guard that force-reclaims
// the slot if the timer is never fired or cancelled.
type timerEntry struct {
	id          string
	componentID string
	sched       Scheduler
	fireHandle  ScheduleHandle
	guardHandle ScheduleHandle
	delay       time.Duration
	timeout     time.Duration
	repeat      bool
	createdAt   time.Time
}

// TimerStats is a point-in-time snapshot of the timer governor.
type TimerStats struct {
	TotalTimers         int            `json:"total_timers"`
	ComponentCounts     map[string]int `json:"component_counts"`
	MaxTotal            int            `json:"max_total_timers"`
	MaxPerComponent     int            `json:"max_per_component"`
	SuspiciousIncidents int            `json:"suspicious_activity_count"`
	RecentCreations     int            `json:"recent_creation_count"`
	SuspiciousDetected  bool           `json:"suspicious_activity_detected"`
}

// TimerGovernor is the gatekeeper and registry for scheduled callbacks hosted
// by the cooperative scheduler. The registry lock is never held across user
// callbacks, which keeps reentrant Create calls from inside a callback safe.
type TimerGovernor struct {
	mu         sync.Mutex
	cfg        Limits
	logger     *slog.Logger
	accountant *Accountant
	security   *SecurityMonitor
	limiter    *RateLimiter
	metrics    *Metrics

	registry   map[string]*timerEntry
	suspicious int

	lastSweep time.Time
	now       func() time.Time
}

// NewTimerGovernor creates a timer governor sharing the accountant and
// security monitor with its sibling thread governor.
func NewTimerGovernor(cfg Limits, acct *Accountant, sec *SecurityMonitor, limiter *RateLimiter, logger *slog.Logger) *TimerGovernor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if limiter == nil {
		limiter = NewRateLimiter(RateLimiterConfig{
			MaxPerSecond:      cfg.MaxPerSecond,
			Window:            cfg.CreationWindow,
			MaxComponentBurst: cfg.MaxComponentBurst,
		})
	}
	now := time.Now
	return &TimerGovernor{
		cfg:        cfg,
		logger:     logger,
		accountant: acct,
		security:   sec,
		limiter:    limiter,
		registry:   make(map[string]*timerEntry),
		lastSweep:  now(),
		now:        now,
	}
}

// SetMetrics attaches a metrics instance for recording admission outcomes.
func (g *TimerGovernor) SetMetrics(m *Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = m
}

// SetLimits replaces the active ceilings; used for configuration hot reload.
func (g *TimerGovernor) SetLimits(cfg Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg.withDefaults()
}

// Create admits and schedules a managed timer on s. It returns ("", false)
// when admission is denied. A zero timeout applies the default guard
// lifetime. Repeating timers re-arm themselves after each firing and are
// removed only by Cancel, the guard, or scheduler teardown; one-shot timers
// release their slot right after the callback runs.
func (g *TimerGovernor) Create(s Scheduler, delay time.Duration, cb func(), componentID string, timeout time.Duration, repeat bool) (string, bool) {
	if s == nil || cb == nil {
		g.logger.Warn("timer creation denied: missing scheduler or callback", "component", componentID)
		g.security.RecordFailure(DenyCreationError)
		g.recordDenial(DenyCreationError, componentID)
		return "", false
	}
	g.mu.Lock()
	if timeout <= 0 {
		timeout = g.cfg.DefaultTimerTimeout
	}
	now := g.now()
	if now.Sub(g.lastSweep) > g.cfg.CleanupInterval {
		g.sweepLocked()
	}

	if componentID != "" && !g.limiter.Allow(componentID) {
		g.suspicious++
		g.mu.Unlock()
		g.logger.Warn("timer creation denied: rate limited", "component", componentID)
		g.security.RecordFailure(DenyRateLimited)
		g.recordDenial(DenyRateLimited, componentID)
		return "", false
	}

	if g.security.Suspicious() {
		g.mu.Unlock()
		g.logger.Warn("timer creation denied: suspicious activity", "component", componentID)
		g.security.RecordFailure(DenySuspiciousActivity)
		g.recordDenial(DenySuspiciousActivity, componentID)
		return "", false
	}

	counts := g.accountant.Snapshot()
	if counts.TotalTimers >= g.cfg.MaxTotalTimers {
		// Force a sweep at the ceiling; expired entries may free a slot.
		g.sweepLocked()
		counts = g.accountant.Snapshot()
		if counts.TotalTimers >= g.cfg.MaxTotalTimers {
			limit := g.cfg.MaxTotalTimers
			g.mu.Unlock()
			g.logger.Warn("timer creation denied: total ceiling reached", "limit", limit)
			g.security.RecordFailure(DenyTotalLimit)
			g.recordDenial(DenyTotalLimit, componentID)
			return "", false
		}
	}

	if componentID != "" && counts.ComponentTimers[componentID] >= g.cfg.MaxTimersPerComponent {
		limit := g.cfg.MaxTimersPerComponent
		g.mu.Unlock()
		g.logger.Warn("timer creation denied: component ceiling reached",
			"component", componentID, "limit", limit)
		g.security.RecordFailure(DenyComponentLimit)
		g.recordDenial(DenyComponentLimit, componentID)
		return "", false
	}

	u := uuid.New()
	id := fmt.Sprintf("timer_%x", u[:4])

	entry := &timerEntry{
		id:          id,
		componentID: componentID,
		sched:       s,
		delay:       delay,
		timeout:     timeout,
		repeat:      repeat,
		createdAt:   now,
	}
	g.registry[id] = entry
	g.accountant.Register(Entry{ID: id, Kind: KindTimer, ComponentID: componentID})

	// Handles are stored before the lock is released, so neither callback can
	// observe a half-registered entry. Schedule never runs fn synchronously.
	entry.fireHandle = s.Schedule(delay, g.fireWrapper(id, s, cb, delay, repeat))
	entry.guardHandle = s.Schedule(timeout, func() { g.guardFired(id) })
	g.mu.Unlock()

	g.security.RecordCreation(id, false)
	if m := g.metricsRef(); m != nil {
		m.RecordAdmission(KindTimer, true)
	}
	g.updateGauges()
	telemetry.RecordAdmission(context.Background(), string(KindTimer), componentID, true, "")
	g.logger.Debug("created timer", "timer_id", id, "delay", delay, "repeat", repeat, "component", componentID)
	return id, true
}

// fireWrapper builds the scheduled callback. The registry lock is released
// before cb runs so the callback can create or cancel timers itself.
func (g *TimerGovernor) fireWrapper(id string, s Scheduler, cb func(), delay time.Duration, repeat bool) func() {
	var fn func()
	fn = func() {
		g.mu.Lock()
		_, live := g.registry[id]
		g.mu.Unlock()
		if !live {
			// Cancelled or reclaimed while queued on the host loop.
			return
		}

		finished := true
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("timer callback panicked", "timer_id", id, "panic", r)
				finished = false
			}
			if !repeat || !finished {
				// One-shot timers release their slot after firing; a panicked
				// repeating timer is retired rather than re-armed blind.
				g.Cancel(id)
			}
		}()

		cb()

		if repeat {
			g.mu.Lock()
			if e, ok := g.registry[id]; ok {
				e.fireHandle = s.Schedule(delay, fn)
			}
			g.mu.Unlock()
		}
	}
	return fn
}

// guardFired force-reclaims a timer whose guard outlived its fire callback:
// the timer was scheduled but never fired or cancelled.
func (g *TimerGovernor) guardFired(id string) {
	g.mu.Lock()
	e, ok := g.registry[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.registry, id)
	g.accountant.Unregister(id)
	fire, sched, timeout := e.fireHandle, e.sched, e.timeout
	g.mu.Unlock()

	sched.Cancel(fire)
	g.updateGauges()
	g.logger.Warn("timer timed out, reclaimed", "timer_id", id, "timeout", timeout)
}

// Cancel cancels both scheduled primitives and removes the registry entry.
// Idempotent: returns false if the timer is already gone.
func (g *TimerGovernor) Cancel(id string) bool {
	g.mu.Lock()
	e, ok := g.registry[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.registry, id)
	g.accountant.Unregister(id)
	fire, guard, sched := e.fireHandle, e.guardHandle, e.sched
	g.mu.Unlock()

	sched.Cancel(fire)
	sched.Cancel(guard)
	g.updateGauges()
	g.logger.Debug("cancelled timer", "timer_id", id)
	return true
}

// CancelForComponent bulk-cancels every timer owned by componentID. Used when
// a UI component is torn down so no dangling timer references it.
func (g *TimerGovernor) CancelForComponent(componentID string) int {
	g.mu.Lock()
	var ids []string
	for id, e := range g.registry {
		if e.componentID == componentID {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if g.Cancel(id) {
			cancelled++
		}
	}
	g.logger.Debug("cancelled component timers", "component", componentID, "count", cancelled)
	return cancelled
}

// CancelAll cancels every active timer. Global safety valve for error
// recovery and test teardown.
func (g *TimerGovernor) CancelAll() int {
	g.mu.Lock()
	ids := make([]string, 0, len(g.registry))
	for id := range g.registry {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if g.Cancel(id) {
			cancelled++
		}
	}
	g.logger.Debug("cancelled all timers", "count", cancelled)
	return cancelled
}

// ActiveCount returns the number of registered timers.
func (g *TimerGovernor) ActiveCount() int {
	return g.accountant.Snapshot().TotalTimers
}

// ComponentCount returns the number of registered timers owned by componentID.
func (g *TimerGovernor) ComponentCount(componentID string) int {
	return g.accountant.Snapshot().ComponentTimers[componentID]
}

// DetectSuspicious reports whether timer activity looks abusive: repeated
// rate-limit denials, or a component close to its ceiling.
func (g *TimerGovernor) DetectSuspicious() bool {
	g.mu.Lock()
	incidents := g.suspicious
	limit := g.cfg.MaxTimersPerComponent
	g.mu.Unlock()

	if incidents > 10 {
		g.logger.Error("excessive suspicious timer activity", "incidents", incidents)
		return true
	}

	counts := g.accountant.Snapshot()
	for componentID, count := range counts.ComponentTimers {
		if float64(count) >= float64(limit)*0.8 {
			g.logger.Warn("component approaching timer ceiling",
				"component", componentID, "count", count, "limit", limit)
			return true
		}
	}
	return false
}

// Sweep reclaims timers that outlived their guard timeout and returns how
// many were removed.
func (g *TimerGovernor) Sweep() int {
	g.mu.Lock()
	n := g.sweepLocked()
	g.mu.Unlock()
	if n > 0 {
		g.updateGauges()
	}
	if m := g.metricsRef(); m != nil {
		m.RecordSweep(n)
	}
	return n
}

// EmergencyCleanup cancels every timer and resets the rate-limit history and
// suspicion counters. Crisis use only.
func (g *TimerGovernor) EmergencyCleanup() int {
	g.logger.Error("emergency timer cleanup initiated")
	cancelled := g.CancelAll()

	g.mu.Lock()
	g.suspicious = 0
	g.mu.Unlock()
	g.limiter.Clear()

	g.logger.Info("emergency timer cleanup complete", "cancelled", cancelled)
	return cancelled
}

// Stats returns a snapshot of the timer governor for monitoring. Pure read.
func (g *TimerGovernor) Stats() TimerStats {
	counts := g.accountant.Snapshot()

	g.mu.Lock()
	incidents := g.suspicious
	cfg := g.cfg
	g.mu.Unlock()

	return TimerStats{
		TotalTimers:         counts.TotalTimers,
		ComponentCounts:     counts.ComponentTimers,
		MaxTotal:            cfg.MaxTotalTimers,
		MaxPerComponent:     cfg.MaxTimersPerComponent,
		SuspiciousIncidents: incidents,
		RecentCreations:     g.limiter.Recent(),
		SuspiciousDetected:  g.DetectSuspicious(),
	}
}

// Delayed creates a one-shot delayed callback with the default guard timeout.
func (g *TimerGovernor) Delayed(s Scheduler, delay time.Duration, cb func(), componentID string) (string, bool) {
	return g.Create(s, delay, cb, componentID, 0, false)
}

// Repeating creates a repeating timer; maxLifetime bounds how long it may
// stay registered (zero applies the default guard timeout).
func (g *TimerGovernor) Repeating(s Scheduler, interval time.Duration, cb func(), componentID string, maxLifetime time.Duration) (string, bool) {
	return g.Create(s, interval, cb, componentID, maxLifetime, true)
}

// Autosave creates a one-shot save callback with the standard 1s delay.
func (g *TimerGovernor) Autosave(s Scheduler, save func(), componentID string) (string, bool) {
	return g.Create(s, time.Second, save, componentID, 0, false)
}

// sweepLocked removes entries older than their guard timeout. The guard
// normally beats the sweeper to it; this is the backstop for schedulers that
// were torn down without firing the guard.
func (g *TimerGovernor) sweepLocked() int {
	now := g.now()
	var expired []*timerEntry
	for id, e := range g.registry {
		if now.Sub(e.createdAt) > e.timeout {
			expired = append(expired, e)
			delete(g.registry, id)
			g.accountant.Unregister(id)
		}
	}
	for _, e := range expired {
		e.sched.Cancel(e.fireHandle)
		e.sched.Cancel(e.guardHandle)
		g.logger.Debug("timer expired", "timer_id", e.id, "timeout", e.timeout)
	}
	if len(expired) > 0 {
		g.logger.Info("swept expired timers", "reclaimed", len(expired))
	}
	g.lastSweep = now
	return len(expired)
}

func (g *TimerGovernor) metricsRef() *Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}

func (g *TimerGovernor) recordDenial(reason DenialReason, componentID string) {
	if m := g.metricsRef(); m != nil {
		m.RecordAdmission(KindTimer, false)
		m.RecordDenial(KindTimer, reason)
	}
	telemetry.RecordAdmission(context.Background(), string(KindTimer), componentID, false, string(reason))
}

func (g *TimerGovernor) updateGauges() {
	m := g.metricsRef()
	if m == nil {
		return
	}
	c := g.accountant.Snapshot()
	m.SetActive(c.TotalThreads, c.BackgroundThreads, c.TotalTimers)
}
