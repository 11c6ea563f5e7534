package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pkgsentry/pkgsentry/pkg/telemetry"
)

// ComponentClass tags a component with the admission profile it is entitled
// to. Update checks run legitimately long CPU-bound work (package database
// refreshes), so they get a higher CPU allowance than standard UI components.
type ComponentClass int

const (
	ClassStandard ComponentClass = iota
	ClassUpdateCheck
)

// cpuRelaxation is the extra CPU headroom (percentage points) granted during
// the startup grace period and to update-check components, capped at 95%.
const (
	cpuRelaxation   = 15
	cpuRelaxedCap   = 95
	cpuHardOverride = 98
)

// threadEntry is a registry slot. Owned exclusively by the governor; the done
// channel is shared with the caller's handle and closed by the wrapper.
type threadEntry struct {
	id          string
	background  bool
	componentID string
	startTime   time.Time
	done        chan struct{}
}

// ManagedThread is the caller's handle to a governed goroutine. Err is valid
// once Done is closed.
type ManagedThread struct {
	id          string
	componentID string
	background  bool
	done        chan struct{}
	err         error
}

// ID returns the thread's registry identifier.
func (t *ManagedThread) ID() string { return t.id }

// Done is closed after the work function has returned and the registry slot
// has been released.
func (t *ManagedThread) Done() <-chan struct{} { return t.done }

// Err returns the work function's error (or the recovered panic). Only valid
// after Done is closed.
func (t *ManagedThread) Err() error { return t.err }

// ComponentID returns the owning component, if any.
func (t *ManagedThread) ComponentID() string { return t.componentID }

// Background reports whether the thread was admitted as background work.
func (t *ManagedThread) Background() bool { return t.background }

// Wait blocks until the thread finishes and returns its error.
func (t *ManagedThread) Wait() error {
	<-t.done
	return t.err
}

// Alive reports whether the work function is still running.
func (t *ManagedThread) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// ThreadStats is a point-in-time snapshot of the thread governor.
type ThreadStats struct {
	TotalActive        int            `json:"total_active"`
	Background         int            `json:"background"`
	Foreground         int            `json:"foreground"`
	ComponentBreakdown map[string]int `json:"component_breakdown"`
	RegistrySize       int            `json:"registry_size"`
	MaxTotal           int            `json:"max_total_limit"`
	MaxBackground      int            `json:"max_background_limit"`
	BlockedComponents  []string       `json:"blocked_components"`
	Suspicious         bool           `json:"suspicious_activity"`
	FailureCount       int            `json:"failure_count"`
	CPUPercent         float64        `json:"cpu_percent"`
	MemoryPercent      float64        `json:"memory_percent"`
}

// ThreadGovernor is the gatekeeper and registry for governed goroutines. All
// admission decisions and registry mutations happen under one lock, so an
// admission check is atomic with respect to concurrent callers. User work
// functions always run outside the lock.
type ThreadGovernor struct {
	mu         sync.Mutex
	cfg        Limits
	logger     *slog.Logger
	accountant *Accountant
	security   *SecurityMonitor
	sampler    SystemSampler
	metrics    *Metrics

	registry map[string]*threadEntry
	blocked  map[string]string
	classes  map[string]ComponentClass

	startup   time.Time
	lastSweep time.Time
	now       func() time.Time
}

// NewThreadGovernor creates a thread governor sharing the given accountant
// and security monitor with its sibling timer governor.
func NewThreadGovernor(cfg Limits, acct *Accountant, sec *SecurityMonitor, sampler SystemSampler, logger *slog.Logger) *ThreadGovernor {
	if logger == nil {
		logger = slog.Default()
	}
	if sampler == nil {
		sampler = NewRuntimeSampler()
	}
	now := time.Now
	return &ThreadGovernor{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		accountant: acct,
		security:   sec,
		sampler:    sampler,
		registry:   make(map[string]*threadEntry),
		blocked:    make(map[string]string),
		classes:    make(map[string]ComponentClass),
		startup:    now(),
		lastSweep:  now(),
		now:        now,
	}
}

// SetMetrics attaches a metrics instance for recording admission outcomes.
func (g *ThreadGovernor) SetMetrics(m *Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = m
}

// SetLimits replaces the active ceilings; used for configuration hot reload.
// Already-registered threads are never evicted by a lower ceiling, they age
// out through completion or the sweeper.
func (g *ThreadGovernor) SetLimits(cfg Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg.withDefaults()
}

// RegisterComponent declares a component's admission class. Unregistered
// components default to ClassStandard.
func (g *ThreadGovernor) RegisterComponent(componentID string, class ComponentClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.classes[componentID] = class
}

// CanCreate reports whether a new thread would currently be admitted. The
// answer is advisory: CreateManaged re-evaluates under the same lock, so a
// true result here can still be followed by a denial if the world changed.
func (g *ThreadGovernor) CanCreate(background bool, componentID string) bool {
	g.mu.Lock()
	reason, ok := g.admitLocked(background, componentID)
	g.mu.Unlock()

	if !ok {
		g.recordDenial(reason, componentID)
	}
	return ok
}

// CreateManaged admits, registers, and starts a governed goroutine running
// work. It returns nil when admission is denied; callers must treat a nil
// handle as "operation declined", not as a failure. The registry entry exists
// before the goroutine starts, and the wrapper unconditionally releases it
// when work returns, errors, or panics.
func (g *ThreadGovernor) CreateManaged(id string, work func() error, background bool, componentID string) *ManagedThread {
	if work == nil {
		g.logger.Warn("thread creation denied: nil work function", "component", componentID)
		g.security.RecordFailure(DenyCreationError)
		g.recordDenial(DenyCreationError, componentID)
		return nil
	}
	if id == "" {
		u := uuid.New()
		id = fmt.Sprintf("thread_%x", u[:4])
	}

	g.mu.Lock()
	reason, ok := g.admitLocked(background, componentID)
	if !ok {
		g.mu.Unlock()
		g.recordDenial(reason, componentID)
		return nil
	}
	if _, exists := g.registry[id]; exists {
		g.mu.Unlock()
		g.logger.Warn("thread creation denied: duplicate id", "thread_id", id)
		g.security.RecordFailure(DenyCreationError)
		g.recordDenial(DenyCreationError, componentID)
		return nil
	}

	entry := &threadEntry{
		id:          id,
		background:  background,
		componentID: componentID,
		startTime:   g.now(),
		done:        make(chan struct{}),
	}
	g.registry[id] = entry
	g.accountant.Register(Entry{ID: id, Kind: KindThread, Background: background, ComponentID: componentID})
	metrics := g.metrics
	total := len(g.registry)
	g.mu.Unlock()

	g.security.RecordCreation(id, background)
	if metrics != nil {
		metrics.RecordAdmission(KindThread, true)
	}
	g.updateGauges()
	telemetry.RecordAdmission(context.Background(), string(KindThread), componentID, true, "")
	g.logger.Debug("registered thread", "thread_id", id, "component", componentID, "total", total)

	handle := &ManagedThread{
		id:          id,
		componentID: componentID,
		background:  background,
		done:        entry.done,
	}
	go g.run(handle, entry, work)
	return handle
}

// run is the wrapper around the caller's work function. Unregistration is on
// the unconditional exit path: normal return, error, or panic all release the
// registry slot before the handle is signalled.
func (g *ThreadGovernor) run(t *ManagedThread, e *threadEntry, work func() error) {
	g.mu.Lock()
	memLimit := g.cfg.MaxThreadMemoryMB
	g.mu.Unlock()
	if mb := processMemoryMB(); mb > memLimit {
		g.logger.Warn("process memory high at thread start",
			"thread_id", e.id, "memory_mb", mb, "limit_mb", memLimit)
	}

	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("thread %s panicked: %v", e.id, r)
			g.logger.Error("managed thread panicked", "thread_id", e.id, "panic", r)
		}
		g.Unregister(e.id)
		close(t.done)
	}()

	if err := work(); err != nil {
		t.err = err
		g.logger.Error("managed thread failed", "thread_id", e.id, "error", err)
	} else {
		g.logger.Debug("managed thread completed", "thread_id", e.id)
	}
}

// Unregister releases id's registry slot and counters. Idempotent: a second
// call (for example the sweeper racing the wrapper) returns false.
func (g *ThreadGovernor) Unregister(id string) bool {
	g.mu.Lock()
	ok := g.unregisterLocked(id)
	g.mu.Unlock()
	if ok {
		g.updateGauges()
	}
	return ok
}

func (g *ThreadGovernor) unregisterLocked(id string) bool {
	e, exists := g.registry[id]
	if !exists {
		return false
	}
	delete(g.registry, id)
	g.accountant.Unregister(id)

	runtime := g.now().Sub(e.startTime)
	if runtime > g.cfg.ThreadTimeout {
		g.logger.Warn("thread exceeded timeout",
			"thread_id", id, "runtime", runtime, "timeout", g.cfg.ThreadTimeout)
	}
	if g.metrics != nil {
		g.metrics.ObserveThreadRuntime(runtime.Seconds())
	}
	g.logger.Debug("unregistered thread", "thread_id", id, "runtime", runtime, "total", len(g.registry))
	return true
}

// BlockComponent refuses all further admissions for componentID. Intended for
// emergency containment of a misbehaving component.
func (g *ThreadGovernor) BlockComponent(componentID, reason string) {
	g.mu.Lock()
	g.blocked[componentID] = reason
	g.mu.Unlock()
	g.logger.Warn("blocked component", "component", componentID, "reason", reason)
}

// UnblockComponent lifts a block.
func (g *ThreadGovernor) UnblockComponent(componentID string) {
	g.mu.Lock()
	delete(g.blocked, componentID)
	g.mu.Unlock()
	g.logger.Info("unblocked component", "component", componentID)
}

// Blocked reports whether componentID is currently blocked.
func (g *ThreadGovernor) Blocked(componentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, blocked := g.blocked[componentID]
	return blocked
}

// EmergencyShutdown blocks every currently-known component and force-runs a
// sweep. Already-running threads cannot be killed; they finish on their own
// and release their slots through the usual wrapper path.
func (g *ThreadGovernor) EmergencyShutdown() {
	g.mu.Lock()
	counts := g.accountant.Snapshot()
	for comp := range counts.ComponentThreads {
		g.blocked[comp] = "emergency shutdown"
	}
	for comp := range g.classes {
		g.blocked[comp] = "emergency shutdown"
	}
	reclaimed := g.sweepLocked()
	remaining := len(g.registry)
	g.mu.Unlock()

	g.updateGauges()
	g.logger.Error("emergency thread shutdown complete",
		"reclaimed", reclaimed, "remaining", remaining)
}

// Sweep reclaims dead and timed-out registry entries and returns how many
// slots were released.
func (g *ThreadGovernor) Sweep() int {
	g.mu.Lock()
	n := g.sweepLocked()
	m := g.metrics
	g.mu.Unlock()
	if n > 0 {
		g.updateGauges()
	}
	if m != nil {
		m.RecordSweep(n)
	}
	return n
}

// Stats returns a snapshot of all counters plus system samples. Pure read.
func (g *ThreadGovernor) Stats() ThreadStats {
	counts := g.accountant.Snapshot()

	g.mu.Lock()
	blocked := make([]string, 0, len(g.blocked))
	for comp := range g.blocked {
		blocked = append(blocked, comp)
	}
	registrySize := len(g.registry)
	cfg := g.cfg
	sampler := g.sampler
	g.mu.Unlock()
	sort.Strings(blocked)

	s := ThreadStats{
		TotalActive:        counts.TotalThreads,
		Background:         counts.BackgroundThreads,
		Foreground:         counts.TotalThreads - counts.BackgroundThreads,
		ComponentBreakdown: counts.ComponentThreads,
		RegistrySize:       registrySize,
		MaxTotal:           cfg.MaxTotalThreads,
		MaxBackground:      cfg.MaxBackgroundThreads,
		BlockedComponents:  blocked,
		Suspicious:         g.security.Suspicious(),
		FailureCount:       g.security.FailureCount(),
	}
	if cpu, err := sampler.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := sampler.MemoryPercent(); err == nil {
		s.MemoryPercent = mem
	}
	return s
}

// admitLocked runs the admission pipeline in order: opportunistic cleanup,
// system resources, suspicious activity, hard ceilings, block list. Failing
// checks record their reason with the security monitor.
func (g *ThreadGovernor) admitLocked(background bool, componentID string) (DenialReason, bool) {
	g.sweepLocked()

	if !g.systemResourcesOKLocked(componentID) {
		g.security.RecordFailure(DenySystemResources)
		return DenySystemResources, false
	}

	if g.security.Suspicious() {
		g.logger.Warn("thread creation denied: suspicious activity", "component", componentID)
		g.security.RecordFailure(DenySuspiciousActivity)
		return DenySuspiciousActivity, false
	}

	counts := g.accountant.Snapshot()

	if counts.TotalThreads >= g.cfg.MaxTotalThreads {
		g.logger.Warn("thread creation denied: total ceiling reached",
			"active", counts.TotalThreads,
			"limit", g.cfg.MaxTotalThreads,
			"registry_size", len(g.registry),
			"components", counts.ComponentThreads)
		g.security.RecordFailure(DenyTotalLimit)
		return DenyTotalLimit, false
	}

	if background && counts.BackgroundThreads >= g.cfg.MaxBackgroundThreads {
		g.logger.Warn("thread creation denied: background ceiling reached",
			"background", counts.BackgroundThreads, "limit", g.cfg.MaxBackgroundThreads)
		g.security.RecordFailure(DenyBackgroundLimit)
		return DenyBackgroundLimit, false
	}

	if componentID != "" {
		if counts.ComponentThreads[componentID] >= g.cfg.MaxThreadsPerComponent {
			g.logger.Warn("thread creation denied: component ceiling reached",
				"component", componentID, "limit", g.cfg.MaxThreadsPerComponent)
			g.security.RecordFailure(DenyComponentLimit)
			return DenyComponentLimit, false
		}
		if reason, blocked := g.blocked[componentID]; blocked {
			g.logger.Warn("thread creation denied: component blocked",
				"component", componentID, "block_reason", reason)
			g.security.RecordFailure(DenyComponentBlocked)
			return DenyComponentBlocked, false
		}
	}

	return "", true
}

// systemResourcesOKLocked gates admission on host pressure. Sampling failures
// fail open: a broken monitor must never wedge the application. The CPU
// threshold relaxes during the startup grace period and for update-check
// components, whose long CPU-bound work is legitimate.
func (g *ThreadGovernor) systemResourcesOKLocked(componentID string) bool {
	grace := g.now().Sub(g.startup) < g.cfg.StartupGracePeriod
	class := g.classes[componentID]

	if cpu, err := g.sampler.CPUPercent(); err != nil {
		g.logger.Debug("cpu sampling failed, allowing", "error", err)
	} else {
		threshold := g.cfg.MaxCPUPercent
		if grace || class == ClassUpdateCheck {
			threshold = g.cfg.MaxCPUPercent + cpuRelaxation
			if threshold > cpuRelaxedCap {
				threshold = cpuRelaxedCap
			}
		}
		if cpu > threshold {
			switch {
			case grace:
				g.logger.Info("high cpu within startup grace period", "cpu", cpu, "threshold", threshold)
			case class == ClassUpdateCheck && cpu < cpuHardOverride:
				g.logger.Info("allowing update-check work despite high cpu", "cpu", cpu, "component", componentID)
			default:
				g.logger.Warn("thread creation denied: high cpu", "cpu", cpu, "threshold", threshold)
				return false
			}
		}
	}

	if mem, err := g.sampler.MemoryPercent(); err != nil {
		g.logger.Debug("memory sampling failed, allowing", "error", err)
	} else if mem > g.cfg.MaxMemoryPercent {
		// Memory ceilings are always enforced, grace period or not.
		g.logger.Warn("thread creation denied: high memory", "memory", mem, "threshold", g.cfg.MaxMemoryPercent)
		return false
	}

	return true
}

// sweepLocked reclaims dead entries and force-reclaims slots held past the
// thread timeout. Timeout enforcement is detection-only: the goroutine cannot
// be interrupted, so the slot is released while the work runs unsupervised
// and the wrapper's later Unregister becomes a no-op.
func (g *ThreadGovernor) sweepLocked() int {
	now := g.now()
	var reclaim []string
	for id, e := range g.registry {
		select {
		case <-e.done:
			reclaim = append(reclaim, id)
			continue
		default:
		}
		if now.Sub(e.startTime) > g.cfg.ThreadTimeout {
			g.logger.Warn("thread timed out, reclaiming slot",
				"thread_id", id, "runtime", now.Sub(e.startTime))
			reclaim = append(reclaim, id)
		}
	}
	for _, id := range reclaim {
		g.unregisterLocked(id)
	}
	if len(reclaim) > 0 {
		g.logger.Debug("swept thread registry", "reclaimed", len(reclaim))
	}
	g.lastSweep = now
	return len(reclaim)
}

func (g *ThreadGovernor) recordDenial(reason DenialReason, componentID string) {
	g.mu.Lock()
	metrics := g.metrics
	g.mu.Unlock()
	if metrics != nil {
		metrics.RecordAdmission(KindThread, false)
		metrics.RecordDenial(KindThread, reason)
	}
	telemetry.RecordAdmission(context.Background(), string(KindThread), componentID, false, string(reason))
}

func (g *ThreadGovernor) updateGauges() {
	g.mu.Lock()
	metrics := g.metrics
	g.mu.Unlock()
	if metrics == nil {
		return
	}
	c := g.accountant.Snapshot()
	metrics.SetActive(c.TotalThreads, c.BackgroundThreads, c.TotalTimers)
}
