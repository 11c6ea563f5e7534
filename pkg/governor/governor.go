package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Stats aggregates both governors' snapshots for the diagnostics surface.
type Stats struct {
	Threads ThreadStats `json:"threads"`
	Timers  TimerStats  `json:"timers"`
}

// Governor is the single authority mediating every background goroutine and
// scheduled timer the application creates. Construct one at process start and
// inject it into every component; there is no package-level instance.
type Governor struct {
	logger     *slog.Logger
	accountant *Accountant
	security   *SecurityMonitor
	limiter    *RateLimiter
	sweeper    *Sweeper

	// Threads and Timers expose the full per-kind APIs.
	Threads *ThreadGovernor
	Timers  *TimerGovernor

	mu    sync.Mutex
	cfg   Limits
	pools map[string]*WorkerPool
}

// New wires the accountant, rate limiter, security monitor, and both
// governors together. A nil logger falls back to slog.Default.
func New(cfg Limits, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	acct := NewAccountant()
	sec := NewSecurityMonitor(logger)
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxPerSecond:      cfg.MaxPerSecond,
		Window:            cfg.CreationWindow,
		MaxComponentBurst: cfg.MaxComponentBurst,
	})

	threads := NewThreadGovernor(cfg, acct, sec, nil, logger)
	timers := NewTimerGovernor(cfg, acct, sec, limiter, logger)

	g := &Governor{
		logger:     logger,
		accountant: acct,
		security:   sec,
		limiter:    limiter,
		Threads:    threads,
		Timers:     timers,
		cfg:        cfg,
		pools:      make(map[string]*WorkerPool),
	}
	g.sweeper = NewSweeper(cfg.CleanupInterval, threads, timers, logger)
	return g
}

// SetMetrics attaches Prometheus metrics to both governors.
func (g *Governor) SetMetrics(m *Metrics) {
	g.Threads.SetMetrics(m)
	g.Timers.SetMetrics(m)
}

// SetSampler replaces the system sampler, mainly for tests and embedders
// with a real host monitor.
func (g *Governor) SetSampler(s SystemSampler) {
	g.Threads.mu.Lock()
	defer g.Threads.mu.Unlock()
	if s == nil {
		s = NewRuntimeSampler()
	}
	g.Threads.sampler = s
}

// ApplyLimits hot-swaps the resource ceilings on both governors; used by the
// configuration reload path.
func (g *Governor) ApplyLimits(cfg Limits) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.Threads.SetLimits(cfg)
	g.Timers.SetLimits(cfg)
	g.logger.Info("governor limits updated",
		"max_threads", cfg.MaxTotalThreads,
		"max_timers", cfg.MaxTotalTimers)
}

// RegisterComponent declares a component's admission class up front, so the
// CPU-relaxation decision is an explicit tag rather than an id convention.
func (g *Governor) RegisterComponent(componentID string, class ComponentClass) {
	g.Threads.RegisterComponent(componentID, class)
}

// CreateManagedThread admits and starts a governed goroutine. Nil means the
// operation was declined and should be deferred or skipped, never crashed on.
func (g *Governor) CreateManagedThread(id string, work func() error, background bool, componentID string) *ManagedThread {
	return g.Threads.CreateManaged(id, work, background, componentID)
}

// CreateTimer admits and schedules a managed timer on s.
func (g *Governor) CreateTimer(s Scheduler, delay time.Duration, cb func(), componentID string, timeout time.Duration, repeat bool) (string, bool) {
	return g.Timers.Create(s, delay, cb, componentID, timeout, repeat)
}

// CancelTimer cancels one timer; false if it was already gone.
func (g *Governor) CancelTimer(id string) bool {
	return g.Timers.Cancel(id)
}

// CancelComponentTimers bulk-cancels a component's timers on teardown.
func (g *Governor) CancelComponentTimers(componentID string) int {
	return g.Timers.CancelForComponent(componentID)
}

// CancelAllTimers cancels every timer. Error recovery and test teardown only.
func (g *Governor) CancelAllTimers() int {
	return g.Timers.CancelAll()
}

// ComponentScope returns a teardown func that bulk-cancels the component's
// timers; callers defer it for the lifetime of a UI component.
func (g *Governor) ComponentScope(componentID string) func() int {
	return func() int {
		return g.Timers.CancelForComponent(componentID)
	}
}

// BlockComponent refuses all further thread admissions for componentID.
func (g *Governor) BlockComponent(componentID, reason string) {
	g.Threads.BlockComponent(componentID, reason)
}

// UnblockComponent lifts a block.
func (g *Governor) UnblockComponent(componentID string) {
	g.Threads.UnblockComponent(componentID)
}

// EmergencyShutdown blocks every known component, force-sweeps both
// registries, cancels all timers, and wipes auxiliary state. Running threads
// cannot be killed; this contains new work while they drain.
func (g *Governor) EmergencyShutdown() {
	g.logger.Error("emergency shutdown initiated")
	g.Threads.EmergencyShutdown()
	g.Timers.EmergencyCleanup()
	g.sweeper.ClearExtras()
}

// Stats returns a read-only snapshot of both governors.
func (g *Governor) Stats() Stats {
	return Stats{
		Threads: g.Threads.Stats(),
		Timers:  g.Timers.Stats(),
	}
}

// Sweep runs one reclamation pass immediately.
func (g *Governor) Sweep() int {
	return g.sweeper.Sweep()
}

// AddClearable registers auxiliary state for emergency cleanup.
func (g *Governor) AddClearable(c Clearable) {
	g.sweeper.AddClearable(c)
}

// StartSweeper runs the periodic sweep until ctx is cancelled.
func (g *Governor) StartSweeper(ctx context.Context) {
	go g.sweeper.Run(ctx)
}

// Pool returns the named worker pool, creating it on first use. Worker counts
// are capped at the configured MaxConcurrentOps.
func (g *Governor) Pool(id string, workers int) *WorkerPool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.pools[id]; ok {
		return p
	}
	if workers > g.cfg.MaxConcurrentOps {
		workers = g.cfg.MaxConcurrentOps
	}
	p := newWorkerPool(id, workers, g.Threads, g.logger)
	g.pools[id] = p
	g.logger.Debug("created worker pool", "pool", id, "workers", workers)
	return p
}

// ShutdownPools stops all pools and waits for their running jobs.
func (g *Governor) ShutdownPools() {
	g.mu.Lock()
	pools := make([]*WorkerPool, 0, len(g.pools))
	for _, p := range g.pools {
		pools = append(pools, p)
	}
	g.pools = make(map[string]*WorkerPool)
	g.mu.Unlock()

	for _, p := range pools {
		p.Shutdown()
	}
}
