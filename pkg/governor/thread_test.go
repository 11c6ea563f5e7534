package governor

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock returns a clock that advances by step on every reading, so
// rapid test loops look paced to the burst heuristic.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	at := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(step)
		return at
	}
}

type errSampler struct{}

func (errSampler) CPUPercent() (float64, error)    { return 0, errors.New("cpu sample unavailable") }
func (errSampler) MemoryPercent() (float64, error) { return 0, errors.New("memory sample unavailable") }

// newTestThreadGov builds a governor with an idle host sampler, a paced
// security clock, and the startup grace period already behind it.
func newTestThreadGov(cfg Limits, sampler SystemSampler) *ThreadGovernor {
	if sampler == nil {
		sampler = NewStaticSampler(10, 10)
	}
	sec := NewSecurityMonitor(slog.Default())
	sec.now = steppingClock(time.Now(), time.Second)
	g := NewThreadGovernor(cfg, NewAccountant(), sec, sampler, slog.Default())
	g.startup = time.Now().Add(-time.Hour)
	return g
}

func startBlocked(t *testing.T, g *ThreadGovernor, id string, background bool, componentID string, gate chan struct{}) *ManagedThread {
	t.Helper()
	h := g.CreateManaged(id, func() error {
		<-gate
		return nil
	}, background, componentID)
	require.NotNil(t, h, "expected admission for %q", id)
	return h
}

func waitAll(t *testing.T, handles []*ManagedThread) {
	t.Helper()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("thread %s did not finish", h.ID())
		}
	}
}

func TestManagedThreadLifecycle(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)

	ran := make(chan struct{})
	h := g.CreateManaged("worker", func() error {
		close(ran)
		return nil
	}, true, "news")
	require.NotNil(t, h)
	assert.Equal(t, "worker", h.ID())
	assert.Equal(t, "news", h.ComponentID())
	assert.True(t, h.Background())

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("work never ran")
	}
	require.NoError(t, h.Wait())
	assert.False(t, h.Alive())
	assert.Equal(t, 0, g.Stats().TotalActive, "slot released after completion")
}

func TestManagedThreadReportsWorkError(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)

	wantErr := errors.New("fetch failed")
	h := g.CreateManaged("", func() error { return wantErr }, false, "")
	require.NotNil(t, h)
	assert.True(t, strings.HasPrefix(h.ID(), "thread_"), "generated ids carry the thread_ prefix")

	assert.ErrorIs(t, h.Wait(), wantErr)
}

func TestManagedThreadPanicIsContained(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)

	h := g.CreateManaged("boom", func() error { panic("kaboom") }, false, "ui")
	require.NotNil(t, h)

	err := h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 0, g.Stats().TotalActive, "panicking thread still releases its slot")
}

func TestThreadTotalCeiling(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)
	gate := make(chan struct{})

	// Three components at their per-component ceiling fill all 30 slots.
	firstGate := make(chan struct{})
	var handles []*ManagedThread
	first := startBlocked(t, g, "news_0", false, "news", firstGate)
	for _, comp := range []string{"news", "updates", "packages"} {
		for i := 1; i < 10; i++ {
			handles = append(handles, startBlocked(t, g, fmt.Sprintf("%s_%d", comp, i), false, comp, gate))
		}
	}
	handles = append(handles,
		startBlocked(t, g, "updates_0", false, "updates", gate),
		startBlocked(t, g, "packages_0", false, "packages", gate))
	require.Equal(t, 30, g.Stats().TotalActive)

	assert.False(t, g.CanCreate(false, "settings"))
	assert.Nil(t, g.CreateManaged("overflow", func() error { return nil }, false, "settings"),
		"31st thread is refused at the total ceiling")

	// One completion is enough to free a slot for the next request.
	close(firstGate)
	require.NoError(t, first.Wait())
	h := g.CreateManaged("retry", func() error { return nil }, false, "settings")
	require.NotNil(t, h)
	require.NoError(t, h.Wait())

	close(gate)
	waitAll(t, handles)
	require.Equal(t, 0, g.Stats().TotalActive)
}

func TestBackgroundCeiling(t *testing.T) {
	g := newTestThreadGov(Limits{MaxTotalThreads: 10, MaxBackgroundThreads: 2}, nil)
	gate := make(chan struct{})
	defer close(gate)

	startBlocked(t, g, "bg1", true, "a", gate)
	startBlocked(t, g, "bg2", true, "b", gate)

	assert.Nil(t, g.CreateManaged("bg3", func() error { return nil }, true, "c"),
		"background ceiling holds even with total capacity left")
	assert.NotNil(t, startBlocked(t, g, "fg1", false, "c", gate),
		"foreground admission is unaffected by the background ceiling")
}

func TestComponentCeiling(t *testing.T) {
	g := newTestThreadGov(Limits{MaxThreadsPerComponent: 2}, nil)
	gate := make(chan struct{})
	defer close(gate)

	startBlocked(t, g, "n1", false, "news", gate)
	startBlocked(t, g, "n2", false, "news", gate)

	assert.Nil(t, g.CreateManaged("n3", func() error { return nil }, false, "news"))
	assert.NotNil(t, startBlocked(t, g, "u1", false, "updates", gate),
		"other components keep their own budget")
}

func TestBlockedComponentRefused(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)

	g.BlockComponent("rogue", "test containment")
	assert.True(t, g.Blocked("rogue"))
	assert.Nil(t, g.CreateManaged("", func() error { return nil }, false, "rogue"))
	assert.False(t, g.CanCreate(false, "rogue"))

	g.UnblockComponent("rogue")
	assert.False(t, g.Blocked("rogue"))
	h := g.CreateManaged("", func() error { return nil }, false, "rogue")
	require.NotNil(t, h)
	require.NoError(t, h.Wait())
}

func TestDuplicateIDRefused(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)
	gate := make(chan struct{})
	defer close(gate)

	startBlocked(t, g, "dup", false, "", gate)
	assert.Nil(t, g.CreateManaged("dup", func() error { return nil }, false, ""))
}

func TestNilWorkRefused(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)
	assert.Nil(t, g.CreateManaged("noop", nil, false, "ui"))
	assert.Equal(t, 0, g.Stats().TotalActive)
}

func TestCPUGate(t *testing.T) {
	g := newTestThreadGov(Limits{}, NewStaticSampler(90, 10))
	g.RegisterComponent("updater", ClassUpdateCheck)

	assert.False(t, g.CanCreate(false, "ui"), "standard components stop at 80% cpu")
	assert.True(t, g.CanCreate(false, "updater"), "update checks get relaxed headroom")
}

func TestCPUHardOverride(t *testing.T) {
	g := newTestThreadGov(Limits{}, NewStaticSampler(99, 10))
	g.RegisterComponent("updater", ClassUpdateCheck)

	assert.False(t, g.CanCreate(false, "updater"),
		"no relaxation applies once cpu is critically high")
}

func TestStartupGraceRelaxesCPU(t *testing.T) {
	sec := NewSecurityMonitor(slog.Default())
	sec.now = steppingClock(time.Now(), time.Second)
	g := NewThreadGovernor(Limits{}, NewAccountant(), sec, NewStaticSampler(90, 10), slog.Default())

	assert.True(t, g.CanCreate(false, "ui"), "90% cpu is tolerated during startup")

	g.mu.Lock()
	g.startup = time.Now().Add(-time.Hour)
	g.mu.Unlock()
	assert.False(t, g.CanCreate(false, "ui"), "the grace period has ended")
}

func TestMemoryGateAlwaysEnforced(t *testing.T) {
	sec := NewSecurityMonitor(slog.Default())
	sec.now = steppingClock(time.Now(), time.Second)
	g := NewThreadGovernor(Limits{}, NewAccountant(), sec, NewStaticSampler(10, 90), slog.Default())
	g.RegisterComponent("updater", ClassUpdateCheck)

	assert.False(t, g.CanCreate(false, "ui"), "memory pressure denies during grace")
	assert.False(t, g.CanCreate(false, "updater"), "memory pressure denies update checks too")
}

func TestSamplerFailureFailsOpen(t *testing.T) {
	g := newTestThreadGov(Limits{}, errSampler{})

	h := g.CreateManaged("", func() error { return nil }, false, "ui")
	require.NotNil(t, h, "a broken monitor must never wedge admission")
	require.NoError(t, h.Wait())
}

func TestSweepReclaimsTimedOutThread(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)
	gate := make(chan struct{})

	h := startBlocked(t, g, "stuck", false, "news", gate)
	require.Equal(t, 1, g.Stats().TotalActive)

	// Jump the governor clock past the thread timeout.
	g.mu.Lock()
	future := time.Now().Add(4 * time.Minute)
	g.now = func() time.Time { return future }
	g.mu.Unlock()

	assert.Equal(t, 1, g.Sweep(), "the stuck thread's slot is force-reclaimed")
	assert.Equal(t, 0, g.Stats().TotalActive)

	// The wrapper's own unregister on completion is a harmless no-op.
	close(gate)
	require.NoError(t, h.Wait())
	assert.Equal(t, 0, g.Stats().TotalActive)
	assert.Equal(t, 0, g.accountant.Snapshot().TotalThreads)
}

func TestEmergencyShutdownBlocksComponents(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)
	g.RegisterComponent("updater", ClassUpdateCheck)
	gate := make(chan struct{})

	h := startBlocked(t, g, "w1", false, "news", gate)

	g.EmergencyShutdown()
	assert.True(t, g.Blocked("news"))
	assert.True(t, g.Blocked("updater"), "registered components are blocked even when idle")
	assert.Nil(t, g.CreateManaged("", func() error { return nil }, false, "news"))

	// Running work is never killed; it drains on its own.
	assert.True(t, h.Alive())
	close(gate)
	require.NoError(t, h.Wait())
}

func TestThreadStatsSnapshot(t *testing.T) {
	g := newTestThreadGov(Limits{}, NewStaticSampler(42, 17))
	gate := make(chan struct{})

	startBlocked(t, g, "bg", true, "news", gate)
	startBlocked(t, g, "fg", false, "updates", gate)
	g.BlockComponent("zeta", "test")
	g.BlockComponent("alpha", "test")

	s := g.Stats()
	assert.Equal(t, 2, s.TotalActive)
	assert.Equal(t, 1, s.Background)
	assert.Equal(t, 1, s.Foreground)
	assert.Equal(t, 2, s.RegistrySize)
	assert.Equal(t, map[string]int{"news": 1, "updates": 1}, s.ComponentBreakdown)
	assert.Equal(t, 30, s.MaxTotal)
	assert.Equal(t, 20, s.MaxBackground)
	assert.Equal(t, []string{"alpha", "zeta"}, s.BlockedComponents)
	assert.InDelta(t, 42, s.CPUPercent, 0.01)
	assert.InDelta(t, 17, s.MemoryPercent, 0.01)

	close(gate)
}

// Sweep runs from the background sweeper while SetMetrics arrives from the
// daemon wiring; both touch the metrics reference under the governor mutex.
func TestSweepConcurrentWithSetMetrics(t *testing.T) {
	g := newTestThreadGov(Limits{}, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			g.SetMetrics(NewMetrics())
			g.SetMetrics(nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			g.Sweep()
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, g.Sweep(), "nothing registered, nothing reclaimed")
}
