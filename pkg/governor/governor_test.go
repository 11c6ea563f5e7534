package governor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(cfg Limits) *Governor {
	g := New(cfg, slog.Default())
	g.SetSampler(NewStaticSampler(10, 10))
	g.security.now = steppingClock(time.Now(), time.Second)
	return g
}

func TestGovernorSharedAccounting(t *testing.T) {
	g := newTestGovernor(Limits{})
	s := &fakeSched{}
	gate := make(chan struct{})

	h := g.CreateManagedThread("worker", func() error {
		<-gate
		return nil
	}, true, "news")
	require.NotNil(t, h)
	timerID, ok := g.CreateTimer(s, time.Second, func() {}, "news", 0, false)
	require.True(t, ok)

	stats := g.Stats()
	assert.Equal(t, 1, stats.Threads.TotalActive)
	assert.Equal(t, 1, stats.Timers.TotalTimers)
	assert.Equal(t, 1, stats.Threads.ComponentBreakdown["news"])
	assert.Equal(t, 1, stats.Timers.ComponentCounts["news"])

	close(gate)
	require.NoError(t, h.Wait())
	require.True(t, g.CancelTimer(timerID))
	assert.Equal(t, 0, g.Timers.ActiveCount())
}

func TestGovernorApplyLimits(t *testing.T) {
	g := newTestGovernor(Limits{})
	require.Equal(t, 30, g.Stats().Threads.MaxTotal)

	g.ApplyLimits(Limits{MaxTotalThreads: 5, MaxTotalTimers: 7})
	stats := g.Stats()
	assert.Equal(t, 5, stats.Threads.MaxTotal)
	assert.Equal(t, 7, stats.Timers.MaxTotal)
	assert.Equal(t, 20, stats.Threads.MaxBackground, "unset fields fall back to defaults")
}

func TestGovernorComponentScope(t *testing.T) {
	g := newTestGovernor(Limits{})
	s := &fakeSched{}

	teardown := g.ComponentScope("panel")
	for i := 0; i < 3; i++ {
		_, ok := g.CreateTimer(s, time.Second, func() {}, "panel", 0, false)
		require.True(t, ok)
	}
	_, ok := g.CreateTimer(s, time.Second, func() {}, "sidebar", 0, false)
	require.True(t, ok)

	assert.Equal(t, 3, teardown())
	assert.Equal(t, 0, g.Timers.ComponentCount("panel"))
	assert.Equal(t, 1, g.Timers.ComponentCount("sidebar"))
}

func TestGovernorBlockAndUnblock(t *testing.T) {
	g := newTestGovernor(Limits{})

	g.BlockComponent("rogue", "containment")
	assert.Nil(t, g.CreateManagedThread("", func() error { return nil }, false, "rogue"))

	g.UnblockComponent("rogue")
	h := g.CreateManagedThread("", func() error { return nil }, false, "rogue")
	require.NotNil(t, h)
	require.NoError(t, h.Wait())
}

func TestGovernorEmergencyShutdown(t *testing.T) {
	g := newTestGovernor(Limits{})
	g.RegisterComponent("updater", ClassUpdateCheck)
	s := &fakeSched{}

	spy := &clearSpy{}
	g.AddClearable(spy)
	gate := make(chan struct{})
	h := g.CreateManagedThread("", func() error {
		<-gate
		return nil
	}, false, "news")
	require.NotNil(t, h)
	_, ok := g.CreateTimer(s, time.Hour, func() {}, "panel", 0, false)
	require.True(t, ok)

	g.EmergencyShutdown()
	assert.Equal(t, 0, g.Timers.ActiveCount(), "all timers are cancelled")
	assert.True(t, g.Threads.Blocked("news"), "components with running threads are blocked")
	assert.True(t, g.Threads.Blocked("updater"), "registered components are blocked even when idle")
	assert.Equal(t, int32(1), spy.calls.Load(), "auxiliary state is wiped")

	close(gate)
	require.NoError(t, h.Wait())
}

func TestGovernorPoolCappedAtMaxConcurrentOps(t *testing.T) {
	g := newTestGovernor(Limits{MaxConcurrentOps: 2})

	p := g.Pool("fetch", 50)
	assert.Same(t, p, g.Pool("fetch", 1), "pools are cached by name")

	gate := make(chan struct{})
	defer close(gate)
	for i := 0; i < 2; i++ {
		_, ok := p.TrySubmit("fetcher", func() error {
			<-gate
			return nil
		})
		require.True(t, ok)
	}
	_, ok := p.TrySubmit("fetcher", func() error { return nil })
	assert.False(t, ok, "worker count is capped at the configured concurrency")
}

func TestGovernorShutdownPools(t *testing.T) {
	g := newTestGovernor(Limits{})
	p := g.Pool("fetch", 2)

	h, err := p.Submit(context.Background(), "fetcher", func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	g.ShutdownPools()
	_, err = p.Submit(context.Background(), "fetcher", func() error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)

	// A fresh pool under the same name is created after shutdown.
	assert.NotSame(t, p, g.Pool("fetch", 2))
}

func TestGovernorStartSweeper(t *testing.T) {
	g := newTestGovernor(Limits{CleanupInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	g.StartSweeper(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
}
