package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clearable is the capability interface for auxiliary state that wants to be
// wiped during emergency cleanup: caches, histories, anything with a Clear.
type Clearable interface {
	Clear()
}

// Sweeper runs the periodic reclamation pass over both registries. The same
// pass also runs opportunistically inside every admission decision; this is
// the backstop for quiet periods with no admissions to piggyback on.
type Sweeper struct {
	interval time.Duration
	logger   *slog.Logger
	threads  *ThreadGovernor
	timers   *TimerGovernor

	mu     sync.Mutex
	extras []Clearable
}

// NewSweeper creates a sweeper over the two governors.
func NewSweeper(interval time.Duration, threads *ThreadGovernor, timers *TimerGovernor, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultLimits().CleanupInterval
	}
	return &Sweeper{
		interval: interval,
		logger:   logger,
		threads:  threads,
		timers:   timers,
	}
}

// AddClearable registers auxiliary state to wipe during emergency cleanup.
func (s *Sweeper) AddClearable(c Clearable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extras = append(s.extras, c)
}

// Sweep runs one reclamation pass and returns the number of entries freed.
func (s *Sweeper) Sweep() int {
	reclaimed := s.threads.Sweep() + s.timers.Sweep()
	if reclaimed > 0 {
		s.logger.Debug("sweep pass complete", "reclaimed", reclaimed)
	}
	return reclaimed
}

// ClearExtras wipes all registered auxiliary state.
func (s *Sweeper) ClearExtras() {
	s.mu.Lock()
	extras := make([]Clearable, len(s.extras))
	copy(extras, s.extras)
	s.mu.Unlock()

	for _, c := range extras {
		c.Clear()
	}
}

// Run sweeps at the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
