package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds how many of a pool's submissions run concurrently while
// each running job still occupies a governed thread slot. It covers the
// "many similar jobs" pattern (parallel feed fetches) that would otherwise
// tempt components into spawning a goroutine per item.
type WorkerPool struct {
	id      string
	sem     *semaphore.Weighted
	threads *ThreadGovernor
	logger  *slog.Logger
	seq     atomic.Uint64

	mu     sync.Mutex // guards closed and admission into active
	closed bool
	active sync.WaitGroup
}

// newWorkerPool is reached through Governor.Pool, which caps workers at the
// configured MaxConcurrentOps.
func newWorkerPool(id string, workers int, threads *ThreadGovernor, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		id:      id,
		sem:     semaphore.NewWeighted(int64(workers)),
		threads: threads,
		logger:  logger,
	}
}

// Submit blocks until a worker slot frees up (or ctx is cancelled), then runs
// work on a governed background thread. ErrAdmissionDenied is returned when
// the thread governor refuses the slot; unlike the core APIs this layer
// reports denial as an error because the caller is already in a blocking,
// error-returning flow.
func (p *WorkerPool) Submit(ctx context.Context, componentID string, work func() error) (*ManagedThread, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if !p.begin() {
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}

	id := fmt.Sprintf("pool_%s_%d", p.id, p.seq.Add(1))
	handle := p.threads.CreateManaged(id, func() error {
		defer p.sem.Release(1)
		defer p.active.Done()
		return work()
	}, true, componentID)
	if handle == nil {
		p.sem.Release(1)
		p.active.Done()
		return nil, ErrAdmissionDenied
	}
	return handle, nil
}

// TrySubmit is the non-blocking variant: it reports false when no worker
// slot is free instead of waiting for one.
func (p *WorkerPool) TrySubmit(componentID string, work func() error) (*ManagedThread, bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	if !p.begin() {
		p.sem.Release(1)
		return nil, false
	}

	id := fmt.Sprintf("pool_%s_%d", p.id, p.seq.Add(1))
	handle := p.threads.CreateManaged(id, func() error {
		defer p.sem.Release(1)
		defer p.active.Done()
		return work()
	}, true, componentID)
	if handle == nil {
		p.sem.Release(1)
		p.active.Done()
		return nil, false
	}
	return handle, true
}

// begin joins the active set unless the pool is closed. The check and the
// Add share p.mu so Shutdown's Wait can never return between them.
func (p *WorkerPool) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.active.Add(1)
	return true
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown stops accepting submissions and waits for running jobs to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.active.Wait()
	p.logger.Debug("worker pool shut down", "pool", p.id)
}
