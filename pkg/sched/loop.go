// Package sched provides a cooperative event loop that satisfies the
// governor's Scheduler boundary: callbacks are queued by timers and drained
// one at a time on a single goroutine, the way a UI main loop would run them.
package sched

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkgsentry/pkgsentry/pkg/governor"
)

// task is one scheduled callback. Cancellation flips done so a callback that
// already sits in the run queue is skipped instead of executed.
type task struct {
	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

func (t *task) markDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Loop is a single-threaded cooperative scheduler. Schedule arms a timer that
// enqueues the callback; the loop goroutine drains the queue serially, so
// callbacks never run concurrently with each other and may safely call
// Schedule or Cancel themselves.
type Loop struct {
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	queue chan func()
	quit  chan struct{}
	ended chan struct{}
}

// NewLoop starts the drain goroutine and returns the running loop.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger: logger,
		queue:  make(chan func(), 256),
		quit:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
	go l.drain()
	return l
}

func (l *Loop) drain() {
	defer close(l.ended)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.queue:
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("scheduled callback panicked", "panic", r)
		}
	}()
	fn()
}

// Schedule arms fn to run on the loop after delay. It never runs fn
// synchronously. The returned handle feeds Cancel.
func (l *Loop) Schedule(delay time.Duration, fn func()) governor.ScheduleHandle {
	t := &task{}
	t.timer = time.AfterFunc(delay, func() {
		if !t.markDone() {
			return
		}
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		select {
		case l.queue <- fn:
		case <-l.quit:
		}
	})
	return t
}

// Cancel stops a scheduled callback. Cancelling an already-fired or foreign
// handle is a no-op.
func (l *Loop) Cancel(handle governor.ScheduleHandle) {
	t, ok := handle.(*task)
	if !ok || t == nil {
		return
	}
	if t.markDone() {
		t.timer.Stop()
	}
}

// Post runs fn on the loop as soon as possible.
func (l *Loop) Post(fn func()) {
	l.Schedule(0, fn)
}

// Close stops the loop. Queued callbacks that have not run yet are dropped;
// Close returns once the drain goroutine has exited.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.quit)
	<-l.ended
}
