package governor

import "sync"

// Kind distinguishes the two governed resource families.
type Kind string

const (
	KindThread Kind = "thread"
	KindTimer  Kind = "timer"
)

// Entry describes a governed resource for accounting purposes.
type Entry struct {
	ID          string
	Kind        Kind
	Background  bool
	ComponentID string
}

// Counts is a point-in-time copy of the accountant's counters. The maps are
// owned by the caller; mutating them never affects live state.
type Counts struct {
	TotalThreads      int
	BackgroundThreads int
	ComponentThreads  map[string]int
	TotalTimers       int
	ComponentTimers   map[string]int
}

// Accountant is the single source of truth for live resource counts. All
// counters are mutated under one lock so that concurrent admission checks
// from different goroutines never observe partially updated state.
type Accountant struct {
	mu      sync.Mutex
	entries map[string]Entry

	totalThreads      int
	backgroundThreads int
	componentThreads  map[string]int
	totalTimers       int
	componentTimers   map[string]int
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return &Accountant{
		entries:          make(map[string]Entry),
		componentThreads: make(map[string]int),
		componentTimers:  make(map[string]int),
	}
}

// Register records a new resource and increments the affected counters.
// Registering an id twice is a no-op returning false; callers are expected to
// guarantee uniqueness before reaching the accountant.
func (a *Accountant) Register(e Entry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.entries[e.ID]; exists {
		return false
	}
	a.entries[e.ID] = e

	switch e.Kind {
	case KindThread:
		a.totalThreads++
		if e.Background {
			a.backgroundThreads++
		}
		if e.ComponentID != "" {
			a.componentThreads[e.ComponentID]++
		}
	case KindTimer:
		a.totalTimers++
		if e.ComponentID != "" {
			a.componentTimers[e.ComponentID]++
		}
	}
	return true
}

// Unregister decrements the counters for id. It is idempotent: a second call
// for the same id is a no-op returning false, which lets the wrapper cleanup
// path and the sweeper race without corrupting counts.
func (a *Accountant) Unregister(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, exists := a.entries[id]
	if !exists {
		return false
	}
	delete(a.entries, id)

	switch e.Kind {
	case KindThread:
		a.totalThreads--
		if e.Background {
			a.backgroundThreads--
		}
		if e.ComponentID != "" {
			if a.componentThreads[e.ComponentID] > 0 {
				a.componentThreads[e.ComponentID]--
			}
			if a.componentThreads[e.ComponentID] == 0 {
				delete(a.componentThreads, e.ComponentID)
			}
		}
	case KindTimer:
		a.totalTimers--
		if e.ComponentID != "" {
			if a.componentTimers[e.ComponentID] > 0 {
				a.componentTimers[e.ComponentID]--
			}
			if a.componentTimers[e.ComponentID] == 0 {
				delete(a.componentTimers, e.ComponentID)
			}
		}
	}
	return true
}

// Snapshot returns an immutable copy of the current counters.
func (a *Accountant) Snapshot() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := Counts{
		TotalThreads:      a.totalThreads,
		BackgroundThreads: a.backgroundThreads,
		TotalTimers:       a.totalTimers,
		ComponentThreads:  make(map[string]int, len(a.componentThreads)),
		ComponentTimers:   make(map[string]int, len(a.componentTimers)),
	}
	for k, v := range a.componentThreads {
		c.ComponentThreads[k] = v
	}
	for k, v := range a.componentTimers {
		c.ComponentTimers[k] = v
	}
	return c
}
