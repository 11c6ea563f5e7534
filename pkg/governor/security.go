package governor

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// failureWarnThreshold is how many denial-side failures accumulate before
	// the monitor starts warning about a possible retry storm.
	failureWarnThreshold = 10
	// burstWindow/burstThreshold define the "high creation rate" heuristic:
	// more than burstThreshold creations inside burstWindow flags suspicion.
	burstWindow    = 10 * time.Second
	burstThreshold = 15
	// patternTTL is how long a suspicious pattern keeps the monitor tripped.
	patternTTL = 60 * time.Second
	// creationHistoryCap bounds the recent-creation deque.
	creationHistoryCap = 100
)

type creationEvent struct {
	at         time.Time
	id         string
	background bool
}

// SecurityMonitor tracks creation failures and burst patterns that the hard
// ceilings alone would not catch early, such as a caller retrying against
// denial. Its output is advisory: a boolean suspicion signal consumed by the
// governors as an extra admission gate, plus warning logs.
type SecurityMonitor struct {
	mu           sync.Mutex
	logger       *slog.Logger
	failureCount int
	lastFailure  time.Time
	creations    []creationEvent
	patterns     []time.Time

	now func() time.Time
}

// NewSecurityMonitor creates a monitor logging through logger.
func NewSecurityMonitor(logger *slog.Logger) *SecurityMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityMonitor{
		logger: logger,
		now:    time.Now,
	}
}

// RecordFailure counts one denied or failed creation attempt.
func (m *SecurityMonitor) RecordFailure(reason DenialReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failureCount++
	m.lastFailure = m.now()

	if m.failureCount > failureWarnThreshold {
		m.logger.Warn("high creation failure rate",
			"failures", m.failureCount,
			"last_reason", string(reason))
	}
}

// RecordCreation appends to the bounded recent-creation history and
// re-evaluates the high-creation-rate heuristic.
func (m *SecurityMonitor) RecordCreation(id string, background bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.creations = append(m.creations, creationEvent{at: now, id: id, background: background})
	if len(m.creations) > creationHistoryCap {
		m.creations = m.creations[len(m.creations)-creationHistoryCap:]
	}

	recent := 0
	for _, ev := range m.creations {
		if now.Sub(ev.at) < burstWindow {
			recent++
		}
	}
	if recent > burstThreshold {
		m.logger.Warn("high creation rate detected",
			"recent", recent,
			"window", burstWindow)
		m.patterns = append(m.patterns, now)
	}
}

// Suspicious reports whether any suspicious pattern was flagged within the
// last minute.
func (m *SecurityMonitor) Suspicious() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, at := range m.patterns {
		if now.Sub(at) < patternTTL {
			return true
		}
	}
	return false
}

// FailureCount returns the number of failures recorded so far.
func (m *SecurityMonitor) FailureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureCount
}

// Clear resets all failure and pattern state. Used by the emergency paths.
func (m *SecurityMonitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount = 0
	m.lastFailure = time.Time{}
	m.creations = nil
	m.patterns = nil
}
