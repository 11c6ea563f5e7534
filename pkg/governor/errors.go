package governor

import "errors"

var (
	// ErrAdmissionDenied is returned by blocking convenience layers (worker
	// pools) when the thread governor refuses a slot. The core governor APIs
	// signal denial with a nil handle or false return instead.
	ErrAdmissionDenied = errors.New("admission denied by resource governor")

	// ErrPoolClosed is returned when submitting work to a pool after shutdown.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// DenialReason labels why an admission attempt was refused. Reasons feed the
// security monitor's failure accounting and the denial metrics.
type DenialReason string

const (
	DenySystemResources    DenialReason = "system_resources"
	DenySuspiciousActivity DenialReason = "suspicious_activity"
	DenyTotalLimit         DenialReason = "total_limit"
	DenyBackgroundLimit    DenialReason = "background_limit"
	DenyComponentLimit     DenialReason = "component_limit"
	DenyComponentBlocked   DenialReason = "component_blocked"
	DenyRateLimited        DenialReason = "rate_limited"
	DenyCreationError      DenialReason = "creation_error"
)
