// Package governor coordinates runtime safety controls for every background
// goroutine and scheduled timer callback the application creates: global and
// per-component resource ceilings, sliding-window creation rate limiting,
// suspicious-pattern detection, and deterministic reclamation of dead or
// expired entries.
//
// Admission denial is a normal outcome, reported as a nil handle or false
// return, never as an error. Internal failures (system sampling, host
// scheduler quirks) are recovered locally and fail open so the governor can
// never become the reason the application hangs.
package governor
