// Package gwerrors defines the typed errors exchanged across the routing
// core's component boundaries, and the single place that decides whether an
// observed failure counts against a circuit breaker.
package gwerrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced at the selector boundary. The transport layer
// translates these to HTTP status codes; see SPEC_FULL.md §7.
var (
	// ErrNoAuthorizedUpstream is returned when no active upstream of the
	// requested provider type survives the selector's eligibility filter
	// (capability, allowedUpstreamIds, model allow-list, failover
	// exclusions).
	ErrNoAuthorizedUpstream = errors.New("gwerrors: no authorized upstream for request")

	// ErrNoHealthyUpstream is returned when every priority tier is
	// exhausted without a usable candidate.
	ErrNoHealthyUpstream = errors.New("gwerrors: no healthy upstream available")

	// ErrCircularRedirect is returned by admin-time redirect validation.
	// It never surfaces at request time.
	ErrCircularRedirect = errors.New("gwerrors: model redirect map contains a cycle")

	// ErrUpstreamNotFound is returned by admin operations referencing an
	// unknown upstream id.
	ErrUpstreamNotFound = errors.New("gwerrors: upstream not found")
)

// CircuitOpenError is a signaling condition consumed internally by the
// selector (never surfaced to the end client). RemainingSeconds is an
// estimate of how long before the breaker admits another probe.
type CircuitOpenError struct {
	UpstreamID       string
	RemainingSeconds float64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("gwerrors: circuit open for upstream %q, retry in %.1fs", e.UpstreamID, e.RemainingSeconds)
}

// NewCircuitOpen builds a CircuitOpenError with the remaining wait time
// computed from now.
func NewCircuitOpen(upstreamID string, openedAt time.Time, openDuration time.Duration) *CircuitOpenError {
	remaining := openDuration - time.Since(openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return &CircuitOpenError{UpstreamID: upstreamID, RemainingSeconds: remaining.Seconds()}
}

// AsCircuitOpen reports whether err is a *CircuitOpenError.
func AsCircuitOpen(err error) (*CircuitOpenError, bool) {
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return coe, true
	}
	return nil, false
}

// ErrorKind classifies an upstream outcome for recordFailure/recordSuccess
// reporting (spec.md §4.A, §7). Unlike the teacher's substring matching on
// error messages, callers pass a typed kind directly - the HTTP status or
// transport failure is already known to the caller at report time.
type ErrorKind int

const (
	// KindNone is used with recordSuccess; never a failure.
	KindNone ErrorKind = iota
	// KindTimeout - the upstream did not respond within budget.
	KindTimeout
	// KindServerError - upstream returned 5xx.
	KindServerError
	// KindRateLimited - upstream returned 429.
	KindRateLimited
	// KindConnection - dial/TLS/connection-reset failures.
	KindConnection
	// KindCancelled - the caller's context was cancelled mid-flight.
	KindCancelled
	// KindClientError - upstream returned 4xx other than 429; never a
	// circuit-breaker failure (spec.md §4.H, §7).
	KindClientError
)

// CountsAsFailure reports whether this ErrorKind should be recorded as a
// circuit-breaker failure. KindNone (success) and KindClientError return
// false; KindClientError because billing and malformed-request errors are
// transport-level, not upstream-health signals (spec.md §4.H).
func (k ErrorKind) CountsAsFailure() bool {
	switch k {
	case KindTimeout, KindServerError, KindRateLimited, KindConnection, KindCancelled:
		return true
	default:
		return false
	}
}
