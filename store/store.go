// Package store defines the persistence interfaces the routing core
// consumes (spec.md §6). Schema, SQL, and migrations are delegated to
// implementations; this package only shapes the contract plus an
// in-memory reference implementation under store/memstore.
package store

import (
	"context"
	"time"

	"github.com/BaSui01/agentflow/upstream"
)

// CircuitBreakerRecord is the persisted shape of breaker.Snapshot, used by
// implementations that back the in-process breaker cache with a durable
// store (spec.md §5: "circuit-breaker state lives in the backing store
// and may be accelerated by an in-process cache").
type CircuitBreakerRecord struct {
	UpstreamID    string
	State         string // "closed" | "open" | "half_open"
	FailureCount  int
	SuccessCount  int
	OpenedAt      *time.Time
	LastProbeAt   *time.Time
	LastFailureAt *time.Time
	Version       int64 // for CAS
}

// HealthPatch is a partial update applied by health.Tracker after a probe
// or organic observation (spec.md §4.C).
type HealthPatch struct {
	Healthy       bool
	LastCheckAt   time.Time
	LastSuccessAt *time.Time
	FailureCount  int
	LatencyMs     int
	ErrorMessage  string
}

// HealthRecord is the full persisted health shape (spec.md §3).
type HealthRecord struct {
	UpstreamID    string
	Healthy       bool
	LastCheckAt   time.Time
	LastSuccessAt *time.Time
	FailureCount  int
	LatencyMs     int
	ErrorMessage  string
}

// RequestLogAggregate is the operator-facing percentile/availability shape
// spec.md §6 asks the store to compute ("the core defines the aggregation
// semantics but delegates execution").
type RequestLogAggregate struct {
	UpstreamID     string
	Window         time.Duration
	P50LatencyMs   float64
	P95LatencyMs   float64
	P99LatencyMs   float64
	AvailabilityPc float64 // 0-100
	SampleCount    int64
}

// UpstreamStore is the admin-facing catalog of registered upstreams.
type UpstreamStore interface {
	FindByProviderType(ctx context.Context, providerType upstream.ProviderType, activeOnly bool) ([]*upstream.Upstream, error)
	Get(ctx context.Context, id string) (*upstream.Upstream, error)
	Create(ctx context.Context, u *upstream.Upstream) error
	UpdateRouteCapabilities(ctx context.Context, id string, caps []upstream.Capability) error
	SoftDelete(ctx context.Context, id string) error
}

// CircuitBreakerStore is the durable counterpart to the in-process breaker
// cache (spec.md §6).
type CircuitBreakerStore interface {
	GetBreaker(ctx context.Context, upstreamID string) (CircuitBreakerRecord, bool, error)
	// UpsertConditional applies next iff the currently stored record
	// matches expected (by Version), returning false without error on a
	// CAS mismatch.
	UpsertConditional(ctx context.Context, upstreamID string, expected, next CircuitBreakerRecord) (bool, error)
	// Set is an unconditional write used only by admin overrides
	// (force-open/force-close).
	Set(ctx context.Context, rec CircuitBreakerRecord) error
}

// HealthStore persists health.Tracker's observations (spec.md §4.C).
type HealthStore interface {
	Update(ctx context.Context, upstreamID string, patch HealthPatch) error
	GetHealth(ctx context.Context, upstreamID string) (HealthRecord, bool, error)
}

// RequestLogStore computes the percentile/availability aggregation spec.md
// §6 delegates (PostgreSQL PERCENTILE_CONT, SQLite sorted-offset
// approximation, etc. — execution strategy is the implementation's
// concern).
type RequestLogStore interface {
	Aggregate(ctx context.Context, upstreamID string, window time.Duration) (RequestLogAggregate, error)
}
