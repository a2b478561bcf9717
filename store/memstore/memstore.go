// Package memstore is an in-memory reference implementation of the
// store.* interfaces, used by this repository's own tests and suitable for
// an embedder with no SQL/Redis handy. Grounded on the teacher's
// internal/cache.Manager for the mutex-guarded-map-with-TTL shape, adapted
// here to a zero-TTL admin catalog plus a simple CAS counter.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentflow/gwerrors"
	"github.com/BaSui01/agentflow/store"
	"github.com/BaSui01/agentflow/upstream"
)

// Store implements store.UpstreamStore, store.CircuitBreakerStore,
// store.HealthStore, and store.RequestLogStore over plain Go maps.
type Store struct {
	mu         sync.RWMutex
	upstreams  map[string]*upstream.Upstream
	breakers   map[string]store.CircuitBreakerRecord
	health     map[string]store.HealthRecord
	// logs holds raw observed latencies per upstream, used to compute
	// Aggregate via a sorted-offset approximation (mirrors the teacher's
	// SQLite fallback strategy named in spec.md §6).
	logs map[string][]loggedRequest
}

type loggedRequest struct {
	at        time.Time
	latencyMs float64
	success   bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		upstreams: make(map[string]*upstream.Upstream),
		breakers:  make(map[string]store.CircuitBreakerRecord),
		health:    make(map[string]store.HealthRecord),
		logs:      make(map[string][]loggedRequest),
	}
}

// --- UpstreamStore ---

func (s *Store) FindByProviderType(_ context.Context, providerType upstream.ProviderType, activeOnly bool) ([]*upstream.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*upstream.Upstream
	for _, u := range s.upstreams {
		if u.Provider != providerType {
			continue
		}
		if activeOnly && !u.Active {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, id string) (*upstream.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.upstreams[id]
	if !ok {
		return nil, gwerrors.ErrUpstreamNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) Create(_ context.Context, u *upstream.Upstream) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	cp.Active = true
	s.upstreams[u.ID] = &cp
	return nil
}

func (s *Store) UpdateRouteCapabilities(_ context.Context, id string, caps []upstream.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.upstreams[id]
	if !ok {
		return gwerrors.ErrUpstreamNotFound
	}
	u.RouteCapabilities = caps
	return nil
}

func (s *Store) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.upstreams[id]
	if !ok {
		return gwerrors.ErrUpstreamNotFound
	}
	u.Active = false
	return nil
}

// --- CircuitBreakerStore ---

func (s *Store) GetBreaker(_ context.Context, upstreamID string) (store.CircuitBreakerRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.breakers[upstreamID]
	return rec, ok, nil
}

func (s *Store) UpsertConditional(_ context.Context, upstreamID string, expected, next store.CircuitBreakerRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.breakers[upstreamID]
	if ok && current.Version != expected.Version {
		return false, nil
	}
	next.Version = expected.Version + 1
	s.breakers[upstreamID] = next
	return true, nil
}

func (s *Store) Set(_ context.Context, rec store.CircuitBreakerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[rec.UpstreamID] = rec
	return nil
}

// --- HealthStore ---

func (s *Store) Update(_ context.Context, upstreamID string, patch store.HealthPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[upstreamID] = store.HealthRecord{
		UpstreamID:    upstreamID,
		Healthy:       patch.Healthy,
		LastCheckAt:   patch.LastCheckAt,
		LastSuccessAt: patch.LastSuccessAt,
		FailureCount:  patch.FailureCount,
		LatencyMs:     patch.LatencyMs,
		ErrorMessage:  patch.ErrorMessage,
	}
	s.logs[upstreamID] = append(s.logs[upstreamID], loggedRequest{
		at:        patch.LastCheckAt,
		latencyMs: float64(patch.LatencyMs),
		success:   patch.Healthy,
	})
	return nil
}

func (s *Store) GetHealth(_ context.Context, upstreamID string) (store.HealthRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.health[upstreamID]
	return rec, ok, nil
}

// --- RequestLogStore ---

func (s *Store) Aggregate(_ context.Context, upstreamID string, window time.Duration) (store.RequestLogAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var latencies []float64
	var successes, total int64
	for _, r := range s.logs[upstreamID] {
		if r.at.Before(cutoff) {
			continue
		}
		latencies = append(latencies, r.latencyMs)
		total++
		if r.success {
			successes++
		}
	}

	agg := store.RequestLogAggregate{UpstreamID: upstreamID, Window: window, SampleCount: total}
	if total == 0 {
		return agg, nil
	}

	sortFloat64s(latencies)
	agg.P50LatencyMs = percentile(latencies, 0.50)
	agg.P95LatencyMs = percentile(latencies, 0.95)
	agg.P99LatencyMs = percentile(latencies, 0.99)
	agg.AvailabilityPc = 100 * float64(successes) / float64(total)
	return agg, nil
}

// percentile uses a sorted-offset approximation, the same strategy spec.md
// §6 names as the SQLite fallback (as opposed to Postgres PERCENTILE_CONT).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func sortFloat64s(xs []float64) {
	// insertion sort: request-log windows are small (seconds-to-minutes of
	// samples), so O(n^2) is fine and avoids importing sort for one call
	// site duplicated across implementations.
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
