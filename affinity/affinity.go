// Package affinity implements the session affinity store described in
// SPEC_FULL.md §4.B: a TTL-bounded in-process map from
// (api-key, scope, session) to a bound upstream, with cumulative
// input-token accounting and migration evaluation.
//
// Grounded on internal/cache/manager.go's mutex-guarded map with a
// background health-check ticker, adapted from a Redis-backed string cache
// to a pure in-memory map (spec.md scopes affinity as process-local, not a
// store.* operation), and from a single TTL to the sliding+absolute dual
// TTL spec.md §3 requires.
package affinity

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/upstream"
)

// Entry is the affinity binding spec.md §3 describes.
type Entry struct {
	BoundUpstreamID       string
	CreatedAt             time.Time
	LastAccessedAt        time.Time
	ContentLength         int
	CumulativeInputTokens int64
}

// Config holds the tunables spec.md §6 names for the affinity store.
type Config struct {
	SlidingTTL      time.Duration
	MaxTTL          time.Duration
	Capacity        int
	CleanupInterval time.Duration
}

// DefaultConfig returns spec.md §3/§6's defaults.
func DefaultConfig() Config {
	return Config{
		SlidingTTL:      5 * time.Minute,
		MaxTTL:          30 * time.Minute,
		Capacity:        10_000,
		CleanupInterval: time.Minute,
	}
}

type record struct {
	key   string
	entry Entry
}

// Store is the process-wide session affinity map (spec.md §9: "process-
// scoped singleton with an init hook... and a dispose hook").
type Store struct {
	mu      sync.Mutex
	entries map[string]*record
	config  Config
	logger  *zap.Logger
	now     func() time.Time
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Store. Call Start to begin the periodic reaper; Stop to
// shut it down deterministically (spec.md §9).
func New(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[string]*record),
		config:  cfg,
		logger:  logger.With(zap.String("component", "affinity")),
		now:     time.Now,
	}
}

// Key derives the opaque map key for (apiKey, scope, sessionID) via a fixed
// cryptographic hash (spec.md §4.B: "no security property beyond collision
// resistance is required").
func Key(apiKeyID, scope, sessionID string) string {
	sum := sha256.Sum256([]byte(apiKeyID + ":" + scope + ":" + sessionID))
	return hex.EncodeToString(sum[:])
}

func (s *Store) expired(e Entry, now time.Time) bool {
	if now.Sub(e.LastAccessedAt) > s.config.SlidingTTL {
		return true
	}
	if now.Sub(e.CreatedAt) > s.config.MaxTTL {
		return true
	}
	return false
}

// Get looks up the binding for (apiKey, scope, sessionID), refreshing
// last-accessed on a hit (spec.md §4.B). Expired entries are returned as
// absent without being proactively deleted here (the sweep reaps them).
func (s *Store) Get(apiKeyID, scope, sessionID string) (Entry, bool) {
	key := Key(apiKeyID, scope, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	now := s.now()
	if s.expired(r.entry, now) {
		return Entry{}, false
	}
	r.entry.LastAccessedAt = now
	return r.entry, true
}

// Set binds (apiKey, scope, sessionID) to upstreamID, preserving existing
// cumulative tokens and created-at if the key already exists (spec.md
// §4.B). On overflow after insertion, the least-recently-accessed entry is
// evicted.
func (s *Store) Set(apiKeyID, scope, sessionID, upstreamID string, contentLength int) Entry {
	key := Key(apiKeyID, scope, sessionID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.entries[key]
	if exists && !s.expired(r.entry, now) {
		r.entry.BoundUpstreamID = upstreamID
		r.entry.ContentLength = contentLength
		r.entry.LastAccessedAt = now
		s.evictIfOverCapacity()
		return r.entry
	}

	entry := Entry{
		BoundUpstreamID: upstreamID,
		CreatedAt:       now,
		LastAccessedAt:  now,
		ContentLength:   contentLength,
	}
	s.entries[key] = &record{key: key, entry: entry}
	s.evictIfOverCapacity()
	return entry
}

// AddInputTokens accumulates n onto the session's cumulative input-token
// count and refreshes last-accessed (spec.md §4.B). A miss is a no-op: the
// caller is expected to have called Set first.
func (s *Store) AddInputTokens(apiKeyID, scope, sessionID string, n int64) {
	key := Key(apiKeyID, scope, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[key]
	if !ok {
		return
	}
	r.entry.CumulativeInputTokens += n
	r.entry.LastAccessedAt = s.now()
}

// evictIfOverCapacity removes the entry with the smallest LastAccessedAt
// until size <= capacity. Must be called with s.mu held.
func (s *Store) evictIfOverCapacity() {
	if s.config.Capacity <= 0 || len(s.entries) <= s.config.Capacity {
		return
	}

	for len(s.entries) > s.config.Capacity {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for k, r := range s.entries {
			if first || r.entry.LastAccessedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = r.entry.LastAccessedAt
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		delete(s.entries, oldestKey)
	}
}

// Start launches the periodic reaper goroutine (spec.md §4.B: "reaped by a
// periodic sweep"). Safe to call at most once per Store.
func (s *Store) Start() {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop halts the reaper and blocks until it has exited (spec.md §9:
// "dispose hook... stops timer").
func (s *Store) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, r := range s.entries {
		if s.expired(r.entry, now) {
			delete(s.entries, k)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("affinity sweep reaped expired entries", zap.Int("removed", removed))
	}
}

// Len reports the current entry count, for tests and dashboards.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SetClock overrides the time source, for deterministic tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// EvaluateMigration implements spec.md §4.B's migration rule: given a
// current binding and a candidate set, decide whether the session should
// move to a higher-rank (numerically lower priority) upstream whose
// migration policy is enabled and whose compared quantity is still below
// threshold.
func EvaluateMigration(current *upstream.Upstream, candidates []*upstream.Upstream, contentLength int, cumulativeTokens int64) *upstream.Upstream {
	var best *upstream.Upstream
	for _, c := range candidates {
		if c.Priority >= current.Priority {
			continue
		}
		if c.AffinityMigration == nil || !c.AffinityMigration.Enabled {
			continue
		}
		if best == nil || c.Priority < best.Priority {
			best = c
		}
	}
	if best == nil {
		return nil
	}

	policy := best.AffinityMigration
	switch policy.Metric {
	case upstream.MigrationMetricTokens:
		if float64(cumulativeTokens) < policy.Threshold {
			return best
		}
	case upstream.MigrationMetricLength:
		if contentLength > 0 && float64(contentLength) < policy.Threshold {
			return best
		}
	}
	return nil
}
