// Package breaker implements the per-upstream circuit breaker described in
// SPEC_FULL.md §4.A: a closed/open/half-open state machine that admits or
// blocks routing candidates based on recent failure history.
//
// Grounded on llm/circuitbreaker/breaker.go's state machine and
// zap-logged transition style, adapted from one breaker guarding a single
// blocking call to a map of per-upstream-id breakers whose permit admission
// and state transition happen atomically under a per-key lock (SPEC_FULL.md
// §5: "no global lock; contention is upstream-scoped").
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/gwerrors"
)

// State is one of closed, open, half_open (spec.md §3).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the tunable thresholds for one breaker. Zero-value fields in
// an override are treated as "inherit the default" by Merge.
type Config struct {
	FailureThreshold int           // consecutive failures in closed before opening
	SuccessThreshold int           // consecutive successes in half_open before closing
	OpenDuration     time.Duration // time spent in open before admitting a probe
	ProbeInterval    time.Duration // minimum spacing between half_open probe admissions
}

// DefaultConfig returns spec.md §3's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		ProbeInterval:    10 * time.Second,
	}
}

// Merge returns a Config with zero fields in override replaced by the
// corresponding field from the default. A nil override returns def
// unchanged.
func (def Config) Merge(override *Config) Config {
	if override == nil {
		return def
	}
	merged := def
	if override.FailureThreshold > 0 {
		merged.FailureThreshold = override.FailureThreshold
	}
	if override.SuccessThreshold > 0 {
		merged.SuccessThreshold = override.SuccessThreshold
	}
	if override.OpenDuration > 0 {
		merged.OpenDuration = override.OpenDuration
	}
	if override.ProbeInterval > 0 {
		merged.ProbeInterval = override.ProbeInterval
	}
	return merged
}

// Snapshot is a read-only view of a breaker's state, safe to hand to
// callers outside the lock (health dashboards, routing-decision candidate
// lists).
type Snapshot struct {
	UpstreamID      string
	State           State
	FailureCount    int
	SuccessCount    int
	OpenedAt        *time.Time
	LastProbeAt     *time.Time
	LastFailureAt   *time.Time
	Config          Config
}

// StateChangeFunc is invoked (outside the per-upstream lock) on every state
// transition.
type StateChangeFunc func(upstreamID string, from, to State)

type upstreamState struct {
	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	openedAt      time.Time
	lastProbeAt   time.Time
	lastFailureAt time.Time
	hasOpenedAt   bool
	hasProbeAt    bool
	hasFailureAt  bool
	override      *Config
}

// Breaker is the process-wide registry of per-upstream circuit breaker
// state. It is safe for concurrent use; construct one per process (spec.md
// §9 "global state... process-scoped singleton").
type Breaker struct {
	mu            sync.RWMutex
	states        map[string]*upstreamState
	defaultConfig Config
	logger        *zap.Logger
	onChange      StateChangeFunc
	now           func() time.Time
}

// New creates a Breaker. A nil logger defaults to zap.NewNop().
func New(defaultConfig Config, logger *zap.Logger, onChange StateChangeFunc) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		states:        make(map[string]*upstreamState),
		defaultConfig: defaultConfig,
		logger:        logger.With(zap.String("component", "breaker")),
		onChange:      onChange,
		now:           time.Now,
	}
}

// lookup returns the upstreamState for id, creating it lazily (spec.md §3:
// "created lazily on first reference; never deleted except via explicit
// admin reset").
func (b *Breaker) lookup(upstreamID string) *upstreamState {
	b.mu.RLock()
	s, ok := b.states[upstreamID]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.states[upstreamID]; ok {
		return s
	}
	s = &upstreamState{state: StateClosed}
	b.states[upstreamID] = s
	return s
}

// SetOverride installs a per-upstream config override, merged over the
// breaker's default at read time. Pass nil to clear it.
func (b *Breaker) SetOverride(upstreamID string, override *Config) {
	s := b.lookup(upstreamID)
	s.mu.Lock()
	s.override = override
	s.mu.Unlock()
}

func (b *Breaker) configFor(s *upstreamState) Config {
	return b.defaultConfig.Merge(s.override)
}

// AcquirePermit returns nil if upstreamID may serve a request right now,
// otherwise a *gwerrors.CircuitOpenError. The read of current state and the
// decision to admit are performed under the same per-upstream lock, so no
// suspension point exists between them (spec.md §5).
func (b *Breaker) AcquirePermit(upstreamID string) error {
	s := b.lookup(upstreamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := b.configFor(s)
	now := b.now()

	switch s.state {
	case StateClosed:
		return nil

	case StateOpen:
		if !s.hasOpenedAt || now.Sub(s.openedAt) >= cfg.OpenDuration {
			b.transition(s, StateHalfOpen, upstreamID)
			s.successCount = 0
			s.lastProbeAt = now
			s.hasProbeAt = true
			return nil
		}
		return gwerrors.NewCircuitOpen(upstreamID, s.openedAt, cfg.OpenDuration)

	case StateHalfOpen:
		if s.hasProbeAt && now.Sub(s.lastProbeAt) < cfg.ProbeInterval {
			remaining := cfg.ProbeInterval - now.Sub(s.lastProbeAt)
			return &gwerrors.CircuitOpenError{UpstreamID: upstreamID, RemainingSeconds: remaining.Seconds()}
		}
		s.lastProbeAt = now
		s.hasProbeAt = true
		return nil

	default:
		return fmt.Errorf("breaker: unknown state %v for upstream %q", s.state, upstreamID)
	}
}

// RecordSuccess applies the "success" event of spec.md §4.A's transition
// table.
func (b *Breaker) RecordSuccess(upstreamID string) {
	s := b.lookup(upstreamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := b.configFor(s)

	switch s.state {
	case StateClosed:
		if s.failureCount != 0 {
			s.failureCount = 0
		}

	case StateHalfOpen:
		s.successCount++
		if s.successCount >= cfg.SuccessThreshold {
			b.transition(s, StateClosed, upstreamID)
			s.failureCount = 0
			s.successCount = 0
		}

	case StateOpen:
		b.logger.Warn("success recorded while circuit open", zap.String("upstream_id", upstreamID))
	}
}

// RecordFailure applies the "failure" event of spec.md §4.A's transition
// table. Kinds that do not count as a circuit failure (spec.md §4.H,
// §7 — permanent client errors) are silently ignored here; callers are
// expected to check ErrorKind.CountsAsFailure before calling, but this is
// defense in depth.
func (b *Breaker) RecordFailure(upstreamID string, kind gwerrors.ErrorKind) {
	if !kind.CountsAsFailure() {
		return
	}

	s := b.lookup(upstreamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := b.configFor(s)
	now := b.now()
	s.lastFailureAt = now
	s.hasFailureAt = true

	switch s.state {
	case StateClosed:
		s.failureCount++
		if s.failureCount >= cfg.FailureThreshold {
			b.transition(s, StateOpen, upstreamID)
			s.openedAt = now
			s.hasOpenedAt = true
		}

	case StateHalfOpen:
		b.transition(s, StateOpen, upstreamID)
		s.openedAt = now
		s.hasOpenedAt = true
		s.successCount = 0

	case StateOpen:
		b.logger.Warn("failure recorded while circuit already open", zap.String("upstream_id", upstreamID))
	}
}

// transition moves s into newState, resetting fields per invariant I4 and
// firing the OnStateChange callback outside the lock.
func (b *Breaker) transition(s *upstreamState, newState State, upstreamID string) {
	oldState := s.state
	s.state = newState

	if newState != StateOpen {
		s.hasOpenedAt = false
	}

	b.logger.Info("circuit breaker transition",
		zap.String("upstream_id", upstreamID),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)

	if b.onChange != nil {
		go b.onChange(upstreamID, oldState, newState)
	}
}

// ForceOpen is an admin operation that opens the circuit immediately,
// regardless of current counters.
func (b *Breaker) ForceOpen(upstreamID string) {
	s := b.lookup(upstreamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	b.transition(s, StateOpen, upstreamID)
	s.openedAt = b.now()
	s.hasOpenedAt = true
	s.successCount = 0
}

// ForceClose is an admin operation that resets the breaker to closed.
func (b *Breaker) ForceClose(upstreamID string) {
	s := b.lookup(upstreamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	b.transition(s, StateClosed, upstreamID)
	s.failureCount = 0
	s.successCount = 0
	s.hasOpenedAt = false
}

// ProbeReady reports whether upstreamID is eligible for admission right
// now: true for closed and half-open circuits, and for an open circuit
// whose OpenDuration has already elapsed (spec.md §4.F step 5: exclude an
// open circuit only while it still has insufficient elapsed time — an
// open-but-probe-ready upstream must still reach AcquirePermit so its
// half-open probe can be admitted).
func (b *Breaker) ProbeReady(upstreamID string) bool {
	s := b.lookup(upstreamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return true
	}
	cfg := b.configFor(s)
	return !s.hasOpenedAt || b.now().Sub(s.openedAt) >= cfg.OpenDuration
}

// GetState returns an observational snapshot for upstreamID.
func (b *Breaker) GetState(upstreamID string) Snapshot {
	s := b.lookup(upstreamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		UpstreamID:   upstreamID,
		State:        s.state,
		FailureCount: s.failureCount,
		SuccessCount: s.successCount,
		Config:       b.configFor(s),
	}
	if s.hasOpenedAt {
		t := s.openedAt
		snap.OpenedAt = &t
	}
	if s.hasProbeAt {
		t := s.lastProbeAt
		snap.LastProbeAt = &t
	}
	if s.hasFailureAt {
		t := s.lastFailureAt
		snap.LastFailureAt = &t
	}
	return snap
}

// SetClock overrides the time source, for deterministic tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}
