// Package quota implements the per-upstream spending-quota filter that
// SPEC_FULL.md §4.I concretizes from spec.md §4.F's "consult quota tracker"
// delegation. Grounded on llm/budget/token_budget.go's windowed spend
// accumulator, adapted from one rolling multi-window budget per process to
// one fixed-window ceiling per upstream.
package quota

import (
	"sync"
	"time"
)

// Policy is the optional spending-quota policy an Upstream may carry
// (spec.md §3).
type Policy struct {
	WindowSeconds int
	MaxSpendUSD   float64
}

type window struct {
	mu        sync.Mutex
	spent     float64
	windowEnd time.Time
}

// Tracker accumulates spend per upstream within each policy's fixed
// window (reset once it has elapsed) and answers whether a further
// estimated spend is allowed.
type Tracker struct {
	mu      sync.RWMutex
	windows map[string]*window
	now     func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (t *Tracker) windowFor(upstreamID string) *window {
	t.mu.RLock()
	w, ok := t.windows[upstreamID]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[upstreamID]; ok {
		return w
	}
	w = &window{}
	t.windows[upstreamID] = w
	return w
}

// Allow reports whether spending estimatedCostUSD more against upstreamID
// stays within policy.MaxSpendUSD for the current window. Upstreams
// without a policy trivially pass (spec.md §4.F: "upstreams without quota
// policy trivially pass"). Allow does not itself record the spend; call
// Record after the outcome is known.
func (t *Tracker) Allow(upstreamID string, policy *Policy, estimatedCostUSD float64) bool {
	if policy == nil || policy.MaxSpendUSD <= 0 {
		return true
	}

	w := t.windowFor(upstreamID)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := t.now()
	if now.After(w.windowEnd) {
		w.spent = 0
		w.windowEnd = now.Add(time.Duration(policy.WindowSeconds) * time.Second)
	}

	return w.spent+estimatedCostUSD <= policy.MaxSpendUSD
}

// Record adds actualCostUSD to upstreamID's current window. Policy is
// needed to (re)establish the window boundary if none is open yet.
func (t *Tracker) Record(upstreamID string, policy *Policy, actualCostUSD float64) {
	if policy == nil {
		return
	}
	w := t.windowFor(upstreamID)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := t.now()
	if now.After(w.windowEnd) {
		w.spent = 0
		w.windowEnd = now.Add(time.Duration(policy.WindowSeconds) * time.Second)
	}
	w.spent += actualCostUSD
}

// SetClock overrides the time source, for deterministic tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}
