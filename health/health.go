// Package health implements the display-only health tracker of
// SPEC_FULL.md §4.C. It records the outcome and latency of each observed
// request or probe, purely for operator dashboards; the selector package
// MUST NOT import this package (spec.md §4.C: "the selector MUST NOT read
// these fields").
//
// Grounded on llm/router.HealthChecker / ModelHealth's probe-then-write
// shape, adapted from a periodic active prober into a passive tracker fed
// by the outcome package after every request, plus an active Prober type
// that mirrors the teacher's ticker-driven health check loop for operators
// who want synthetic probing too.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/store"
)

// Record mirrors spec.md §3's Health Record.
type Record struct {
	Healthy             bool
	LastCheckAt         time.Time
	LastSuccessAt       *time.Time
	ConsecutiveFailures int
	LatencyMs           int
	ErrorMessage        string
}

// Tracker records health observations in memory and, if a store.HealthStore
// is provided, mirrors them durably for operator dashboards (spec.md §4.C:
// "queries are delegated to the store").
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
	backing store.HealthStore
	logger  *zap.Logger
}

// New constructs a Tracker. backing may be nil for a purely in-memory
// tracker (e.g. in tests).
func New(backing store.HealthStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		records: make(map[string]Record),
		backing: backing,
		logger:  logger.With(zap.String("component", "health")),
	}
}

// RecordSuccess records a healthy observation.
func (t *Tracker) RecordSuccess(ctx context.Context, upstreamID string, latency time.Duration) {
	now := time.Now()
	t.mu.Lock()
	rec := Record{
		Healthy:       true,
		LastCheckAt:   now,
		LastSuccessAt: &now,
		LatencyMs:     int(latency.Milliseconds()),
	}
	t.records[upstreamID] = rec
	t.mu.Unlock()

	t.mirror(ctx, upstreamID, rec)
}

// RecordFailure records an unhealthy observation, accumulating the
// consecutive-failure count.
func (t *Tracker) RecordFailure(ctx context.Context, upstreamID string, latency time.Duration, errMsg string) {
	now := time.Now()

	t.mu.Lock()
	prev := t.records[upstreamID]
	rec := Record{
		Healthy:             false,
		LastCheckAt:         now,
		LastSuccessAt:       prev.LastSuccessAt,
		ConsecutiveFailures: prev.ConsecutiveFailures + 1,
		LatencyMs:           int(latency.Milliseconds()),
		ErrorMessage:        errMsg,
	}
	t.records[upstreamID] = rec
	t.mu.Unlock()

	t.logger.Warn("upstream health check failed",
		zap.String("upstream_id", upstreamID),
		zap.Int("consecutive_failures", rec.ConsecutiveFailures),
		zap.String("error", errMsg),
	)
	t.mirror(ctx, upstreamID, rec)
}

func (t *Tracker) mirror(ctx context.Context, upstreamID string, rec Record) {
	if t.backing == nil {
		return
	}
	if err := t.backing.Update(ctx, upstreamID, store.HealthPatch{
		Healthy:       rec.Healthy,
		LastCheckAt:   rec.LastCheckAt,
		LastSuccessAt: rec.LastSuccessAt,
		FailureCount:  rec.ConsecutiveFailures,
		LatencyMs:     rec.LatencyMs,
		ErrorMessage:  rec.ErrorMessage,
	}); err != nil {
		t.logger.Warn("failed to persist health record", zap.String("upstream_id", upstreamID), zap.Error(err))
	}
}

// Get returns the current in-memory health record for operator dashboards.
func (t *Tracker) Get(upstreamID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[upstreamID]
	return rec, ok
}

// Prober periodically exercises a caller-supplied probe function per
// upstream id and records the result, mirroring llm/router.HealthChecker's
// ticker-driven active health check loop.
type Prober struct {
	tracker  *Tracker
	interval time.Duration
	probe    func(ctx context.Context, upstreamID string) (time.Duration, error)
	ids      func() []string
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewProber builds a Prober. ids is called on each tick to get the current
// upstream id set; probe performs one health check against a single
// upstream.
func NewProber(tracker *Tracker, interval time.Duration, ids func() []string, probe func(ctx context.Context, upstreamID string) (time.Duration, error), logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		tracker:  tracker,
		interval: interval,
		probe:    probe,
		ids:      ids,
		logger:   logger.With(zap.String("component", "health_prober")),
	}
}

// Start launches the probing loop in a background goroutine.
func (p *Prober) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

// Stop halts the probing loop and blocks until it exits.
func (p *Prober) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) tick(ctx context.Context) {
	for _, id := range p.ids() {
		latency, err := p.probe(ctx, id)
		if err != nil {
			p.tracker.RecordFailure(ctx, id, latency, err.Error())
			continue
		}
		p.tracker.RecordSuccess(ctx, id, latency)
	}
}
