// Package selector implements the upstream selector of SPEC_FULL.md §4.F,
// the core routing decision: given a request's capability, model, and
// caller-scoped restrictions, it picks one upstream to serve the request.
//
// Grounded on the teacher's llm/router weighted-candidate selection (the
// priority-tiered, weight-scored draw with retry-on-rejection), generalized
// with the affinity short-circuit, quota filter, and latency-penalized
// scoring spec.md §4.F adds on top of that shape.
package selector

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/affinity"
	"github.com/BaSui01/agentflow/breaker"
	"github.com/BaSui01/agentflow/gwerrors"
	"github.com/BaSui01/agentflow/modelresolver"
	"github.com/BaSui01/agentflow/quota"
	"github.com/BaSui01/agentflow/store"
	"github.com/BaSui01/agentflow/upstream"
)

// defaultLatencyWindow is the lookback used when reading recent latency for the
// scoring penalty (spec.md §4.F: "recent p50 latency").
const defaultLatencyWindow = 5 * time.Minute

// Exclusion reasons recorded on an ExcludedCandidate (spec.md §3).
const (
	ExclusionReasonCircuitOpen     = "circuit_open"
	ExclusionReasonModelNotAllowed = "model_not_allowed"
	ExclusionReasonQuotaExceeded   = "quota_exceeded"
	ExclusionReasonFailover        = "excluded_by_failover"
)

// Request is everything the selector needs to make one routing decision.
type Request struct {
	Capability         upstream.Capability
	Model              string
	ProviderType       upstream.ProviderType
	APIKeyID           string
	Scope              string
	SessionID          string
	AllowedUpstreamIDs []string // caller ACL; empty means unrestricted
	ExcludeUpstreamIDs []string // upstreams already tried this request (failover)
	ContentLength      int
	EstimatedCostUSD   float64
}

// CandidateSummary is one upstream considered during a selection. Weight and
// circuit state are captured once, at query time, per spec.md I2 ("both are
// immutable for the lifetime of a selection").
type CandidateSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Weight       int    `json:"weight"`
	CircuitState string `json:"circuit_state"`
}

// ExcludedCandidate is one upstream dropped from consideration and why.
type ExcludedCandidate struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Decision is the routing decision record spec.md §3/§6 externalizes for
// observability and the request log. Immutable once emitted.
type Decision struct {
	OriginalModel        string                `json:"original_model"`
	ResolvedModel        string                `json:"resolved_model"`
	ModelRedirectApplied bool                  `json:"model_redirect_applied"`
	ProviderType         upstream.ProviderType `json:"provider_type"`
	UpstreamID           string                `json:"selected_upstream_id"`
	Tier                 int                   `json:"selected_tier"`
	CandidateCount       int                   `json:"candidate_count"`
	FinalCandidateCount  int                   `json:"final_candidate_count"`
	Candidates           []CandidateSummary    `json:"candidates"`
	Excluded             []ExcludedCandidate   `json:"excluded"`
	AffinityHit          bool                  `json:"affinity_hit"`
	Migrated             bool                  `json:"affinity_migrated"`
	SessionID            string                `json:"session_id,omitempty"`
	TierExhaustionCount  int                   `json:"tier_exhaustion_count"`

	CircuitFilteredCount   int `json:"circuit_filtered_count"`
	QuotaFilteredCount     int `json:"quota_filtered_count"`
	ExclusionFilteredCount int `json:"exclusion_filtered_count"`

	Reason string `json:"reason"`
}

// Selector picks upstreams for inbound requests.
type Selector struct {
	upstreams     store.UpstreamStore
	breaker       *breaker.Breaker
	affinity      *affinity.Store
	quota         *quota.Tracker
	requestLog    store.RequestLogStore
	logger        *zap.Logger
	latencyWindow time.Duration
}

// New constructs a Selector. requestLog may be nil, in which case the
// latency penalty always scores as if latency were zero.
func New(upstreams store.UpstreamStore, b *breaker.Breaker, aff *affinity.Store, q *quota.Tracker, requestLog store.RequestLogStore, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		upstreams:     upstreams,
		breaker:       b,
		affinity:      aff,
		quota:         q,
		requestLog:    requestLog,
		logger:        logger.With(zap.String("component", "selector")),
		latencyWindow: defaultLatencyWindow,
	}
}

// Select runs the full routing-decision algorithm (spec.md §4.F).
func (s *Selector) Select(ctx context.Context, req Request) (Decision, error) {
	all, err := s.upstreams.FindByProviderType(ctx, req.ProviderType, true)
	if err != nil {
		return Decision{}, err
	}

	eligible, excluded := filterEligible(all, req)
	if len(eligible) == 0 {
		return Decision{}, gwerrors.ErrNoAuthorizedUpstream
	}
	candidateSummaries := summarizeCandidates(eligible, s.breaker)

	if req.SessionID != "" && s.affinity != nil {
		if dec, ok := s.tryAffinity(ctx, req, eligible); ok {
			dec.CandidateCount = len(eligible)
			dec.Candidates = candidateSummaries
			dec.Excluded = excluded
			dec.ExclusionFilteredCount = countReason(excluded, ExclusionReasonFailover)
			return dec, nil
		}
	}

	tiers := groupByPriority(eligible)
	tierExhaustionCount := 0
	for _, tier := range tiers {
		tierEligible, tierExcluded := s.filterTier(ctx, tier, req)
		excluded = append(excluded, tierExcluded...)
		if len(tierEligible) == 0 {
			tierExhaustionCount++
			continue
		}

		chosen, err := s.pickFromTier(ctx, tierEligible)
		if err != nil {
			tierExhaustionCount++
			continue
		}

		if req.SessionID != "" && s.affinity != nil {
			s.affinity.Set(req.APIKeyID, req.Scope, req.SessionID, chosen.ID, req.ContentLength)
		}

		resolvedModel, redirected := modelresolver.Resolve(req.Model, chosen.ModelRedirects)

		return Decision{
			OriginalModel:          req.Model,
			ResolvedModel:          resolvedModel,
			ModelRedirectApplied:   redirected,
			ProviderType:           req.ProviderType,
			UpstreamID:             chosen.ID,
			Tier:                   chosen.Priority,
			CandidateCount:         len(eligible),
			FinalCandidateCount:    len(tierEligible),
			Candidates:             candidateSummaries,
			Excluded:               excluded,
			SessionID:              req.SessionID,
			TierExhaustionCount:    tierExhaustionCount,
			CircuitFilteredCount:   countReason(excluded, ExclusionReasonCircuitOpen),
			QuotaFilteredCount:     countReason(excluded, ExclusionReasonQuotaExceeded),
			ExclusionFilteredCount: countReason(excluded, ExclusionReasonFailover),
			Reason:                 "weighted_tier_selection",
		}, nil
	}

	return Decision{}, gwerrors.ErrNoHealthyUpstream
}

// filterEligible restricts all to those serving req.Capability and
// req.Model, intersected with the caller's allow-list, minus any
// already-excluded upstreams (spec.md §4.F steps 1-2). Capability and
// allow-list mismatches silently remove an upstream from consideration
// entirely (spec.md names no reason code for them); a model-allow-list
// rejection or a failover exclusion is recorded with its named reason.
func filterEligible(all []*upstream.Upstream, req Request) ([]*upstream.Upstream, []ExcludedCandidate) {
	allowed := toSet(req.AllowedUpstreamIDs)
	excludeSet := toSet(req.ExcludeUpstreamIDs)

	var eligible []*upstream.Upstream
	var excluded []ExcludedCandidate
	for _, u := range all {
		if !u.HasCapability(req.Capability) {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[u.ID]; !ok {
				continue
			}
		}
		if !u.AllowsModel(req.Model) {
			excluded = append(excluded, ExcludedCandidate{ID: u.ID, Name: u.Name, Reason: ExclusionReasonModelNotAllowed})
			continue
		}
		if _, ok := excludeSet[u.ID]; ok {
			excluded = append(excluded, ExcludedCandidate{ID: u.ID, Name: u.Name, Reason: ExclusionReasonFailover})
			continue
		}
		eligible = append(eligible, u)
	}
	return eligible, excluded
}

func summarizeCandidates(candidates []*upstream.Upstream, b *breaker.Breaker) []CandidateSummary {
	out := make([]CandidateSummary, len(candidates))
	for i, c := range candidates {
		out[i] = CandidateSummary{
			ID:           c.ID,
			Name:         c.Name,
			Weight:       c.Weight,
			CircuitState: b.GetState(c.ID).State.String(),
		}
	}
	return out
}

func countReason(excluded []ExcludedCandidate, reason string) int {
	n := 0
	for _, e := range excluded {
		if e.Reason == reason {
			n++
		}
	}
	return n
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// tryAffinity attempts the short-circuit path: honor an existing binding
// (spec.md §4.F step 4a). The bound upstream's permit is acquired first; only
// once it is confirmed admissible is migration evaluated. If migration
// yields a different target but that target's own permit is refused, the
// binding falls back to the already-admitted bound upstream rather than
// losing the affinity hit.
func (s *Selector) tryAffinity(ctx context.Context, req Request, candidates []*upstream.Upstream) (Decision, bool) {
	entry, ok := s.affinity.Get(req.APIKeyID, req.Scope, req.SessionID)
	if !ok {
		return Decision{}, false
	}

	bound := findByID(candidates, entry.BoundUpstreamID)
	if bound == nil {
		return Decision{}, false
	}

	if err := s.breaker.AcquirePermit(bound.ID); err != nil {
		return Decision{}, false
	}

	chosen := bound
	migrated := false
	if next := affinity.EvaluateMigration(bound, candidates, req.ContentLength, entry.CumulativeInputTokens); next != nil && next.ID != bound.ID {
		if err := s.breaker.AcquirePermit(next.ID); err == nil {
			chosen = next
			migrated = true
		}
	}

	s.affinity.Set(req.APIKeyID, req.Scope, req.SessionID, chosen.ID, req.ContentLength)

	resolvedModel, redirected := modelresolver.Resolve(req.Model, chosen.ModelRedirects)

	return Decision{
		OriginalModel:        req.Model,
		ResolvedModel:        resolvedModel,
		ModelRedirectApplied: redirected,
		ProviderType:         req.ProviderType,
		UpstreamID:           chosen.ID,
		Tier:                 chosen.Priority,
		FinalCandidateCount:  1,
		AffinityHit:          true,
		Migrated:             migrated,
		SessionID:            req.SessionID,
		Reason:               "affinity_binding",
	}, true
}

func findByID(candidates []*upstream.Upstream, id string) *upstream.Upstream {
	for _, c := range candidates {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// groupByPriority partitions candidates into tiers keyed by priority, with
// tiers returned lowest-priority-number (highest rank) first (spec.md §4.F
// step 4).
func groupByPriority(candidates []*upstream.Upstream) [][]*upstream.Upstream {
	byPriority := make(map[int][]*upstream.Upstream)
	var priorities []int
	for _, c := range candidates {
		if _, ok := byPriority[c.Priority]; !ok {
			priorities = append(priorities, c.Priority)
		}
		byPriority[c.Priority] = append(byPriority[c.Priority], c)
	}
	sort.Ints(priorities)

	tiers := make([][]*upstream.Upstream, len(priorities))
	for i, p := range priorities {
		tiers[i] = byPriority[p]
	}
	return tiers
}

// filterTier drops quota-exhausted upstreams and circuit-open upstreams
// that have not yet waited out their OpenDuration (spec.md §4.F steps 5-6).
// An open circuit that has elapsed its OpenDuration survives this filter so
// its half-open probe can still be admitted by AcquirePermit at draw time;
// AcquirePermit remains the authoritative admission gate.
func (s *Selector) filterTier(ctx context.Context, tier []*upstream.Upstream, req Request) ([]*upstream.Upstream, []ExcludedCandidate) {
	var eligible []*upstream.Upstream
	var excluded []ExcludedCandidate
	for _, u := range tier {
		if !s.breaker.ProbeReady(u.ID) {
			excluded = append(excluded, ExcludedCandidate{ID: u.ID, Name: u.Name, Reason: ExclusionReasonCircuitOpen})
			continue
		}
		if s.quota != nil && !s.quota.Allow(u.ID, u.Quota, req.EstimatedCostUSD) {
			excluded = append(excluded, ExcludedCandidate{ID: u.ID, Name: u.Name, Reason: ExclusionReasonQuotaExceeded})
			continue
		}
		eligible = append(eligible, u)
	}
	return eligible, excluded
}

// pickFromTier draws a weighted-random candidate and confirms admission via
// AcquirePermit, retrying rejected draws up to the tier's size (spec.md
// §4.F step 8: "retry is capped at the tier size").
func (s *Selector) pickFromTier(ctx context.Context, tier []*upstream.Upstream) (*upstream.Upstream, error) {
	remaining := make([]*upstream.Upstream, len(tier))
	copy(remaining, tier)

	for attempt := 0; attempt < len(tier) && len(remaining) > 0; attempt++ {
		idx := s.weightedIndex(ctx, remaining)
		chosen := remaining[idx]
		if err := s.breaker.AcquirePermit(chosen.ID); err == nil {
			return chosen, nil
		}
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return nil, gwerrors.ErrNoHealthyUpstream
}

// weightedIndex draws an index into candidates proportional to each
// candidate's effective weight: upstream.weight scaled by its latency
// penalty (spec.md §4.F step 7: "score = weight * max(0.1, 1.0 -
// min(latency_ms/500, 0.5))"). A candidate with weight 0 contributes 0 and
// is only reachable when the tier's total effective weight is 0, in which
// case the draw falls back to uniform selection across all candidates
// (spec.md B1).
func (s *Selector) weightedIndex(ctx context.Context, candidates []*upstream.Upstream) int {
	scores := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		scores[i] = float64(c.Weight) * s.latencyPenalty(ctx, c.ID)
		total += scores[i]
	}
	if total <= 0 {
		return rand.Intn(len(candidates))
	}

	r := rand.Float64() * total
	var cumulative float64
	for i, sc := range scores {
		cumulative += sc
		if r < cumulative {
			return i
		}
	}
	return len(candidates) - 1
}

func (s *Selector) latencyPenalty(ctx context.Context, upstreamID string) float64 {
	if s.requestLog == nil {
		return 1.0
	}
	agg, err := s.requestLog.Aggregate(ctx, upstreamID, s.latencyWindow)
	if err != nil {
		return 1.0
	}
	ratio := agg.P50LatencyMs / 500.0
	if ratio > 0.5 {
		ratio = 0.5
	}
	penalty := 1.0 - ratio
	if penalty < 0.1 {
		penalty = 0.1
	}
	return penalty
}
