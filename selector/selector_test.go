package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/affinity"
	"github.com/BaSui01/agentflow/breaker"
	"github.com/BaSui01/agentflow/gwerrors"
	"github.com/BaSui01/agentflow/quota"
	"github.com/BaSui01/agentflow/store/memstore"
	"github.com/BaSui01/agentflow/upstream"
)

func newTestUpstream(id string, priority, weight int) *upstream.Upstream {
	return &upstream.Upstream{
		ID:                id,
		Name:              id,
		Provider:          upstream.ProviderOpenAI,
		Active:            true,
		Weight:            weight,
		Priority:          priority,
		RouteCapabilities: []upstream.Capability{upstream.CapabilityOpenAIChatCompatible},
	}
}

func newTestSelector(t *testing.T, upstreams ...*upstream.Upstream) (*Selector, *memstore.Store, *breaker.Breaker) {
	t.Helper()
	sel, st, b, _ := newTestSelectorWithAffinity(t, upstreams...)
	return sel, st, b
}

func newTestSelectorWithAffinity(t *testing.T, upstreams ...*upstream.Upstream) (*Selector, *memstore.Store, *breaker.Breaker, *affinity.Store) {
	t.Helper()
	st := memstore.New()
	for _, u := range upstreams {
		require.NoError(t, st.Create(context.Background(), u))
	}
	b := breaker.New(breaker.DefaultConfig(), nil, nil)
	aff := affinity.New(affinity.DefaultConfig(), nil)
	q := quota.NewTracker()
	return New(st, b, aff, q, nil, nil), st, b, aff
}

func baseRequest() Request {
	return Request{
		Capability:   upstream.CapabilityOpenAIChatCompatible,
		Model:        "gpt-4o",
		ProviderType: upstream.ProviderOpenAI,
		APIKeyID:     "key1",
		Scope:        "default",
	}
}

func TestSelector_PicksSoleEligibleUpstream(t *testing.T) {
	sel, _, _ := newTestSelector(t, newTestUpstream("u1", 0, 1))

	dec, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "u1", dec.UpstreamID)
	assert.Equal(t, "gpt-4o", dec.OriginalModel)
	assert.Equal(t, "gpt-4o", dec.ResolvedModel)
	assert.False(t, dec.ModelRedirectApplied)
	assert.Len(t, dec.Candidates, 1)
}

func TestSelector_NoCapabilityMatchReturnsNoAuthorizedUpstream(t *testing.T) {
	u := newTestUpstream("u1", 0, 1)
	u.RouteCapabilities = []upstream.Capability{upstream.CapabilityAnthropicMessages}
	sel, _, _ := newTestSelector(t, u)

	_, err := sel.Select(context.Background(), baseRequest())
	assert.ErrorIs(t, err, gwerrors.ErrNoAuthorizedUpstream)
}

func TestSelector_AllowedUpstreamIDsRestrictsCandidates(t *testing.T) {
	sel, _, _ := newTestSelector(t, newTestUpstream("u1", 0, 1), newTestUpstream("u2", 0, 1))

	req := baseRequest()
	req.AllowedUpstreamIDs = []string{"u2"}

	dec, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "u2", dec.UpstreamID)
}

func TestSelector_PrefersHigherRankTier(t *testing.T) {
	sel, _, _ := newTestSelector(t, newTestUpstream("primary", 0, 1), newTestUpstream("backup", 1, 1))

	dec, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary", dec.UpstreamID)
}

func TestSelector_FallsBackToLowerTierWhenPrimaryCircuitOpen(t *testing.T) {
	sel, _, b := newTestSelector(t, newTestUpstream("primary", 0, 1), newTestUpstream("backup", 1, 1))
	b.ForceOpen("primary")

	dec, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "backup", dec.UpstreamID)
	assert.Equal(t, 1, dec.CircuitFilteredCount)
	assert.Equal(t, 1, dec.TierExhaustionCount)
}

func TestSelector_AllCircuitsOpenReturnsNoHealthyUpstream(t *testing.T) {
	sel, _, b := newTestSelector(t, newTestUpstream("u1", 0, 1))
	b.ForceOpen("u1")

	_, err := sel.Select(context.Background(), baseRequest())
	assert.ErrorIs(t, err, gwerrors.ErrNoHealthyUpstream)
}

func TestSelector_ProbeReadyOpenCircuitSurvivesTierFilter(t *testing.T) {
	sel, _, b := newTestSelector(t, newTestUpstream("u1", 0, 1))
	b.ForceOpen("u1")

	clock := time.Now()
	b.SetClock(func() time.Time { return clock })
	clock = clock.Add(breaker.DefaultConfig().OpenDuration + time.Second)

	dec, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "u1", dec.UpstreamID)
	assert.Equal(t, 0, dec.CircuitFilteredCount)
}

func TestSelector_ExcludeUpstreamIDsAppliesFailoverFilter(t *testing.T) {
	sel, _, _ := newTestSelector(t, newTestUpstream("u1", 0, 1), newTestUpstream("u2", 0, 1))

	req := baseRequest()
	req.ExcludeUpstreamIDs = []string{"u1"}

	dec, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "u2", dec.UpstreamID)
	assert.Equal(t, 1, dec.ExclusionFilteredCount)
}

func TestSelector_ModelNotAllowedIsExcludedWithReason(t *testing.T) {
	u := newTestUpstream("u1", 0, 1)
	u.AllowedModels = []string{"gpt-3.5-turbo"}
	sel, _, _ := newTestSelector(t, u, newTestUpstream("u2", 0, 1))

	dec, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "u2", dec.UpstreamID)
	require.Len(t, dec.Excluded, 1)
	assert.Equal(t, "u1", dec.Excluded[0].ID)
	assert.Equal(t, ExclusionReasonModelNotAllowed, dec.Excluded[0].Reason)
}

func TestSelector_HonorsExistingAffinityBinding(t *testing.T) {
	sel, _, _ := newTestSelector(t, newTestUpstream("u1", 0, 1), newTestUpstream("u2", 0, 1))

	req := baseRequest()
	req.SessionID = "sess1"

	first, err := sel.Select(context.Background(), req)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := sel.Select(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.UpstreamID, again.UpstreamID)
		assert.True(t, again.AffinityHit)
	}
}

func TestSelector_AffinityFallsBackToBoundUpstreamWhenMigrationTargetCircuitOpen(t *testing.T) {
	bound := newTestUpstream("bound", 1, 1)
	migrationTarget := newTestUpstream("faster", 0, 1)
	migrationTarget.AffinityMigration = &upstream.AffinityMigrationPolicy{
		Enabled:   true,
		Metric:    upstream.MigrationMetricLength,
		Threshold: 1_000_000,
	}

	sel, _, b, aff := newTestSelectorWithAffinity(t, bound, migrationTarget)

	req := baseRequest()
	req.SessionID = "sess1"
	req.ContentLength = 10
	aff.Set(req.APIKeyID, req.Scope, req.SessionID, "bound", req.ContentLength)

	b.ForceOpen("faster")

	dec, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "bound", dec.UpstreamID)
	assert.True(t, dec.AffinityHit)
	assert.False(t, dec.Migrated)
}

func TestSelector_AffinityMigratesToHigherRankCandidate(t *testing.T) {
	bound := newTestUpstream("bound", 1, 1)
	migrationTarget := newTestUpstream("faster", 0, 1)
	migrationTarget.AffinityMigration = &upstream.AffinityMigrationPolicy{
		Enabled:   true,
		Metric:    upstream.MigrationMetricLength,
		Threshold: 1_000_000,
	}

	sel, _, _, aff := newTestSelectorWithAffinity(t, bound, migrationTarget)

	req := baseRequest()
	req.SessionID = "sess1"
	req.ContentLength = 10
	aff.Set(req.APIKeyID, req.Scope, req.SessionID, "bound", req.ContentLength)

	dec, err := sel.Select(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "faster", dec.UpstreamID)
	assert.True(t, dec.AffinityHit)
	assert.True(t, dec.Migrated)
}

func TestSelector_ZeroWeightStillEligible(t *testing.T) {
	sel, _, _ := newTestSelector(t, newTestUpstream("u1", 0, 0))

	dec, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "u1", dec.UpstreamID)
}

func TestSelector_AllZeroWeightTierFallsBackToUniformSelection(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		sel, _, _ := newTestSelector(t, newTestUpstream("u1", 0, 0), newTestUpstream("u2", 0, 0))
		dec, err := sel.Select(context.Background(), baseRequest())
		require.NoError(t, err)
		seen[dec.UpstreamID] = true
	}
	assert.Len(t, seen, 2, "uniform fallback should eventually draw both zero-weight candidates")
}

func TestSelector_TierDegradationReportsCircuitBreakerFiltered(t *testing.T) {
	sel, _, b := newTestSelector(t, newTestUpstream("p1", 1, 1), newTestUpstream("p0", 0, 1))
	b.ForceOpen("p0")

	dec, err := sel.Select(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, "p1", dec.UpstreamID)
	assert.Equal(t, 1, dec.Tier)
	assert.Equal(t, 1, dec.CircuitFilteredCount)
}
