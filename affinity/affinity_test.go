package affinity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/upstream"
)

func newTestStore(cfg Config) *Store {
	return New(cfg, nil)
}

// R1: set(k, u, c) followed by get(k) returns an entry bound to u.
func TestStore_SetThenGetRoundTrips(t *testing.T) {
	s := newTestStore(DefaultConfig())
	s.Set("key1", "openai_chat_compatible", "sess1", "u1", 100)

	entry, ok := s.Get("key1", "openai_chat_compatible", "sess1")
	require.True(t, ok)
	assert.Equal(t, "u1", entry.BoundUpstreamID)
}

func TestStore_SetPreservesCumulativeTokensAndCreatedAt(t *testing.T) {
	s := newTestStore(DefaultConfig())
	base := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return base })

	s.Set("k", "scope", "s1", "u1", 10)
	s.AddInputTokens("k", "scope", "s1", 500)

	s.SetClock(func() time.Time { return base.Add(time.Minute) })
	entry := s.Set("k", "scope", "s1", "u2", 20)

	assert.Equal(t, "u2", entry.BoundUpstreamID)
	assert.Equal(t, int64(500), entry.CumulativeInputTokens)
	assert.Equal(t, base, entry.CreatedAt)
}

// P6: for any affinity entry E and any t > max_ttl after E's creation,
// get returns none.
func TestStore_ExpiresAfterMaxTTL(t *testing.T) {
	s := newTestStore(Config{SlidingTTL: time.Hour, MaxTTL: 30 * time.Minute, Capacity: 10})
	base := time.Unix(0, 0)
	s.SetClock(func() time.Time { return base })
	s.Set("k", "scope", "s1", "u1", 1)

	s.SetClock(func() time.Time { return base.Add(31 * time.Minute) })
	_, ok := s.Get("k", "scope", "s1")
	assert.False(t, ok)
}

func TestStore_ExpiresAfterSlidingTTLEvenWithinMaxTTL(t *testing.T) {
	s := newTestStore(Config{SlidingTTL: 5 * time.Minute, MaxTTL: time.Hour, Capacity: 10})
	base := time.Unix(0, 0)
	s.SetClock(func() time.Time { return base })
	s.Set("k", "scope", "s1", "u1", 1)

	s.SetClock(func() time.Time { return base.Add(6 * time.Minute) })
	_, ok := s.Get("k", "scope", "s1")
	assert.False(t, ok)
}

func TestStore_GetRefreshesSlidingWindow(t *testing.T) {
	s := newTestStore(Config{SlidingTTL: 5 * time.Minute, MaxTTL: time.Hour, Capacity: 10})
	base := time.Unix(0, 0)
	s.SetClock(func() time.Time { return base })
	s.Set("k", "scope", "s1", "u1", 1)

	s.SetClock(func() time.Time { return base.Add(4 * time.Minute) })
	_, ok := s.Get("k", "scope", "s1")
	require.True(t, ok)

	s.SetClock(func() time.Time { return base.Add(8 * time.Minute) })
	_, ok = s.Get("k", "scope", "s1")
	assert.True(t, ok, "sliding window should have been refreshed by the prior Get")
}

func TestStore_EvictsLeastRecentlyAccessedOnOverflow(t *testing.T) {
	s := newTestStore(Config{SlidingTTL: time.Hour, MaxTTL: time.Hour, Capacity: 2})
	base := time.Unix(0, 0)

	s.SetClock(func() time.Time { return base })
	s.Set("k", "s", "sess1", "u1", 1)
	s.SetClock(func() time.Time { return base.Add(time.Second) })
	s.Set("k", "s", "sess2", "u1", 1)
	s.SetClock(func() time.Time { return base.Add(2 * time.Second) })
	s.Set("k", "s", "sess3", "u1", 1)

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("k", "s", "sess1")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = s.Get("k", "s", "sess3")
	assert.True(t, ok)
}

func TestStore_SweepReapsExpiredEntries(t *testing.T) {
	s := newTestStore(Config{SlidingTTL: time.Minute, MaxTTL: time.Hour, Capacity: 10, CleanupInterval: time.Hour})
	base := time.Unix(0, 0)
	s.SetClock(func() time.Time { return base })
	s.Set("k", "s", "sess1", "u1", 1)

	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	s.sweep()

	assert.Equal(t, 0, s.Len())
}

// --- EvaluateMigration ---

func upstreamWithPriority(id string, priority int, policy *upstream.AffinityMigrationPolicy) *upstream.Upstream {
	return &upstream.Upstream{ID: id, Priority: priority, AffinityMigration: policy}
}

// P7: migration never decreases rank.
func TestEvaluateMigration_OnlyConsidersHigherRankCandidates(t *testing.T) {
	current := upstreamWithPriority("cur", 1, nil)
	lowerRank := upstreamWithPriority("lower", 2, &upstream.AffinityMigrationPolicy{Enabled: true, Metric: upstream.MigrationMetricTokens, Threshold: 100})

	got := EvaluateMigration(current, []*upstream.Upstream{lowerRank}, 0, 0)
	assert.Nil(t, got)
}

func TestEvaluateMigration_RequiresPolicyEnabled(t *testing.T) {
	current := upstreamWithPriority("cur", 1, nil)
	disabled := upstreamWithPriority("higher", 0, &upstream.AffinityMigrationPolicy{Enabled: false, Metric: upstream.MigrationMetricTokens, Threshold: 100})

	got := EvaluateMigration(current, []*upstream.Upstream{disabled}, 0, 0)
	assert.Nil(t, got)
}

func TestEvaluateMigration_TokensMetric(t *testing.T) {
	current := upstreamWithPriority("cur", 1, nil)
	target := upstreamWithPriority("higher", 0, &upstream.AffinityMigrationPolicy{Enabled: true, Metric: upstream.MigrationMetricTokens, Threshold: 50000})

	got := EvaluateMigration(current, []*upstream.Upstream{target}, 0, 1000)
	require.NotNil(t, got)
	assert.Equal(t, "higher", got.ID)

	got = EvaluateMigration(current, []*upstream.Upstream{target}, 0, 60000)
	assert.Nil(t, got)
}

func TestEvaluateMigration_LengthMetricRequiresPositiveLength(t *testing.T) {
	current := upstreamWithPriority("cur", 1, nil)
	target := upstreamWithPriority("higher", 0, &upstream.AffinityMigrationPolicy{Enabled: true, Metric: upstream.MigrationMetricLength, Threshold: 1000})

	got := EvaluateMigration(current, []*upstream.Upstream{target}, 0, 0)
	assert.Nil(t, got, "zero content length must not satisfy the length metric")

	got = EvaluateMigration(current, []*upstream.Upstream{target}, 500, 0)
	require.NotNil(t, got)
}

func TestEvaluateMigration_PicksHighestRankAmongEligible(t *testing.T) {
	current := upstreamWithPriority("cur", 2, nil)
	mid := upstreamWithPriority("mid", 1, &upstream.AffinityMigrationPolicy{Enabled: true, Metric: upstream.MigrationMetricTokens, Threshold: 100})
	top := upstreamWithPriority("top", 0, &upstream.AffinityMigrationPolicy{Enabled: true, Metric: upstream.MigrationMetricTokens, Threshold: 100})

	got := EvaluateMigration(current, []*upstream.Upstream{mid, top}, 0, 10)
	require.NotNil(t, got)
	assert.Equal(t, "top", got.ID)
}
