package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/store"
)

type fakeHealthStore struct {
	patches map[string]store.HealthPatch
}

func newFakeHealthStore() *fakeHealthStore {
	return &fakeHealthStore{patches: make(map[string]store.HealthPatch)}
}

func (f *fakeHealthStore) Update(ctx context.Context, upstreamID string, patch store.HealthPatch) error {
	f.patches[upstreamID] = patch
	return nil
}

func (f *fakeHealthStore) GetHealth(ctx context.Context, upstreamID string) (store.HealthRecord, bool, error) {
	p, ok := f.patches[upstreamID]
	if !ok {
		return store.HealthRecord{}, false, nil
	}
	return store.HealthRecord{
		UpstreamID:    upstreamID,
		Healthy:       p.Healthy,
		LastCheckAt:   p.LastCheckAt,
		LastSuccessAt: p.LastSuccessAt,
		FailureCount:  p.FailureCount,
		LatencyMs:     p.LatencyMs,
		ErrorMessage:  p.ErrorMessage,
	}, true, nil
}

func TestTracker_RecordSuccessMarksHealthy(t *testing.T) {
	tr := New(nil, nil)
	tr.RecordSuccess(context.Background(), "u1", 42*time.Millisecond)

	rec, ok := tr.Get("u1")
	require.True(t, ok)
	assert.True(t, rec.Healthy)
	assert.Equal(t, 42, rec.LatencyMs)
	assert.NotNil(t, rec.LastSuccessAt)
}

func TestTracker_RecordFailureAccumulatesConsecutiveFailures(t *testing.T) {
	tr := New(nil, nil)
	tr.RecordFailure(context.Background(), "u1", 10*time.Millisecond, "timeout")
	tr.RecordFailure(context.Background(), "u1", 10*time.Millisecond, "timeout")

	rec, ok := tr.Get("u1")
	require.True(t, ok)
	assert.False(t, rec.Healthy)
	assert.Equal(t, 2, rec.ConsecutiveFailures)
	assert.Equal(t, "timeout", rec.ErrorMessage)
}

func TestTracker_SuccessResetsConsecutiveFailures(t *testing.T) {
	tr := New(nil, nil)
	tr.RecordFailure(context.Background(), "u1", 0, "boom")
	tr.RecordSuccess(context.Background(), "u1", 5*time.Millisecond)

	rec, ok := tr.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
}

func TestTracker_MirrorsToBackingStore(t *testing.T) {
	backing := newFakeHealthStore()
	tr := New(backing, nil)
	tr.RecordSuccess(context.Background(), "u1", 5*time.Millisecond)

	patch, ok := backing.patches["u1"]
	require.True(t, ok)
	assert.True(t, patch.Healthy)
}

func TestTracker_UnknownUpstreamNotFound(t *testing.T) {
	tr := New(nil, nil)
	_, ok := tr.Get("missing")
	assert.False(t, ok)
}

func TestProber_RecordsSuccessAndFailure(t *testing.T) {
	tr := New(nil, nil)
	ids := []string{"u1", "u2"}
	probe := func(ctx context.Context, id string) (time.Duration, error) {
		if id == "u2" {
			return time.Millisecond, errors.New("connection refused")
		}
		return time.Millisecond, nil
	}
	p := NewProber(tr, time.Hour, func() []string { return ids }, probe, nil)

	p.tick(context.Background())

	rec1, ok := tr.Get("u1")
	require.True(t, ok)
	assert.True(t, rec1.Healthy)

	rec2, ok := tr.Get("u2")
	require.True(t, ok)
	assert.False(t, rec2.Healthy)
}

func TestProber_StartStopIsClean(t *testing.T) {
	tr := New(nil, nil)
	p := NewProber(tr, 10*time.Millisecond, func() []string { return nil }, func(ctx context.Context, id string) (time.Duration, error) {
		return 0, nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	time.Sleep(25 * time.Millisecond)
	p.Stop()
}
