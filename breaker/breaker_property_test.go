package breaker

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/BaSui01/agentflow/gwerrors"
)

// TestBreaker_OpenedAtInvariantHoldsUnderRandomEventSequences is a
// property-based check of invariant I4 (opened_at is set iff state ==
// open) across arbitrary interleavings of permits, successes, and
// failures with randomized clock advances (spec.md P1).
func TestBreaker_OpenedAtInvariantHoldsUnderRandomEventSequences(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := New(DefaultConfig(), nil, nil)
		clock := time.Unix(0, 0)
		b.SetClock(func() time.Time { return clock })

		eventCount := rapid.IntRange(1, 50).Draw(rt, "eventCount")
		for i := 0; i < eventCount; i++ {
			event := rapid.SampledFrom([]string{"permit", "success", "failure"}).Draw(rt, "event")
			advanceMs := rapid.IntRange(0, 40_000).Draw(rt, "advanceMs")
			clock = clock.Add(time.Duration(advanceMs) * time.Millisecond)

			switch event {
			case "permit":
				_ = b.AcquirePermit("u1")
			case "success":
				b.RecordSuccess("u1")
			case "failure":
				b.RecordFailure("u1", gwerrors.KindServerError)
			}

			snap := b.GetState("u1")
			hasOpenedAt := snap.OpenedAt != nil
			isOpen := snap.State == StateOpen
			if hasOpenedAt && !isOpen {
				rt.Fatalf("invariant I4 violated: opened_at set while state is %v", snap.State)
			}
		}
	})
}

// TestBreaker_NeverAdmitsWhileOpenAndWithinOpenDuration is a property check
// that AcquirePermit never returns nil (admit) for an upstream whose
// circuit is open and whose OpenDuration has not yet elapsed.
func TestBreaker_NeverAdmitsWhileOpenAndWithinOpenDuration(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultConfig()
		cfg.FailureThreshold = 1
		b := New(cfg, nil, nil)
		clock := time.Unix(0, 0)
		b.SetClock(func() time.Time { return clock })

		b.RecordFailure("u1", gwerrors.KindServerError)
		if b.GetState("u1").State != StateOpen {
			rt.Fatalf("expected circuit to open after one failure at threshold 1")
		}

		withinMs := rapid.IntRange(0, int(cfg.OpenDuration.Milliseconds())-1).Draw(rt, "withinMs")
		clock = clock.Add(time.Duration(withinMs) * time.Millisecond)

		err := b.AcquirePermit("u1")
		if err == nil {
			rt.Fatalf("expected permit to be denied within OpenDuration, got admit at +%dms", withinMs)
		}
		if _, ok := gwerrors.AsCircuitOpen(err); !ok {
			rt.Fatalf("expected CircuitOpenError, got %v", err)
		}
	})
}
