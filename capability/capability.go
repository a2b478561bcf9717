// Package capability implements the route-capability normalizer of
// SPEC_FULL.md §4.D: a one-time background reconciliation that trims,
// dedups, canonically sorts, and drops unknown tokens from an upstream's
// raw capability list, then persists the result.
//
// Grounded on the teacher's idempotency in-flight request de-duplication
// (single-flight-by-key guarding a side-effecting operation) for the
// per-upstream in-flight collapsing, adapted from request-body hashing to
// upstream-id keying.
package capability

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/store"
	"github.com/BaSui01/agentflow/upstream"
)

// Normalize trims whitespace, drops empty and unknown tokens, de-duplicates,
// and returns the result in canonical (sorted) order. It is a pure function
// so it can be exercised without a store.
func Normalize(raw []string) []upstream.Capability {
	seen := make(map[upstream.Capability]struct{}, len(raw))
	out := make([]upstream.Capability, 0, len(raw))
	for _, tok := range raw {
		c := upstream.Capability(trimSpace(tok))
		if c == "" {
			continue
		}
		if _, known := upstream.KnownCapabilities[c]; !known {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func trimSpace(s string) string {
	start := 0
	for start < len(s) && isSpace(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Normalizer reconciles and persists an upstream's canonical capability list,
// collapsing concurrent reconciliations for the same upstream id into one
// underlying call (spec.md §4.D: "idempotent, retried on failure").
type Normalizer struct {
	store store.UpstreamStore
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]*call
}

type call struct {
	done chan struct{}
	err  error
}

// New constructs a Normalizer backed by an UpstreamStore.
func New(st store.UpstreamStore, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		store:    st,
		logger:   logger.With(zap.String("component", "capability")),
		inFlight: make(map[string]*call),
	}
}

// Reconcile normalizes raw and persists it for upstreamID via
// UpdateRouteCapabilities. Concurrent calls for the same upstreamID share a
// single underlying store write and return the same error.
func (n *Normalizer) Reconcile(ctx context.Context, upstreamID string, raw []string) error {
	n.mu.Lock()
	if c, ok := n.inFlight[upstreamID]; ok {
		n.mu.Unlock()
		<-c.done
		return c.err
	}
	c := &call{done: make(chan struct{})}
	n.inFlight[upstreamID] = c
	n.mu.Unlock()

	canonical := Normalize(raw)
	err := n.store.UpdateRouteCapabilities(ctx, upstreamID, canonical)
	if err != nil {
		n.logger.Warn("capability reconciliation failed",
			zap.String("upstream_id", upstreamID), zap.Error(err))
	}

	n.mu.Lock()
	delete(n.inFlight, upstreamID)
	n.mu.Unlock()

	c.err = err
	close(c.done)
	return err
}
