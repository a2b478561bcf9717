// Package cost estimates the USD cost of a request before it is routed, so
// the selector's quota filter (spec.md §4.F step 6, SPEC_FULL.md's quota
// tracker) can reject upstreams that would blow their spending window
// without first making the call.
//
// Grounded on pkoukk/tiktoken-go for token counting — the same library the
// rest of the example pack's cost-estimation code reaches for rather than
// an approximate byte-length heuristic.
package cost

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/agentflow/upstream"
)

// defaultEncoding is used for every provider: this package estimates a
// routing-time budget, not a billing-accurate count, so one encoding is
// close enough across providers (spec.md §4.F: "estimate need not match
// the provider's own tokenizer exactly").
const defaultEncoding = "cl100k_base"

// Estimator counts tokens and converts them to an estimated USD cost using
// an upstream's per-token rates.
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

// NewEstimator loads the shared token encoding once; construction is
// expensive enough that callers should build one Estimator per process.
func NewEstimator() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("cost: load encoding: %w", err)
	}
	return &Estimator{encoding: enc}, nil
}

// CountTokens returns the estimated token count of text.
func (e *Estimator) CountTokens(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// EstimateInputCostUSD estimates the cost of sending text as input to u,
// using u's configured per-input-token rate.
func (e *Estimator) EstimateInputCostUSD(u *upstream.Upstream, text string) float64 {
	if u.CostPerInputToken <= 0 {
		return 0
	}
	return float64(e.CountTokens(text)) * u.CostPerInputToken
}

// EstimateTotalCostUSD estimates the combined input and expected-output
// cost of serving text on u, using maxOutputTokens as the output budget.
func (e *Estimator) EstimateTotalCostUSD(u *upstream.Upstream, text string, maxOutputTokens int) float64 {
	input := e.EstimateInputCostUSD(u, text)
	output := float64(maxOutputTokens) * u.CostPerOutputToken
	return input + output
}
