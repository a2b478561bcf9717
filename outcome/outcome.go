// Package outcome implements the outcome reporter of SPEC_FULL.md §4.H: a
// post-response hook that feeds the circuit breaker, health tracker, and
// session affinity store from the result of a single proxied request.
//
// Grounded on the teacher's post-request hook chain in llm/router (the
// place a completed call is classified and fed back into breaker/health
// state), generalized from a single combined hook into the three
// independent sinks spec.md §4.G separates.
package outcome

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/affinity"
	"github.com/BaSui01/agentflow/breaker"
	"github.com/BaSui01/agentflow/gwerrors"
	"github.com/BaSui01/agentflow/health"
)

// ClassifyStatus maps an HTTP status code to an ErrorKind (spec.md §4.G:
// "2xx is success; 5xx, 408, and 504 count as breaker failures; 429 is
// rate-limited; other 4xx never counts against the breaker").
func ClassifyStatus(statusCode int) gwerrors.ErrorKind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return gwerrors.KindNone
	case statusCode == 429:
		return gwerrors.KindRateLimited
	case statusCode == 408 || statusCode == 504:
		return gwerrors.KindTimeout
	case statusCode >= 500:
		return gwerrors.KindServerError
	case statusCode >= 400:
		return gwerrors.KindClientError
	default:
		return gwerrors.KindClientError
	}
}

// Result carries everything the Reporter needs to know about one completed
// proxied request.
type Result struct {
	UpstreamID  string
	StatusCode  int       // 0 if the request never reached the upstream (use Err instead)
	Err         error      // transport-level failure; mutually exclusive with a meaningful StatusCode
	ErrKind     gwerrors.ErrorKind // classification for Err; ignored when StatusCode != 0
	Latency     time.Duration
	APIKeyID    string
	Scope       string
	SessionID   string
	InputTokens int64
}

// Reporter wires a completed request's outcome into the breaker, health
// tracker, and affinity store.
type Reporter struct {
	breaker  *breaker.Breaker
	affinity *affinity.Store
	health   *health.Tracker
	logger   *zap.Logger
}

// New constructs a Reporter. aff and h may be nil to skip those sinks
// (useful for callers that only care about breaker feedback in tests).
func New(b *breaker.Breaker, aff *affinity.Store, h *health.Tracker, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		breaker:  b,
		affinity: aff,
		health:   h,
		logger:   logger.With(zap.String("component", "outcome")),
	}
}

// Report classifies res and applies it to every configured sink.
func (r *Reporter) Report(ctx context.Context, res Result) {
	kind := res.ErrKind
	if res.StatusCode != 0 {
		kind = ClassifyStatus(res.StatusCode)
	}

	if kind == gwerrors.KindNone {
		r.breaker.RecordSuccess(res.UpstreamID)
		if r.health != nil {
			r.health.RecordSuccess(ctx, res.UpstreamID, res.Latency)
		}
	} else {
		r.breaker.RecordFailure(res.UpstreamID, kind)
		if r.health != nil && kind.CountsAsFailure() {
			msg := ""
			if res.Err != nil {
				msg = res.Err.Error()
			}
			r.health.RecordFailure(ctx, res.UpstreamID, res.Latency, msg)
		}
	}

	if r.affinity != nil && res.SessionID != "" && res.InputTokens > 0 {
		r.affinity.AddInputTokens(res.APIKeyID, res.Scope, res.SessionID, res.InputTokens)
	}
}
