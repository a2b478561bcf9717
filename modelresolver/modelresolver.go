// Package modelresolver implements the model resolver of SPEC_FULL.md
// §4.E: mapping a model name to its provider type and following an
// upstream's configured model-redirect chain to a final model name.
//
// Grounded on the teacher's llm/router provider-prefix dispatch table for
// providerTypeFor, and on a standard DFS cycle check (as used for dependency
// graphs throughout the pack) for validateRedirects.
package modelresolver

import (
	"strings"

	"github.com/BaSui01/agentflow/gwerrors"
	"github.com/BaSui01/agentflow/upstream"
)

// maxRedirectDepth bounds chain-following so a validated-but-stale redirect
// map can never spin forever (spec.md §4.E: "bounded traversal").
const maxRedirectDepth = 10

// ProviderTypeFor derives the wire provider from a model name's prefix
// (spec.md §4.E: "claude- -> anthropic, gpt- -> openai, gemini- -> google").
// matched is false when no prefix matches; the zero ProviderType is not a
// meaningful value in that case (it is not the same thing as
// upstream.ProviderCustom, which denotes an administrator-configured custom
// provider, not "unknown").
func ProviderTypeFor(model string) (providerType upstream.ProviderType, matched bool) {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude-"):
		return upstream.ProviderAnthropic, true
	case strings.HasPrefix(lower, "gpt-"):
		return upstream.ProviderOpenAI, true
	case strings.HasPrefix(lower, "gemini-"):
		return upstream.ProviderGoogle, true
	default:
		return "", false
	}
}

// ValidateRedirects reports an error if redirects contains a cycle,
// starting a fresh DFS from every source node (spec.md I5: "the redirect
// map must not contain a cycle").
func ValidateRedirects(redirects map[string]string) error {
	for start := range redirects {
		visited := make(map[string]bool)
		node := start
		for {
			if visited[node] {
				return gwerrors.ErrCircularRedirect
			}
			visited[node] = true
			next, ok := redirects[node]
			if !ok {
				break
			}
			node = next
		}
	}
	return nil
}

// Resolve follows redirects starting from model until it reaches a model
// with no further redirect entry, or maxRedirectDepth hops are exhausted
// (spec.md §4.E: "resolve is iterative, not recursive, and caps depth").
// redirected reports whether at least one hop was followed, feeding the
// routing decision's model_redirect_applied field (spec.md §6).
func Resolve(model string, redirects map[string]string) (resolved string, redirected bool) {
	current := model
	for i := 0; i < maxRedirectDepth; i++ {
		next, ok := redirects[current]
		if !ok || next == current {
			return current, redirected
		}
		current = next
		redirected = true
	}
	return current, redirected
}
