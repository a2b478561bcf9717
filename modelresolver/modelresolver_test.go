package modelresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/agentflow/gwerrors"
	"github.com/BaSui01/agentflow/upstream"
)

func TestProviderTypeFor(t *testing.T) {
	cases := map[string]upstream.ProviderType{
		"claude-opus-4":  upstream.ProviderAnthropic,
		"CLAUDE-haiku":   upstream.ProviderAnthropic,
		"gpt-4o":         upstream.ProviderOpenAI,
		"gemini-2.5-pro": upstream.ProviderGoogle,
	}
	for model, want := range cases {
		got, matched := ProviderTypeFor(model)
		assert.True(t, matched, model)
		assert.Equal(t, want, got, model)
	}
}

func TestProviderTypeFor_UnmatchedPrefixReturnsNoMatch(t *testing.T) {
	got, matched := ProviderTypeFor("llama-3-70b")
	assert.False(t, matched)
	assert.Empty(t, got)
}

func TestValidateRedirects_NoCycleIsValid(t *testing.T) {
	redirects := map[string]string{
		"a": "b",
		"b": "c",
	}
	assert.NoError(t, ValidateRedirects(redirects))
}

func TestValidateRedirects_DirectCycleIsRejected(t *testing.T) {
	redirects := map[string]string{
		"a": "b",
		"b": "a",
	}
	assert.ErrorIs(t, ValidateRedirects(redirects), gwerrors.ErrCircularRedirect)
}

func TestValidateRedirects_SelfLoopIsRejected(t *testing.T) {
	redirects := map[string]string{"a": "a"}
	assert.ErrorIs(t, ValidateRedirects(redirects), gwerrors.ErrCircularRedirect)
}

func TestValidateRedirects_LongerCycleIsRejected(t *testing.T) {
	redirects := map[string]string{
		"a": "b",
		"b": "c",
		"c": "d",
		"d": "b",
	}
	assert.ErrorIs(t, ValidateRedirects(redirects), gwerrors.ErrCircularRedirect)
}

func TestResolve_FollowsChainToTerminal(t *testing.T) {
	redirects := map[string]string{
		"gpt-4":       "gpt-4-turbo",
		"gpt-4-turbo": "gpt-4o",
	}
	resolved, redirected := Resolve("gpt-4", redirects)
	assert.Equal(t, "gpt-4o", resolved)
	assert.True(t, redirected)
}

func TestResolve_NoRedirectReturnsInput(t *testing.T) {
	resolved, redirected := Resolve("claude-opus-4", nil)
	assert.Equal(t, "claude-opus-4", resolved)
	assert.False(t, redirected)
}

func TestResolve_StopsAtMaxDepthOnPathologicalMap(t *testing.T) {
	redirects := map[string]string{"a": "b", "b": "a"}
	// a validated map never has a cycle, but Resolve itself must stay bounded
	// even if handed a stale/unvalidated one.
	got, redirected := Resolve("a", redirects)
	assert.Contains(t, []string{"a", "b"}, got)
	assert.True(t, redirected)
}
