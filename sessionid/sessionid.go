// Package sessionid implements the session-id extractor of SPEC_FULL.md
// §4.G: a pure function that derives a stable session identifier for
// affinity binding from request headers and body, using capability-specific
// rules.
//
// Grounded on the teacher's request-shape dispatch-by-capability pattern
// (llm/router request normalization switches on capability/provider the
// same way), adapted from provider normalization to session-id extraction.
package sessionid

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/BaSui01/agentflow/upstream"
)

// maxSessionIDLength rejects pathologically long values so a malicious or
// buggy client can't turn the session id into an unbounded affinity key
// (spec.md §4.H: "reject... > 128 chars").
const maxSessionIDLength = 128

// Source identifies where an extracted session id was found, included in
// the routing decision record for observability (spec.md §6).
type Source string

const (
	SourceHeader   Source = "header"
	SourceBodyMeta Source = "body"
	SourceNone     Source = ""
)

// headerCandidates is the ordered list of header names consulted for
// OpenAI-shaped capabilities before falling back to the body (spec.md
// §4.H).
var headerCandidates = []string{
	"session_id",
	"session-id",
	"x-session-id",
	"x-session_id",
	"x_session_id",
}

// bodyFieldCandidates is the ordered list of JSON body fields consulted
// when no header candidate is present. "metadata.session_id" is a nested
// field (spec.md §4.H); the rest are top-level.
var bodyFieldCandidates = []string{
	"prompt_cache_key",
	"metadata.session_id",
	"previous_response_id",
}

// anthropicSessionPattern extracts a session uuid embedded in
// metadata.user_id, e.g. "user_session_3fa85f64-5717-4562-b3fc-2c963f66afa6"
// (spec.md §4.H).
var anthropicSessionPattern = regexp.MustCompile(`(?i)(^|_)session_([0-9a-f-]{36})`)

// Extract derives a session id for cap from headers (header names are
// matched case-insensitively) and the raw request body. It returns ("", SourceNone) when no capability-specific
// rule yields a non-empty, length-valid candidate.
func Extract(cap upstream.Capability, headers map[string]string, body []byte) (string, Source) {
	switch cap {
	case upstream.CapabilityAnthropicMessages:
		return extractAnthropic(body)
	case upstream.CapabilityOpenAIChatCompatible, upstream.CapabilityOpenAIExtended, upstream.CapabilityCodexResponses:
		return extractOpenAIShaped(headers, body)
	default:
		return "", SourceNone
	}
}

func extractAnthropic(body []byte) (string, Source) {
	userID, ok := lookupBodyPath(body, "metadata.user_id")
	if !ok {
		return "", SourceNone
	}
	m := anthropicSessionPattern.FindStringSubmatch(userID)
	if m == nil {
		return "", SourceNone
	}
	return valid(strings.ToLower(m[2]), SourceBodyMeta)
}

func extractOpenAIShaped(headers map[string]string, body []byte) (string, Source) {
	for _, name := range headerCandidates {
		if v, ok := lookupHeader(headers, name); ok {
			if id, src := valid(strings.TrimSpace(v), SourceHeader); src != SourceNone {
				return id, src
			}
		}
	}

	for _, field := range bodyFieldCandidates {
		if v, ok := lookupBodyPath(body, field); ok {
			if id, src := valid(strings.TrimSpace(v), SourceBodyMeta); src != SourceNone {
				return id, src
			}
		}
	}
	return "", SourceNone
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// lookupBodyPath resolves a dot-separated field path (e.g.
// "metadata.session_id") against a JSON object body, returning the string
// value at that path if present.
func lookupBodyPath(body []byte, path string) (string, bool) {
	var cur json.RawMessage = body
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return "", false
		}
		next, ok := obj[seg]
		if !ok {
			return "", false
		}
		if i == len(segments)-1 {
			var s string
			if err := json.Unmarshal(next, &s); err != nil {
				return "", false
			}
			return s, true
		}
		cur = next
	}
	return "", false
}

func valid(candidate string, src Source) (string, Source) {
	if candidate == "" || len(candidate) > maxSessionIDLength {
		return "", SourceNone
	}
	return candidate, src
}
