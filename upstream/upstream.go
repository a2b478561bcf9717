// Package upstream defines the Upstream aggregate (spec.md §3) and the
// validation an admin write runs before it is stored; creating and
// soft-deleting upstreams is done through store.UpstreamStore.
// Grounded on the teacher's config-object style (plain structs with
// yaml/json tags, validated at construction) seen throughout
// llm/config/types.go.
package upstream

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentflow/breaker"
	"github.com/BaSui01/agentflow/quota"
)

// ProviderType is the closed set of upstream wire protocols (spec.md §3).
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGoogle    ProviderType = "google"
	ProviderCustom    ProviderType = "custom"
)

func (p ProviderType) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderCustom:
		return true
	default:
		return false
	}
}

// Capability is a route-capability tag drawn from the closed vocabulary
// named in spec.md §3.
type Capability string

const (
	CapabilityAnthropicMessages      Capability = "anthropic_messages"
	CapabilityOpenAIChatCompatible   Capability = "openai_chat_compatible"
	CapabilityOpenAIExtended         Capability = "openai_extended"
	CapabilityCodexResponses         Capability = "codex_responses"
	CapabilityGeminiNativeGenerate   Capability = "gemini_native_generate"
)

// KnownCapabilities is the closed vocabulary capability.Normalize filters
// against.
var KnownCapabilities = map[Capability]bool{
	CapabilityAnthropicMessages:    true,
	CapabilityOpenAIChatCompatible: true,
	CapabilityOpenAIExtended:       true,
	CapabilityCodexResponses:       true,
	CapabilityGeminiNativeGenerate: true,
}

// AffinityMigrationPolicy governs whether a session bound to this upstream
// may be migrated to a higher-rank candidate (spec.md §4.B).
type AffinityMigrationPolicy struct {
	Enabled   bool
	Metric    MigrationMetric
	Threshold float64
}

// MigrationMetric is either "tokens" or "length" (spec.md §4.B step 5).
type MigrationMetric string

const (
	MigrationMetricTokens MigrationMetric = "tokens"
	MigrationMetricLength MigrationMetric = "length"
)

// Upstream is a registered backend instance (spec.md §3).
type Upstream struct {
	ID          string
	Name        string
	Provider    ProviderType
	BaseURL     string
	// EncryptedAPIKey is opaque to this package; encryption/decryption is
	// delegated to the store/secret-management layer (out of scope per
	// spec.md §1).
	EncryptedAPIKey string
	Active          bool
	Weight          int // >= 0, immutable for a selection (spec.md I2)
	Priority        int // lower = higher rank, immutable for a selection (I2)

	RouteCapabilities []Capability
	AllowedModels     []string          // nil/empty means "all models allowed"
	ModelRedirects    map[string]string // source -> target

	AffinityMigration *AffinityMigrationPolicy
	Quota             *quota.Policy

	// Tags is domain-stack scaffolding (SPEC_FULL.md §3): stored but not
	// consulted by the selector, since spec.md names no tag-filtering
	// operation.
	Tags []string

	// CostPerInputToken / CostPerOutputToken feed the selector's quota
	// filter cost estimate (SPEC_FULL.md §3).
	CostPerInputToken  float64
	CostPerOutputToken float64
}

// Validate checks the invariants spec.md §3 requires before an admin write
// is accepted (spec.md §7: "configuration errors... reject admin operation
// before write").
func (u *Upstream) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("upstream: id is required")
	}
	if !u.Provider.Valid() {
		return fmt.Errorf("upstream: invalid provider type %q", u.Provider)
	}
	if u.Weight < 0 {
		return fmt.Errorf("upstream: weight must be >= 0, got %d", u.Weight)
	}
	if u.Priority < 0 {
		return fmt.Errorf("upstream: priority must be >= 0, got %d", u.Priority)
	}
	for _, c := range u.RouteCapabilities {
		if !KnownCapabilities[c] {
			return fmt.Errorf("upstream: unknown route capability %q", c)
		}
	}
	if u.AffinityMigration != nil {
		switch u.AffinityMigration.Metric {
		case MigrationMetricTokens, MigrationMetricLength:
		default:
			return fmt.Errorf("upstream: invalid affinity migration metric %q", u.AffinityMigration.Metric)
		}
	}
	return nil
}

// AllowsModel reports whether model is permitted on this upstream. An empty
// allow-list means all models are permitted (spec.md §3: "optional
// allow-list").
func (u *Upstream) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// HasCapability reports whether this upstream is registered for cap.
func (u *Upstream) HasCapability(cap Capability) bool {
	for _, c := range u.RouteCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Candidate is an Upstream merged with its current circuit-breaker state
// (spec.md §2: "F ... merges each candidate with A's state"). The selector
// does not use this type: it works on *Upstream and queries the breaker
// directly.
type Candidate struct {
	Upstream *Upstream
	Circuit  breaker.Snapshot
}
