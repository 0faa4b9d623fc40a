// Package tier enforces per-tenant subscription limits. It has two surfaces,
// deliberately split: upstream validation runs in the entry-point service
// before work is dispatched, and downstream accounting runs in the service
// that actually consumed the resource, after success.
package tier

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nooble4/fabric/envelope"
)

type (
	// Tier is a named subscription level.
	Tier string

	// Resource identifies a tier-governed thing.
	Resource string

	// Kind classifies how a resource limit is checked.
	Kind string

	// Window is the calendar alignment of a usage counter.
	Window string

	// Limit is one cell of the limit table. Exactly one field is meaningful
	// per resource kind: Quota for quantitative resources, Allowed for
	// allow-list resources, Enabled for boolean capabilities.
	Limit struct {
		Quota   *int64   `yaml:"quota,omitempty"`
		Allowed []string `yaml:"allowed,omitempty"`
		Enabled *bool    `yaml:"enabled,omitempty"`
	}

	// Limits is the full limit table keyed by tier then resource.
	Limits map[Tier]map[Resource]Limit

	// limitsFile is the YAML layout of a limit table.
	limitsFile struct {
		Tiers Limits `yaml:"tiers"`
	}

	// meta describes how a resource is checked and windowed.
	meta struct {
		kind   Kind
		window Window
	}

	// ExceededKind classifies a validation failure.
	ExceededKind string

	// LimitExceededError is returned by Validate when a tenant is over a
	// limit, outside an allow-list, or missing a capability.
	LimitExceededError struct {
		// Kind is the failure classification.
		Kind ExceededKind
		// TenantID is the tenant that failed validation.
		TenantID string
		// Resource is the governed resource.
		Resource Resource
		// Message describes the failure.
		Message string
	}
)

const (
	// TierFree is the entry-level tier.
	TierFree Tier = "free"
	// TierAdvance is the first paid tier.
	TierAdvance Tier = "advance"
	// TierProfessional is the mid paid tier.
	TierProfessional Tier = "professional"
	// TierEnterprise is the top tier.
	TierEnterprise Tier = "enterprise"
)

const (
	// KindQuota limits a numeric count against a window counter.
	KindQuota Kind = "quota"
	// KindAllowList restricts a value to an enumerated set.
	KindAllowList Kind = "allow_list"
	// KindCapability gates a boolean feature flag.
	KindCapability Kind = "capability"
)

const (
	// WindowNone means the counter never resets (lifetime count).
	WindowNone Window = "none"
	// WindowHour resets at the top of each UTC hour.
	WindowHour Window = "hour"
	// WindowDay resets at each UTC midnight.
	WindowDay Window = "day"
	// WindowMonth resets at the first of each UTC month.
	WindowMonth Window = "month"
)

const (
	// MaxAgents caps how many agents a tenant may create.
	MaxAgents Resource = "MAX_AGENTS"
	// QueriesPerHour caps RAG queries per calendar hour.
	QueriesPerHour Resource = "QUERIES_PER_HOUR"
	// EmbeddingsTokens caps embedding tokens per calendar month.
	EmbeddingsTokens Resource = "EMBEDDINGS_TOKENS"
	// AllowedLLMModels enumerates the model names a tenant may request.
	AllowedLLMModels Resource = "ALLOWED_LLM_MODELS"
	// MaxCollectionsPerAgent caps collections attached to one agent.
	MaxCollectionsPerAgent Resource = "MAX_COLLECTIONS_PER_AGENT"
	// CanUseCustomPrompts gates the custom system prompt feature.
	CanUseCustomPrompts Resource = "CAN_USE_CUSTOM_PROMPTS"
)

const (
	// QuotaExceeded reports a window counter at or over its quota.
	QuotaExceeded ExceededKind = "QUOTA_EXCEEDED"
	// ValueNotAllowed reports a value outside the allow-list.
	ValueNotAllowed ExceededKind = "VALUE_NOT_ALLOWED"
	// CapabilityDenied reports a disabled capability.
	CapabilityDenied ExceededKind = "CAPABILITY_DENIED"
)

// resourceMeta is the static taxonomy: check kind and counter window per
// resource. Unknown resources are rejected by Validate.
var resourceMeta = map[Resource]meta{
	MaxAgents:              {kind: KindQuota, window: WindowNone},
	QueriesPerHour:         {kind: KindQuota, window: WindowHour},
	EmbeddingsTokens:       {kind: KindQuota, window: WindowMonth},
	AllowedLLMModels:       {kind: KindAllowList, window: WindowNone},
	MaxCollectionsPerAgent: {kind: KindQuota, window: WindowNone},
	CanUseCustomPrompts:    {kind: KindCapability, window: WindowNone},
}

// Error implements error.
func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("tier limit exceeded (%s): tenant %s, resource %s: %s", e.Kind, e.TenantID, e.Resource, e.Message)
}

// Detail converts the failure into the wire-level error carried by a
// DomainActionResponse.
func (e *LimitExceededError) Detail() *envelope.ErrorDetail {
	return &envelope.ErrorDetail{
		ErrorType: "tier_limit",
		ErrorCode: string(e.Kind),
		Message:   e.Message,
		Details: map[string]any{
			"tenant_id": e.TenantID,
			"resource":  string(e.Resource),
		},
	}
}

// DefaultLimits returns the built-in limit table used when no YAML table is
// configured.
func DefaultLimits() Limits {
	return Limits{
		TierFree: {
			MaxAgents:              quota(1),
			QueriesPerHour:         quota(50),
			EmbeddingsTokens:       quota(100_000),
			AllowedLLMModels:       allowed("gpt-4o-mini"),
			MaxCollectionsPerAgent: quota(1),
			CanUseCustomPrompts:    capability(false),
		},
		TierAdvance: {
			MaxAgents:              quota(5),
			QueriesPerHour:         quota(500),
			EmbeddingsTokens:       quota(1_000_000),
			AllowedLLMModels:       allowed("gpt-4o-mini", "gpt-4o"),
			MaxCollectionsPerAgent: quota(5),
			CanUseCustomPrompts:    capability(true),
		},
		TierProfessional: {
			MaxAgents:              quota(20),
			QueriesPerHour:         quota(5_000),
			EmbeddingsTokens:       quota(10_000_000),
			AllowedLLMModels:       allowed("gpt-4o-mini", "gpt-4o", "claude-3-5-sonnet"),
			MaxCollectionsPerAgent: quota(20),
			CanUseCustomPrompts:    capability(true),
		},
		TierEnterprise: {
			MaxAgents:              quota(100),
			QueriesPerHour:         quota(50_000),
			EmbeddingsTokens:       quota(100_000_000),
			AllowedLLMModels:       allowed("*"),
			MaxCollectionsPerAgent: quota(100),
			CanUseCustomPrompts:    capability(true),
		},
	}
}

// LoadLimits parses a YAML limit table.
func LoadLimits(r io.Reader) (Limits, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read limits: %w", err)
	}
	var f limitsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse limits: %w", err)
	}
	if len(f.Tiers) == 0 {
		return nil, fmt.Errorf("limits file defines no tiers")
	}
	return f.Tiers, nil
}

// LoadLimitsFile loads a YAML limit table from disk.
func LoadLimitsFile(path string) (Limits, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open limits file: %w", err)
	}
	defer f.Close()
	return LoadLimits(f)
}

func quota(n int64) Limit       { return Limit{Quota: &n} }
func allowed(v ...string) Limit { return Limit{Allowed: v} }
func capability(ok bool) Limit  { return Limit{Enabled: &ok} }
