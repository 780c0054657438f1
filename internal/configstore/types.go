// Package configstore owns the versioned ServiceConfig record that drives
// routing decisions.
//
// The active configuration lives in Redis under a single fixed key and is
// mirrored in a process-local cache with a short TTL, so config reads never
// touch the network on the hot path. Updates go through the full validator
// before anything is written.
package configstore

import (
	"time"
)

// ServiceConfig is the process-wide routing configuration.
// It is persisted as a single JSON record in the KV store.
type ServiceConfig struct {
	ConfigVersion string    `json:"configVersion"`
	SchemaVersion string    `json:"schemaVersion"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// Providers maps provider name → provider configuration.
	Providers map[string]ProviderConfig `json:"providers"`

	Routing RoutingConfig `json:"routing"`

	FeatureFlags map[string]bool `json:"featureFlags,omitempty"`
}

// RoutingConfig holds the scoring weights and the fallback ordering.
type RoutingConfig struct {
	Weights Weights `json:"weights"`

	// ProviderPreferenceOrder is the ordered fallback sequence. Every name
	// must key into ServiceConfig.Providers.
	ProviderPreferenceOrder []string `json:"providerPreferenceOrder"`

	// DefaultModel, when set, must exist in at least one active provider.
	DefaultModel string `json:"defaultModel,omitempty"`
}

// Weights are the four scoring-objective weights. They must sum to 1.0
// within WeightTolerance.
type Weights struct {
	Cost         float64 `json:"cost"`
	Quality      float64 `json:"quality"`
	Latency      float64 `json:"latency"`
	Availability float64 `json:"availability"`
}

// Sum returns the total of all four weights.
func (w Weights) Sum() float64 {
	return w.Cost + w.Quality + w.Latency + w.Availability
}

// ProviderConfig describes one upstream vendor.
type ProviderConfig struct {
	Active bool `json:"active"`

	// SecretID is an opaque Secrets Manager reference. It must contain the
	// {env} and {region} placeholders, expanded before lookup.
	SecretID string `json:"secretId"`

	// DefaultModel must key into Models.
	DefaultModel string `json:"defaultModel"`

	Models map[string]ModelConfig `json:"models"`

	RateLimits  RateLimits   `json:"rateLimits"`
	RetryConfig *RetryConfig `json:"retryConfig,omitempty"`
	APIVersion  string       `json:"apiVersion,omitempty"`
}

// RateLimits holds per-provider admission limits.
type RateLimits struct {
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
}

// RetryConfig tunes vendor-level retries. The router itself never retries
// beyond candidate fallback; this is passed through to SDK clients.
type RetryConfig struct {
	MaxAttempts int           `json:"maxAttempts"`
	BaseDelay   time.Duration `json:"baseDelay"`
}

// ModelConfig describes one model offered by a provider.
//
// The three *Support fields are pointers on purpose: the validator requires
// them to be declared explicitly, and a pointer distinguishes "absent" from
// "false" after JSON decoding.
type ModelConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	CostPerMillionInputTokens  float64 `json:"costPerMillionInputTokens"`
	CostPerMillionOutputTokens float64 `json:"costPerMillionOutputTokens"`

	ContextWindow   int `json:"contextWindow"`
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`

	Capabilities []string `json:"capabilities"`

	StreamingSupport       *bool `json:"streamingSupport"`
	FunctionCallingSupport *bool `json:"functionCallingSupport"`
	VisionSupport          *bool `json:"visionSupport"`

	Active bool `json:"active"`

	SystemPrompt      string   `json:"systemPrompt,omitempty"`
	RolloutPercentage *float64 `json:"rolloutPercentage,omitempty"`
}

// HasCapability reports whether the model advertises cap.
func (m ModelConfig) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SupportsFunctionCalling is a nil-safe accessor for FunctionCallingSupport.
func (m ModelConfig) SupportsFunctionCalling() bool {
	return m.FunctionCallingSupport != nil && *m.FunctionCallingSupport
}

// SupportsStreaming is a nil-safe accessor for StreamingSupport.
func (m ModelConfig) SupportsStreaming() bool {
	return m.StreamingSupport != nil && *m.StreamingSupport
}

// SupportsVision is a nil-safe accessor for VisionSupport.
func (m ModelConfig) SupportsVision() bool {
	return m.VisionSupport != nil && *m.VisionSupport
}

// Bool returns a pointer to b — convenience for building configs in code.
func Bool(b bool) *bool { return &b }

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }
