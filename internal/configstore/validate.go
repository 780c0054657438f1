package configstore

import (
	"fmt"
	"math"
	"strings"
)

// WeightTolerance is the accepted deviation of the weight sum from 1.0.
const WeightTolerance = 0.001

// ValidationError aggregates every problem found in a candidate config.
// Update refuses to persist a config that produces a non-empty list.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configstore: invalid config: %s", strings.Join(e.Problems, "; "))
}

// Validate checks every semantic constraint on cfg and returns the full list
// of violations. An empty slice means the config is valid.
func Validate(cfg *ServiceConfig) []string {
	var problems []string

	if cfg == nil {
		return []string{"config is nil"}
	}

	if cfg.ConfigVersion == "" {
		problems = append(problems, "configVersion must not be empty")
	}
	if cfg.SchemaVersion == "" {
		problems = append(problems, "schemaVersion must not be empty")
	}
	if len(cfg.Providers) == 0 {
		problems = append(problems, "providers must not be empty")
	}

	// ── Routing ──────────────────────────────────────────────────────────────
	if sum := cfg.Routing.Weights.Sum(); math.Abs(sum-1.0) > WeightTolerance {
		problems = append(problems, fmt.Sprintf("routing.weights must sum to 1.0 ±%.3f, got %.4f", WeightTolerance, sum))
	}
	if w := cfg.Routing.Weights; w.Cost < 0 || w.Quality < 0 || w.Latency < 0 || w.Availability < 0 {
		problems = append(problems, "routing.weights must all be nonnegative")
	}

	if len(cfg.Routing.ProviderPreferenceOrder) == 0 {
		problems = append(problems, "routing.providerPreferenceOrder must not be empty")
	}
	for _, name := range cfg.Routing.ProviderPreferenceOrder {
		if _, ok := cfg.Providers[name]; !ok {
			problems = append(problems, fmt.Sprintf("routing.providerPreferenceOrder references unknown provider %q", name))
		}
	}

	if dm := cfg.Routing.DefaultModel; dm != "" {
		found := false
		for _, pc := range cfg.Providers {
			if _, ok := pc.Models[dm]; ok {
				found = true
				break
			}
		}
		if !found {
			problems = append(problems, fmt.Sprintf("routing.defaultModel %q does not exist in any provider", dm))
		}
	}

	// ── Providers ────────────────────────────────────────────────────────────
	for name, pc := range cfg.Providers {
		problems = append(problems, validateProvider(name, pc)...)
	}

	return problems
}

func validateProvider(name string, pc ProviderConfig) []string {
	var problems []string

	if pc.SecretID == "" {
		problems = append(problems, fmt.Sprintf("provider %q: secretId must not be empty", name))
	} else if !strings.Contains(pc.SecretID, "{env}") || !strings.Contains(pc.SecretID, "{region}") {
		problems = append(problems, fmt.Sprintf("provider %q: secretId must contain {env} and {region} placeholders", name))
	}

	if len(pc.Models) == 0 {
		problems = append(problems, fmt.Sprintf("provider %q: models must not be empty", name))
	}
	if pc.DefaultModel == "" {
		problems = append(problems, fmt.Sprintf("provider %q: defaultModel must not be empty", name))
	} else if _, ok := pc.Models[pc.DefaultModel]; !ok {
		problems = append(problems, fmt.Sprintf("provider %q: defaultModel %q does not key models", name, pc.DefaultModel))
	}

	if pc.RateLimits.RPM < 0 || pc.RateLimits.TPM < 0 {
		problems = append(problems, fmt.Sprintf("provider %q: rateLimits must be nonnegative", name))
	}

	for id, mc := range pc.Models {
		problems = append(problems, validateModel(name, id, mc)...)

		// A model visible to a rollout must be active.
		if mc.RolloutPercentage != nil && *mc.RolloutPercentage > 0 && !mc.Active {
			problems = append(problems, fmt.Sprintf("provider %q: model %q: rolloutPercentage > 0 requires active=true", name, id))
		}
	}

	return problems
}

func validateModel(provider, id string, mc ModelConfig) []string {
	var problems []string

	prefix := fmt.Sprintf("provider %q: model %q", provider, id)

	if mc.CostPerMillionInputTokens < 0 || mc.CostPerMillionOutputTokens < 0 {
		problems = append(problems, prefix+": token costs must be nonnegative")
	}
	if mc.ContextWindow <= 0 {
		problems = append(problems, prefix+": contextWindow must be positive")
	}
	if len(mc.Capabilities) == 0 {
		problems = append(problems, prefix+": capabilities must not be empty")
	}
	if mc.StreamingSupport == nil {
		problems = append(problems, prefix+": streamingSupport must be declared")
	}
	if mc.FunctionCallingSupport == nil {
		problems = append(problems, prefix+": functionCallingSupport must be declared")
	}
	if mc.VisionSupport == nil {
		problems = append(problems, prefix+": visionSupport must be declared")
	}
	if mc.RolloutPercentage != nil && (*mc.RolloutPercentage < 0 || *mc.RolloutPercentage > 100) {
		problems = append(problems, prefix+": rolloutPercentage must be within [0,100]")
	}

	return problems
}
