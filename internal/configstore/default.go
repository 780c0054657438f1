package configstore

import "time"

// Default returns the bootstrap configuration used when the KV store has no
// active record yet, or when a stored record fails validation during Get.
//
// It enables the two reference vendors with conservative limits so a fresh
// deployment can route requests before the first Update lands.
func Default() *ServiceConfig {
	return &ServiceConfig{
		ConfigVersion: "0.0.1",
		SchemaVersion: "1.0.0",
		UpdatedAt:     time.Unix(0, 0).UTC(),
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Active:       true,
				SecretID:     "model-gateway/{env}/{region}/anthropic",
				DefaultModel: "claude-sonnet-4-5",
				Models: map[string]ModelConfig{
					"claude-sonnet-4-5": {
						Name:                       "Claude Sonnet 4.5",
						Description:                "General purpose chat model",
						CostPerMillionInputTokens:  3.0,
						CostPerMillionOutputTokens: 15.0,
						ContextWindow:              200_000,
						MaxOutputTokens:            8192,
						Capabilities:               []string{"chat", "code", "analysis"},
						StreamingSupport:           Bool(true),
						FunctionCallingSupport:     Bool(true),
						VisionSupport:              Bool(true),
						Active:                     true,
					},
					"claude-haiku-4-5": {
						Name:                       "Claude Haiku 4.5",
						Description:                "Low latency chat model",
						CostPerMillionInputTokens:  1.0,
						CostPerMillionOutputTokens: 5.0,
						ContextWindow:              200_000,
						MaxOutputTokens:            8192,
						Capabilities:               []string{"chat", "code"},
						StreamingSupport:           Bool(true),
						FunctionCallingSupport:     Bool(true),
						VisionSupport:              Bool(false),
						Active:                     true,
					},
				},
				RateLimits: RateLimits{RPM: 60, TPM: 200_000},
			},
			"openai": {
				Active:       true,
				SecretID:     "model-gateway/{env}/{region}/openai",
				DefaultModel: "gpt-4o-mini",
				Models: map[string]ModelConfig{
					"gpt-4o-mini": {
						Name:                       "GPT-4o mini",
						Description:                "Low cost chat model",
						CostPerMillionInputTokens:  0.15,
						CostPerMillionOutputTokens: 0.6,
						ContextWindow:              128_000,
						MaxOutputTokens:            16_384,
						Capabilities:               []string{"chat", "code"},
						StreamingSupport:           Bool(true),
						FunctionCallingSupport:     Bool(true),
						VisionSupport:              Bool(true),
						Active:                     true,
					},
				},
				RateLimits: RateLimits{RPM: 120, TPM: 400_000},
			},
		},
		Routing: RoutingConfig{
			Weights: Weights{
				Cost:         0.4,
				Quality:      0.3,
				Latency:      0.2,
				Availability: 0.1,
			},
			ProviderPreferenceOrder: []string{"anthropic", "openai"},
		},
		FeatureFlags: map[string]bool{},
	}
}
