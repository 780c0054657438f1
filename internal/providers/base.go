package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/ratelimit"
	"github.com/nulpointcorp/model-gateway/internal/secrets"
)

// SecretSource resolves a templated secret reference into a key pair.
// *secrets.Client implements it; tests supply fakes.
type SecretSource interface {
	Fetch(ctx context.Context, secretID string) (secrets.Keypair, error)
}

// Core is the vendor-independent half of every adapter: model resolution,
// CanFulfill, token-bucket and RPM admission, and single-flight credential
// loading. Concrete adapters own only the protocol translation.
//
// A Core is bound to one (provider, region) pair; its token bucket and
// cached credentials are process-local and rebuilt on cold start.
type Core struct {
	name   string
	region string
	cfg    configstore.ProviderConfig

	bucket *ratelimit.TokenBucket
	rpm    *ratelimit.RPMLimiter

	secrets SecretSource
	log     *slog.Logger

	g singleflight.Group

	mu          sync.Mutex
	credsLoaded bool
	apiKey      string
}

// CoreOption configures a Core.
type CoreOption func(*Core)

// WithRPMLimiter attaches the shared requests-per-minute limiter.
func WithRPMLimiter(l *ratelimit.RPMLimiter) CoreOption {
	return func(c *Core) { c.rpm = l }
}

// WithPresetKey marks credentials as already loaded. Used by tests and by
// adapters constructed around an injected vendor client.
func WithPresetKey(key string) CoreOption {
	return func(c *Core) {
		c.apiKey = key
		c.credsLoaded = true
	}
}

// NewCore creates the shared adapter core for one provider in one region.
func NewCore(
	name, region string,
	cfg configstore.ProviderConfig,
	src SecretSource,
	log *slog.Logger,
	opts ...CoreOption,
) *Core {
	c := &Core{
		name:    name,
		region:  region,
		cfg:     cfg,
		bucket:  ratelimit.NewTokenBucket(cfg.RateLimits.TPM),
		secrets: src,
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the provider name this core is bound to.
func (c *Core) Name() string { return c.name }

// Region returns the region this core is bound to.
func (c *Core) Region() string { return c.region }

// Config returns the provider configuration snapshot.
func (c *Core) Config() configstore.ProviderConfig { return c.cfg }

// ResolveModel picks the model for req: the preferred model when it exists
// in this provider's config, else the provider default. ok is false when the
// resolved model is missing or inactive.
func (c *Core) ResolveModel(req *Request) (string, configstore.ModelConfig, bool) {
	id := c.cfg.DefaultModel
	if req.PreferredModel != "" {
		if mc, ok := c.cfg.Models[req.PreferredModel]; ok && mc.Active {
			return req.PreferredModel, mc, true
		}
	}
	mc, ok := c.cfg.Models[id]
	if !ok || !mc.Active {
		return id, configstore.ModelConfig{}, false
	}
	return id, mc, true
}

// CanFulfill reports whether the resolved model is active, advertises every
// required capability, and supports function calling when tools are present.
func (c *Core) CanFulfill(req *Request) bool {
	_, mc, ok := c.ResolveModel(req)
	if !ok {
		return false
	}
	for _, cap := range req.RequiredCapabilities {
		if !mc.HasCapability(cap) {
			return false
		}
	}
	if len(req.Tools) > 0 && !mc.SupportsFunctionCalling() {
		return false
	}
	return true
}

// Admit applies local admission control: the shared RPM window (when wired)
// and the process-local TPM bucket. A refusal is a retryable RATE_LIMIT.
func (c *Core) Admit(ctx context.Context, req *Request) *GenError {
	if c.rpm != nil && !c.rpm.Allow(ctx, c.name, c.cfg.RateLimits.RPM) {
		return &GenError{
			Code:      CodeRateLimit,
			Provider:  c.name,
			Detail:    fmt.Sprintf("local rpm limit (%d/min) exceeded", c.cfg.RateLimits.RPM),
			Status:    429,
			Retryable: true,
		}
	}

	charge := EstimateBucketTokens(req)
	if !c.bucket.Consume(charge) {
		return &GenError{
			Code:      CodeRateLimit,
			Provider:  c.name,
			Detail:    fmt.Sprintf("local token bucket exhausted (requested %d tokens)", charge),
			Status:    429,
			Retryable: true,
		}
	}

	return nil
}

// EnsureCredentials returns the active API key, fetching the secret on first
// use. Concurrent callers share one in-flight fetch; a failed fetch clears
// the latch so the next request retries.
func (c *Core) EnsureCredentials(ctx context.Context) (string, *GenError) {
	c.mu.Lock()
	if c.credsLoaded {
		key := c.apiKey
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	v, err, _ := c.g.Do("credentials", func() (any, error) {
		kp, err := c.secrets.Fetch(ctx, c.cfg.SecretID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.apiKey = kp.Current
		c.credsLoaded = true
		c.mu.Unlock()

		c.log.Info("credentials_loaded",
			slog.String("provider", c.name),
			slog.String("region", c.region),
		)
		return kp.Current, nil
	})
	if err != nil {
		return "", &GenError{
			Code:      CodeAuth,
			Provider:  c.name,
			Detail:    fmt.Sprintf("credential load failed: %v", err),
			Status:    401,
			Retryable: false,
		}
	}

	return v.(string), nil
}

// CredentialsLoaded reports whether a key is cached (preset or fetched).
func (c *Core) CredentialsLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credsLoaded
}

// Conversation translates the request into (system, messages) for a vendor.
//
// System prompt precedence: request > model config > earliest history
// system entry. Vendors with a top-level system parameter (inlineSystem
// false) get history system entries filtered out of the message list;
// vendors that accept inline system roles keep them in place and receive a
// non-empty system only from the request or model config.
// The current prompt is always appended as a final user message.
func (c *Core) Conversation(req *Request, mc configstore.ModelConfig, inlineSystem bool) (string, []Message) {
	system := req.SystemPrompt
	if system == "" {
		system = mc.SystemPrompt
	}

	msgs := make([]Message, 0, len(req.Context.History)+1)
	for _, m := range req.Context.History {
		if m.Role == RoleSystem && !inlineSystem {
			if system == "" {
				system = m.Content
			}
			continue
		}
		msgs = append(msgs, m)
	}

	msgs = append(msgs, Message{Role: RoleUser, Content: req.Prompt})
	return system, msgs
}

// MaxTokensOrDefault returns the request cap, bounded by the model's
// maxOutputTokens when declared, defaulting to DefaultMaxTokens.
func MaxTokensOrDefault(req *Request, mc configstore.ModelConfig) int {
	n := req.MaxTokens
	if n <= 0 {
		n = DefaultMaxTokens
	}
	if mc.MaxOutputTokens > 0 && n > mc.MaxOutputTokens {
		n = mc.MaxOutputTokens
	}
	return n
}

// NewMeta assembles the response metadata for a completed generation.
func (c *Core) NewMeta(req *Request, model string, mc configstore.ModelConfig, latency time.Duration) Meta {
	return Meta{
		Provider:  c.name,
		Model:     model,
		Region:    req.Context.Region,
		LatencyMs: latency.Milliseconds(),
		Timestamp: time.Now().UTC(),
		Features:  mc.Capabilities,
	}
}
