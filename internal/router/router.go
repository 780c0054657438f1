// Package router selects a provider and model for each generation request
// and walks the fallback chain when attempts fail.
//
// The routing loop is strictly sequential: one candidate at a time, circuit
// gate first, vendor call second, outcome recorded third. Concurrent
// requests share the config store and the circuit breaker but carry no other
// shared state, so Route is safe to call from any number of goroutines.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/model-gateway/internal/breaker"
	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/metrics"
	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// DefaultRegion is assumed when the request carries no region.
const DefaultRegion = "us-east-1"

// AdapterFactory lazily constructs the adapter for one (provider, region)
// pair from its config snapshot. The router caches the result per pair.
type AdapterFactory func(provider, region string, cfg configstore.ProviderConfig) (providers.Adapter, error)

// Router routes requests across providers with circuit gating, cost-weighted
// ordering and sequential fallback.
type Router struct {
	store   *configstore.Store
	circuit *breaker.Breaker
	factory AdapterFactory
	metrics *metrics.Registry
	log     *slog.Logger

	defaultRegion string

	mu       sync.Mutex
	adapters map[string]providers.Adapter
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics attaches the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Router) { r.metrics = m }
}

// WithDefaultRegion overrides the region used for requests that carry none.
func WithDefaultRegion(region string) Option {
	return func(r *Router) { r.defaultRegion = region }
}

// New creates a Router. store, circuit, factory and log must not be nil.
func New(store *configstore.Store, circuit *breaker.Breaker, factory AdapterFactory, log *slog.Logger, opts ...Option) *Router {
	r := &Router{
		store:         store,
		circuit:       circuit,
		factory:       factory,
		log:           log,
		defaultRegion: DefaultRegion,
		adapters:      make(map[string]providers.Adapter),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// attempt is one candidate's disposition, kept for the exhaustion report.
type attempt struct {
	provider    string
	disposition string
}

// Route picks candidates for req and tries them in order until one succeeds.
//
// Qualifying failures (retryable, or RATE_LIMIT / TIMEOUT / UNKNOWN) are
// recorded against the candidate's circuit; caller-side failures (AUTH,
// CONTENT, CAPABILITY) are reported but leave the circuit untouched. When
// every candidate fails, the result is a retryable TIMEOUT enumerating each
// provider's disposition.
func (r *Router) Route(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	cfg := r.store.Get(ctx)
	region := r.region(req)

	cands := r.buildCandidates(ctx, cfg, req, region)
	if len(cands) == 0 {
		r.metrics.RecordRouteResult("none", strings.ToLower(string(providers.CodeTimeout)))
		return nil, &providers.GenError{
			Code:      providers.CodeTimeout,
			Detail:    "No suitable active provider available",
			Status:    503,
			Retryable: true,
		}
	}

	attempts := make([]attempt, 0, len(cands))
	prev := ""

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, &providers.GenError{
				Code:      providers.CodeTimeout,
				Detail:    fmt.Sprintf("request aborted before reaching %s: %v", c.provider, err),
				Status:    504,
				Retryable: true,
			}
		}

		if prev != "" {
			r.metrics.RecordFallback(prev, c.provider)
		}
		prev = c.provider

		key := breaker.Key(c.provider, region)

		if !r.circuit.Allow(ctx, key) {
			attempts = append(attempts, attempt{c.provider, "circuit_open"})
			r.metrics.RecordCircuitRejection(key)
			r.metrics.RecordAttempt(c.provider, "circuit_open", 0)
			r.log.Info("candidate_skipped",
				slog.String("provider", c.provider),
				slog.String("reason", "circuit_open"),
			)
			continue
		}

		adapter, err := r.adapter(c.provider, region, c.pcfg)
		if err != nil {
			attempts = append(attempts, attempt{c.provider, "unavailable"})
			r.metrics.RecordAttempt(c.provider, "unavailable", 0)
			r.log.Error("adapter_init_failed",
				slog.String("provider", c.provider),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !adapter.CanFulfill(req) {
			attempts = append(attempts, attempt{c.provider, "cannot_fulfill"})
			r.metrics.RecordAttempt(c.provider, "cannot_fulfill", 0)
			r.log.Info("candidate_skipped",
				slog.String("provider", c.provider),
				slog.String("reason", "cannot_fulfill"),
			)
			continue
		}

		start := time.Now()
		resp, genErr := r.generate(ctx, adapter, req)
		latency := time.Since(start)

		if genErr == nil {
			r.circuit.RecordSuccess(ctx, key, latency.Milliseconds())
			r.metrics.RecordAttempt(c.provider, "success", latency)
			r.metrics.RecordRouteResult(c.provider, "ok")
			r.metrics.AddTokens(c.provider, resp.Tokens.Prompt, resp.Tokens.Completion)
			return resp, nil
		}

		disposition := strings.ToLower(string(genErr.Code))
		attempts = append(attempts, attempt{c.provider, disposition})
		r.metrics.RecordAttempt(c.provider, disposition, latency)

		if genErr.Qualifying() {
			r.circuit.RecordFailure(ctx, key, latency.Milliseconds())
		}

		r.log.Warn("candidate_failed",
			slog.String("provider", c.provider),
			slog.String("model", c.model),
			slog.String("code", string(genErr.Code)),
			slog.Bool("retryable", genErr.Retryable),
			slog.Int64("latency_ms", latency.Milliseconds()),
			slog.String("error", genErr.Detail),
		)
	}

	r.metrics.RecordExhausted()
	r.metrics.RecordRouteResult("none", strings.ToLower(string(providers.CodeTimeout)))

	return nil, &providers.GenError{
		Code:      providers.CodeTimeout,
		Detail:    "All candidate providers failed: " + summarize(attempts),
		Status:    503,
		Retryable: true,
	}
}

// generate runs one vendor call, converting panics in adapter code into
// standardized UNKNOWN errors so a single misbehaving adapter cannot take
// down the routing loop.
func (r *Router) generate(ctx context.Context, adapter providers.Adapter, req *providers.Request) (resp *providers.Response, genErr *providers.GenError) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("adapter_panic",
				slog.String("provider", adapter.Name()),
				slog.Any("panic", rec),
			)
			resp = nil
			genErr = &providers.GenError{
				Code:      providers.CodeUnknown,
				Provider:  adapter.Name(),
				Detail:    fmt.Sprintf("adapter panic: %v", rec),
				Status:    500,
				Retryable: true,
			}
		}
	}()

	out, err := adapter.Generate(ctx, req)
	if err != nil {
		return nil, providers.Standardize(adapter.Name(), err)
	}
	return out, nil
}

// adapter returns the cached adapter for (provider, region), constructing it
// on first use.
func (r *Router) adapter(provider, region string, cfg configstore.ProviderConfig) (providers.Adapter, error) {
	id := provider + "#" + region

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[id]; ok {
		return a, nil
	}

	a, err := r.factory(provider, region, cfg)
	if err != nil {
		return nil, err
	}
	r.adapters[id] = a
	return a, nil
}

func (r *Router) region(req *providers.Request) string {
	if req.Context.Region != "" {
		return req.Context.Region
	}
	return r.defaultRegion
}

func summarize(attempts []attempt) string {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = fmt.Sprintf("%s(%s)", a.provider, a.disposition)
	}
	return strings.Join(parts, ", ")
}
