package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-gateway/internal/breaker"
	"github.com/nulpointcorp/model-gateway/internal/cache"
	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/metrics"
	"github.com/nulpointcorp/model-gateway/internal/providers"
	gwrouter "github.com/nulpointcorp/model-gateway/internal/router"
)

type fakeAdapter struct {
	name       string
	calls      int32
	lastRegion atomic.Value
	result     func(req *providers.Request) (*providers.Response, error)
}

func (f *fakeAdapter) Name() string                           { return f.name }
func (f *fakeAdapter) CanFulfill(req *providers.Request) bool { return true }

func (f *fakeAdapter) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastRegion.Store(req.Context.Region)
	if f.result != nil {
		return f.result(req)
	}
	return &providers.Response{
		Text:   "generated by " + f.name,
		Tokens: providers.TokenUsage{Prompt: 12, Completion: 34, Total: 46},
		Meta: providers.Meta{
			Provider: f.name,
			Model:    "alpha-1",
			Region:   req.Context.Region,
		},
	}, nil
}

func serverConfig() *configstore.ServiceConfig {
	model := func(costIn, costOut float64) configstore.ModelConfig {
		return configstore.ModelConfig{
			Name:                       "m",
			CostPerMillionInputTokens:  costIn,
			CostPerMillionOutputTokens: costOut,
			ContextWindow:              100_000,
			Capabilities:               []string{"chat"},
			StreamingSupport:           configstore.Bool(false),
			FunctionCallingSupport:     configstore.Bool(false),
			VisionSupport:              configstore.Bool(false),
			Active:                     true,
		}
	}
	return &configstore.ServiceConfig{
		ConfigVersion: "srv-test-1",
		SchemaVersion: "1.0",
		Providers: map[string]configstore.ProviderConfig{
			"alpha": {
				Active:       true,
				SecretID:     "model-gateway/{env}/{region}/alpha",
				DefaultModel: "alpha-1",
				Models:       map[string]configstore.ModelConfig{"alpha-1": model(1, 5)},
			},
			"beta": {
				Active:       true,
				SecretID:     "model-gateway/{env}/{region}/beta",
				DefaultModel: "beta-1",
				Models:       map[string]configstore.ModelConfig{"beta-1": model(10, 50)},
			},
		},
		Routing: configstore.RoutingConfig{
			Weights:                 configstore.Weights{Cost: 0.7, Quality: 0.1, Latency: 0.1, Availability: 0.1},
			ProviderPreferenceOrder: []string{"alpha", "beta"},
		},
	}
}

type serverFixture struct {
	handler  fasthttp.RequestHandler
	adapters map[string]*fakeAdapter
	mr       *miniredis.Miniredis
}

func newServerFixture(t *testing.T, adapters map[string]*fakeAdapter) *serverFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.DiscardHandler)
	store := configstore.NewStore(rdb, log)
	if err := store.Update(context.Background(), serverConfig()); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	circuit := breaker.New(rdb, log, breaker.Options{})

	factory := func(provider, region string, pc configstore.ProviderConfig) (providers.Adapter, error) {
		a, ok := adapters[provider]
		if !ok {
			return nil, fmt.Errorf("no adapter for provider %q", provider)
		}
		return a, nil
	}
	rt := gwrouter.New(store, circuit, factory, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := New(Options{
		Router:  rt,
		Store:   store,
		Circuit: circuit,
		Redis:   rdb,
		Log:     log,
		Cache:   cache.NewMemoryCache(ctx),
		Metrics: metrics.New(),
	})

	return &serverFixture{handler: srv.Handler(), adapters: adapters, mr: mr}
}

func doRequest(t *testing.T, h fasthttp.RequestHandler, method, uri string, body []byte, headers map[string]string) *fasthttp.RequestCtx {
	t.Helper()

	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != nil {
		req.SetBody(body)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	h(ctx)
	return ctx
}

func TestGenerate_HappyPath(t *testing.T) {
	adapters := map[string]*fakeAdapter{"alpha": {name: "alpha"}, "beta": {name: "beta"}}
	fx := newServerFixture(t, adapters)

	ctx := doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate",
		[]byte(`{"prompt":"hello"}`), nil)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	var resp providers.Response
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "generated by alpha" {
		t.Fatalf("text = %q, want the cheaper alpha", resp.Text)
	}
	if resp.Tokens.Total != 46 {
		t.Fatalf("tokens = %+v", resp.Tokens)
	}

	if got := string(ctx.Response.Header.Peek("X-Cache")); got != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", got)
	}
	if string(ctx.Response.Header.Peek("X-Request-ID")) == "" {
		t.Fatal("X-Request-ID must be set")
	}
	if string(ctx.Response.Header.Peek("X-Content-Type-Options")) != "nosniff" {
		t.Fatal("security headers missing")
	}
}

func TestGenerate_MalformedBody(t *testing.T) {
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": {name: "alpha"}})

	ctx := doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate",
		[]byte(`{not json`), nil)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Error.Code != "INVALID_REQUEST" {
		t.Fatalf("code = %q, want INVALID_REQUEST", env.Error.Code)
	}
}

func TestGenerate_PromptRequired(t *testing.T) {
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": {name: "alpha"}})

	ctx := doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate",
		[]byte(`{"maxTokens":64}`), nil)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "prompt is required") {
		t.Fatalf("body = %s", ctx.Response.Body())
	}
}

func TestGenerate_CacheHitOnRepeat(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha"}
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": alpha, "beta": {name: "beta"}})

	body := []byte(`{"prompt":"deterministic question","maxTokens":64}`)

	first := doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate", body, nil)
	if got := string(first.Response.Header.Peek("X-Cache")); got != "MISS" {
		t.Fatalf("first X-Cache = %q, want MISS", got)
	}

	second := doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate", body, nil)
	if got := string(second.Response.Header.Peek("X-Cache")); got != "HIT" {
		t.Fatalf("second X-Cache = %q, want HIT", got)
	}
	if n := atomic.LoadInt32(&alpha.calls); n != 1 {
		t.Fatalf("adapter called %d times, want 1", n)
	}
	if string(first.Response.Body()) != string(second.Response.Body()) {
		t.Fatal("cached body must match the original response")
	}
}

func TestGenerate_NondeterministicSkipsCache(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha"}
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": alpha, "beta": {name: "beta"}})

	body := []byte(`{"prompt":"creative question","temperature":0.9}`)

	doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate", body, nil)
	doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate", body, nil)

	if n := atomic.LoadInt32(&alpha.calls); n != 2 {
		t.Fatalf("adapter called %d times, want 2 (no caching at temperature > 0)", n)
	}
}

func TestGenerate_RegionFromHeader(t *testing.T) {
	alpha := &fakeAdapter{name: "alpha"}
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": alpha, "beta": {name: "beta"}})

	ctx := doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate",
		[]byte(`{"prompt":"hello"}`), map[string]string{"X-Region": "eu-west-1"})

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if got, _ := alpha.lastRegion.Load().(string); got != "eu-west-1" {
		t.Fatalf("adapter saw region %q, want eu-west-1", got)
	}
}

func TestGenerate_AllProvidersFail(t *testing.T) {
	fail := func(*providers.Request) (*providers.Response, error) {
		return nil, &providers.GenError{
			Code: providers.CodeUnknown, Detail: "boom", Status: 500, Retryable: true,
		}
	}
	fx := newServerFixture(t, map[string]*fakeAdapter{
		"alpha": {name: "alpha", result: fail},
		"beta":  {name: "beta", result: fail},
	})

	ctx := doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate",
		[]byte(`{"prompt":"hello"}`), nil)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", ctx.Response.StatusCode())
	}
	var env struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Error.Code != "TIMEOUT" || !env.Error.Retryable {
		t.Fatalf("error = %+v, want retryable TIMEOUT", env.Error)
	}
	if !strings.Contains(env.Error.Message, "All candidate providers failed") {
		t.Fatalf("message = %q", env.Error.Message)
	}
}

func TestHealth(t *testing.T) {
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": {name: "alpha"}, "beta": {name: "beta"}})

	ctx := doRequest(t, fx.handler, fasthttp.MethodGet, "/health", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}

	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != "ok" || snap.Redis != "ok" {
		t.Fatalf("snapshot = %+v, want ok/ok", snap)
	}
	if snap.ConfigVersion != "srv-test-1" {
		t.Fatalf("configVersion = %q", snap.ConfigVersion)
	}
	if got := snap.Circuits["alpha#us-east-1"]; got != "closed" {
		t.Fatalf("alpha circuit = %q, want closed", got)
	}
	if got := snap.Circuits["beta#us-east-1"]; got != "closed" {
		t.Fatalf("beta circuit = %q, want closed", got)
	}
}

func TestReadiness(t *testing.T) {
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": {name: "alpha"}})

	ctx := doRequest(t, fx.handler, fasthttp.MethodGet, "/readiness", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}

	fx.mr.Close()

	ctx = doRequest(t, fx.handler, fasthttp.MethodGet, "/readiness", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when Redis is down", ctx.Response.StatusCode())
	}
}

func TestCORSPreflight(t *testing.T) {
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": {name: "alpha"}})

	ctx := doRequest(t, fx.handler, fasthttp.MethodOptions, "/v1/generate", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Fatalf("Allow-Origin = %q, want *", got)
	}
	if !strings.Contains(string(ctx.Response.Header.Peek("Access-Control-Allow-Headers")), "X-Region") {
		t.Fatal("X-Region must be an allowed header")
	}
}

func TestRequestID_ClientValuePreserved(t *testing.T) {
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": {name: "alpha"}})

	ctx := doRequest(t, fx.handler, fasthttp.MethodGet, "/health", nil,
		map[string]string{"X-Request-ID": "client-supplied-id"})

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-supplied-id" {
		t.Fatalf("X-Request-ID = %q, want the client value echoed", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newServerFixture(t, map[string]*fakeAdapter{"alpha": {name: "alpha"}, "beta": {name: "beta"}})

	doRequest(t, fx.handler, fasthttp.MethodPost, "/v1/generate",
		[]byte(`{"prompt":"hello"}`), nil)

	ctx := doRequest(t, fx.handler, fasthttp.MethodGet, "/metrics", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "gateway_") {
		t.Fatal("metrics exposition should carry gateway_* series")
	}
}
