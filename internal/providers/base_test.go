package providers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/secrets"
)

type fakeSecrets struct {
	mu      sync.Mutex
	calls   int32
	current string
	err     error
	block   chan struct{} // when set, Fetch waits until closed
}

func (f *fakeSecrets) Fetch(ctx context.Context, secretID string) (secrets.Keypair, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return secrets.Keypair{}, f.err
	}
	return secrets.Keypair{Current: f.current}, nil
}

func testProviderConfig() configstore.ProviderConfig {
	return configstore.ProviderConfig{
		Active:       true,
		SecretID:     "model-gateway/{env}/{region}/test",
		DefaultModel: "standard-1",
		Models: map[string]configstore.ModelConfig{
			"standard-1": {
				Name:                       "standard-1",
				CostPerMillionInputTokens:  3,
				CostPerMillionOutputTokens: 15,
				ContextWindow:              200_000,
				Capabilities:               []string{"chat", "code"},
				StreamingSupport:           configstore.Bool(true),
				FunctionCallingSupport:     configstore.Bool(true),
				VisionSupport:              configstore.Bool(false),
				Active:                     true,
			},
			"mini-1": {
				Name:                       "mini-1",
				CostPerMillionInputTokens:  0.5,
				CostPerMillionOutputTokens: 2,
				ContextWindow:              128_000,
				Capabilities:               []string{"chat"},
				StreamingSupport:           configstore.Bool(true),
				FunctionCallingSupport:     configstore.Bool(false),
				VisionSupport:              configstore.Bool(false),
				Active:                     true,
			},
			"retired-1": {
				Name:                   "retired-1",
				ContextWindow:          8_000,
				Capabilities:           []string{"chat"},
				StreamingSupport:       configstore.Bool(false),
				FunctionCallingSupport: configstore.Bool(false),
				VisionSupport:          configstore.Bool(false),
				Active:                 false,
			},
		},
		RateLimits: configstore.RateLimits{RPM: 0, TPM: 0},
	}
}

func newTestCore(t *testing.T, cfg configstore.ProviderConfig, opts ...CoreOption) *Core {
	t.Helper()
	return NewCore("test", "us-east-1", cfg, &fakeSecrets{current: "sk-test"}, slog.New(slog.DiscardHandler), opts...)
}

func TestResolveModel(t *testing.T) {
	c := newTestCore(t, testProviderConfig())

	cases := []struct {
		name      string
		preferred string
		wantModel string
		wantOK    bool
	}{
		{"default when no preference", "", "standard-1", true},
		{"preferred when present and active", "mini-1", "mini-1", true},
		{"unknown preferred falls back to default", "gpt-99", "standard-1", true},
		{"inactive preferred falls back to default", "retired-1", "standard-1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &Request{Prompt: "hi", PreferredModel: tc.preferred}
			model, _, ok := c.ResolveModel(req)
			if model != tc.wantModel || ok != tc.wantOK {
				t.Fatalf("ResolveModel = (%q, %v), want (%q, %v)", model, ok, tc.wantModel, tc.wantOK)
			}
		})
	}
}

func TestResolveModel_InactiveDefault(t *testing.T) {
	cfg := testProviderConfig()
	cfg.DefaultModel = "retired-1"
	c := newTestCore(t, cfg)

	_, _, ok := c.ResolveModel(&Request{Prompt: "hi"})
	if ok {
		t.Fatal("an inactive default model must not resolve")
	}
}

func TestCanFulfill(t *testing.T) {
	c := newTestCore(t, testProviderConfig())

	cases := []struct {
		name string
		req  Request
		want bool
	}{
		{"plain request", Request{Prompt: "hi"}, true},
		{"capabilities satisfied", Request{Prompt: "hi", RequiredCapabilities: []string{"chat", "code"}}, true},
		{"capability missing", Request{Prompt: "hi", RequiredCapabilities: []string{"vision"}}, false},
		{"tools on function-calling model", Request{Prompt: "hi", Tools: []Tool{{Name: "lookup"}}}, true},
		{"tools on non-function model", Request{Prompt: "hi", PreferredModel: "mini-1", Tools: []Tool{{Name: "lookup"}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.CanFulfill(&tc.req); got != tc.want {
				t.Fatalf("CanFulfill = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAdmit_BucketExhaustion(t *testing.T) {
	cfg := testProviderConfig()
	cfg.RateLimits.TPM = 1100 // one request at maxTokens=1024 plus a small prompt
	c := newTestCore(t, cfg)

	req := &Request{Prompt: "hello"}
	if ge := c.Admit(context.Background(), req); ge != nil {
		t.Fatalf("first request should be admitted, got %v", ge)
	}

	ge := c.Admit(context.Background(), req)
	if ge == nil {
		t.Fatal("second request should exhaust the bucket")
	}
	if ge.Code != CodeRateLimit || ge.Status != 429 || !ge.Retryable {
		t.Fatalf("refusal = %+v, want retryable RATE_LIMIT 429", ge)
	}
	if ge.Provider != "test" {
		t.Fatalf("refusal provider = %q, want test", ge.Provider)
	}
}

func TestAdmit_UnlimitedWhenZero(t *testing.T) {
	c := newTestCore(t, testProviderConfig())

	for i := 0; i < 50; i++ {
		if ge := c.Admit(context.Background(), &Request{Prompt: "hi", MaxTokens: 4096}); ge != nil {
			t.Fatalf("tpm=0 must admit everything, got %v", ge)
		}
	}
}

func TestEnsureCredentials_SingleFlight(t *testing.T) {
	src := &fakeSecrets{current: "sk-live", block: make(chan struct{})}
	c := NewCore("test", "us-east-1", testProviderConfig(), src, slog.New(slog.DiscardHandler))

	const workers = 8
	keys := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, ge := c.EnsureCredentials(context.Background())
			if ge != nil {
				t.Errorf("EnsureCredentials: %v", ge)
				return
			}
			keys <- key
		}()
	}

	close(src.block)
	wg.Wait()
	close(keys)

	for key := range keys {
		if key != "sk-live" {
			t.Fatalf("key = %q, want sk-live", key)
		}
	}
	if n := atomic.LoadInt32(&src.calls); n != 1 {
		t.Fatalf("secret fetched %d times, want 1", n)
	}
	if !c.CredentialsLoaded() {
		t.Fatal("credentials should be cached after the fetch")
	}
}

func TestEnsureCredentials_FailureRetries(t *testing.T) {
	src := &fakeSecrets{err: errors.New("AccessDeniedException")}
	c := NewCore("test", "us-east-1", testProviderConfig(), src, slog.New(slog.DiscardHandler))

	_, ge := c.EnsureCredentials(context.Background())
	if ge == nil || ge.Code != CodeAuth || ge.Retryable {
		t.Fatalf("want non-retryable AUTH error, got %v", ge)
	}
	if c.CredentialsLoaded() {
		t.Fatal("a failed fetch must not latch credentials")
	}

	// The secret recovers; the next call must retry the fetch.
	src.mu.Lock()
	src.err = nil
	src.current = "sk-recovered"
	src.mu.Unlock()

	key, ge := c.EnsureCredentials(context.Background())
	if ge != nil {
		t.Fatalf("retry after failure: %v", ge)
	}
	if key != "sk-recovered" {
		t.Fatalf("key = %q, want sk-recovered", key)
	}
}

func TestEnsureCredentials_PresetKeySkipsFetch(t *testing.T) {
	src := &fakeSecrets{current: "sk-unused"}
	c := NewCore("test", "us-east-1", testProviderConfig(), src, slog.New(slog.DiscardHandler), WithPresetKey("sk-preset"))

	key, ge := c.EnsureCredentials(context.Background())
	if ge != nil {
		t.Fatalf("EnsureCredentials: %v", ge)
	}
	if key != "sk-preset" {
		t.Fatalf("key = %q, want sk-preset", key)
	}
	if n := atomic.LoadInt32(&src.calls); n != 0 {
		t.Fatalf("preset key must skip the fetch, got %d calls", n)
	}
}

func TestConversation_SystemPrecedence(t *testing.T) {
	c := newTestCore(t, testProviderConfig())
	historyWithSystem := []Message{
		{Role: RoleSystem, Content: "from history"},
		{Role: RoleUser, Content: "earlier question"},
		{Role: RoleAssistant, Content: "earlier answer"},
	}

	cases := []struct {
		name       string
		req        Request
		mc         configstore.ModelConfig
		wantSystem string
	}{
		{
			"request wins over model config and history",
			Request{Prompt: "now", SystemPrompt: "from request", Context: RequestContext{History: historyWithSystem}},
			configstore.ModelConfig{SystemPrompt: "from model"},
			"from request",
		},
		{
			"model config wins over history",
			Request{Prompt: "now", Context: RequestContext{History: historyWithSystem}},
			configstore.ModelConfig{SystemPrompt: "from model"},
			"from model",
		},
		{
			"history system used last",
			Request{Prompt: "now", Context: RequestContext{History: historyWithSystem}},
			configstore.ModelConfig{},
			"from history",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			system, msgs := c.Conversation(&tc.req, tc.mc, false)
			if system != tc.wantSystem {
				t.Fatalf("system = %q, want %q", system, tc.wantSystem)
			}
			for _, m := range msgs {
				if m.Role == RoleSystem {
					t.Fatal("system entries must be filtered when inlineSystem is false")
				}
			}
			last := msgs[len(msgs)-1]
			if last.Role != RoleUser || last.Content != "now" {
				t.Fatalf("last message = %+v, want the current prompt", last)
			}
		})
	}
}

func TestConversation_InlineSystemKeepsHistory(t *testing.T) {
	c := newTestCore(t, testProviderConfig())
	req := &Request{
		Prompt: "now",
		Context: RequestContext{History: []Message{
			{Role: RoleSystem, Content: "inline system"},
			{Role: RoleUser, Content: "earlier"},
		}},
	}

	system, msgs := c.Conversation(req, configstore.ModelConfig{}, true)
	if system != "" {
		t.Fatalf("inline vendors only get a request or model system, got %q", system)
	}
	if len(msgs) != 3 || msgs[0].Role != RoleSystem {
		t.Fatalf("history system entry must stay in place, got %+v", msgs)
	}
}

func TestMaxTokensOrDefault(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		mc   configstore.ModelConfig
		want int
	}{
		{"default when unset", Request{}, configstore.ModelConfig{}, DefaultMaxTokens},
		{"request cap honored", Request{MaxTokens: 512}, configstore.ModelConfig{}, 512},
		{"bounded by model max", Request{MaxTokens: 9000}, configstore.ModelConfig{MaxOutputTokens: 4096}, 4096},
		{"default bounded by model max", Request{}, configstore.ModelConfig{MaxOutputTokens: 500}, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MaxTokensOrDefault(&tc.req, tc.mc); got != tc.want {
				t.Fatalf("MaxTokensOrDefault = %d, want %d", got, tc.want)
			}
		})
	}
}
