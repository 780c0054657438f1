package cache

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/model-gateway/internal/providers"
)

func TestCacheable(t *testing.T) {
	cases := []struct {
		name string
		req  providers.Request
		want bool
	}{
		{"deterministic request", providers.Request{Prompt: "hi"}, true},
		{"nonzero temperature", providers.Request{Prompt: "hi", Temperature: 0.7}, false},
		{"tools present", providers.Request{Prompt: "hi", Tools: []providers.Tool{{Name: "lookup"}}}, false},
		{"streaming", providers.Request{Prompt: "hi", Streaming: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cacheable(&tc.req); got != tc.want {
				t.Fatalf("Cacheable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKey_Deterministic(t *testing.T) {
	req := func() *providers.Request {
		return &providers.Request{
			Prompt:         "what is the capital of France?",
			SystemPrompt:   "be terse",
			PreferredModel: "standard-1",
			MaxTokens:      128,
			Context: providers.RequestContext{
				Region: "us-east-1",
				History: []providers.Message{
					{Role: "user", Content: "hello"},
					{Role: "assistant", Content: "hi"},
				},
			},
		}
	}

	a, b := Key(req()), Key(req())
	if a != b {
		t.Fatalf("identical requests must hash identically: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "gateway:cache:") {
		t.Fatalf("key = %q, want the gateway:cache: prefix", a)
	}
}

func TestKey_InputsChangeKey(t *testing.T) {
	base := providers.Request{Prompt: "hello", MaxTokens: 64}

	mutations := map[string]providers.Request{
		"prompt":    {Prompt: "hello!", MaxTokens: 64},
		"maxTokens": {Prompt: "hello", MaxTokens: 65},
		"system":    {Prompt: "hello", MaxTokens: 64, SystemPrompt: "x"},
		"provider":  {Prompt: "hello", MaxTokens: 64, PreferredProvider: "openai"},
		"model":     {Prompt: "hello", MaxTokens: 64, PreferredModel: "mini-1"},
		"region":    {Prompt: "hello", MaxTokens: 64, Context: providers.RequestContext{Region: "eu-west-1"}},
		"caps":      {Prompt: "hello", MaxTokens: 64, RequiredCapabilities: []string{"code"}},
		"history": {Prompt: "hello", MaxTokens: 64, Context: providers.RequestContext{
			History: []providers.Message{{Role: "user", Content: "earlier"}},
		}},
	}

	baseKey := Key(&base)
	for name, req := range mutations {
		if Key(&req) == baseKey {
			t.Errorf("changing %s must change the key", name)
		}
	}
}

func TestKey_FieldBoundaries(t *testing.T) {
	// The separator must keep adjacent fields from bleeding into each other.
	a := providers.Request{Prompt: "ab", SystemPrompt: "c"}
	b := providers.Request{Prompt: "b", SystemPrompt: "ca"}
	if Key(&a) == Key(&b) {
		t.Fatal("field boundaries must participate in the hash")
	}
}
