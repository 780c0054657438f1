// Package openai adapts the gateway contract to the OpenAI Chat Completions
// API (official SDK).
//
// OpenAI accepts system entries inline in the message list, so history
// system turns are passed through unchanged; a resolved system prompt from
// the request or model config is prepended as the first message.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	core    *providers.Core
	baseURL string

	mu         sync.Mutex
	client     openaiSDK.Client
	haveClient bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithClient injects a prebuilt SDK client, bypassing the credential fetch.
func WithClient(client openaiSDK.Client) Option {
	return func(a *Adapter) {
		a.client = client
		a.haveClient = true
	}
}

// New creates an OpenAI adapter on top of the shared core.
func New(core *providers.Core, opts ...Option) *Adapter {
	a := &Adapter{core: core, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return a.core.Name() }

func (a *Adapter) CanFulfill(req *providers.Request) bool { return a.core.CanFulfill(req) }

func (a *Adapter) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	client, gerr := a.clientFor(ctx)
	if gerr != nil {
		return nil, gerr
	}

	if gerr := a.core.Admit(ctx, req); gerr != nil {
		return nil, gerr
	}

	model, mc, ok := a.core.ResolveModel(req)
	if !ok {
		return nil, &providers.GenError{
			Code:     providers.CodeCapability,
			Provider: a.core.Name(),
			Detail:   fmt.Sprintf("model %q is not available", model),
			Status:   404,
		}
	}

	params := a.buildParams(req, model, mc)

	start := time.Now()
	resp, err := client.Chat.Completions.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, providers.Standardize(a.core.Name(), toVendorError(err))
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	reported := resp.Model
	if reported == "" {
		reported = model
	}

	in := int(resp.Usage.PromptTokens)
	out := int(resp.Usage.CompletionTokens)

	return &providers.Response{
		Text: content,
		Tokens: providers.TokenUsage{
			Prompt:     in,
			Completion: out,
			Total:      in + out,
		},
		Meta: a.core.NewMeta(req, reported, mc, latency),
	}, nil
}

func (a *Adapter) buildParams(req *providers.Request, model string, mc configstore.ModelConfig) openaiSDK.ChatCompletionNewParams {
	system, msgs := a.core.Conversation(req, mc, true)

	sdkMsgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		sdkMsgs = append(sdkMsgs, openaiSDK.SystemMessage(system))
	}
	for _, m := range msgs {
		sdkMsgs = append(sdkMsgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages:            sdkMsgs,
		Model:               model,
		MaxCompletionTokens: openaiSDK.Int(int64(providers.MaxTokensOrDefault(req, mc))),
	}

	if req.Temperature > 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}

	return params
}

// clientFor returns the SDK client, building it from fetched credentials on
// first use. An injected client short-circuits the fetch entirely.
func (a *Adapter) clientFor(ctx context.Context) (openaiSDK.Client, *providers.GenError) {
	a.mu.Lock()
	if a.haveClient {
		cl := a.client
		a.mu.Unlock()
		return cl, nil
	}
	a.mu.Unlock()

	key, gerr := a.core.EnsureCredentials(ctx)
	if gerr != nil {
		return openaiSDK.Client{}, gerr
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.haveClient {
		httpClient := &http.Client{Timeout: providers.DefaultVendorTimeout}
		if a.baseURL != "" && a.baseURL != defaultBaseURL {
			httpClient.Transport = newBaseURLTransport(http.DefaultTransport, a.baseURL)
		}
		a.client = openaiSDK.NewClient(
			option.WithAPIKey(key),
			option.WithHTTPClient(httpClient),
		)
		a.haveClient = true
	}
	return a.client, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// VendorError carries the OpenAI API status for Standardize.
type VendorError struct {
	StatusCode int
	Message    string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *VendorError) HTTPStatus() int { return e.StatusCode }

func toVendorError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &VendorError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

// baseURLTransport rewrites request URLs onto an alternate host, keeping the
// SDK pointed at local mocks during tests.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
