// Package anthropic adapts the gateway contract to the Anthropic Messages
// API (official SDK).
//
// Anthropic takes the system prompt as a distinct top-level parameter, so
// system entries are stripped from the message list during translation.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	core    *providers.Core
	baseURL string

	mu         sync.Mutex
	client     anthropic.Client
	haveClient bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithClient injects a prebuilt SDK client, bypassing the credential fetch.
func WithClient(client anthropic.Client) Option {
	return func(a *Adapter) {
		a.client = client
		a.haveClient = true
	}
}

// New creates an Anthropic adapter on top of the shared core.
func New(core *providers.Core, opts ...Option) *Adapter {
	a := &Adapter{core: core}
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
	msg, err := client.Messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, providers.Standardize(a.core.Name(), toVendorError(err))
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	reported := string(msg.Model)
	if reported == "" {
		reported = model
	}

	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)

	return &providers.Response{
		Text: sb.String(),
		Tokens: providers.TokenUsage{
			Prompt:     in,
			Completion: out,
			Total:      in + out,
		},
		Meta: a.core.NewMeta(req, reported, mc, latency),
	}, nil
}

func (a *Adapter) buildParams(req *providers.Request, model string, mc configstore.ModelConfig) anthropic.MessageNewParams {
	system, msgs := a.core.Conversation(req, mc, false)

	sdkMsgs := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		sdkMsgs = append(sdkMsgs, toSDKMessage(m.Role, m.Content))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(providers.MaxTokensOrDefault(req, mc)),
		Messages:  sdkMsgs,
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

// clientFor returns the SDK client, building it from fetched credentials on
// first use. An injected client short-circuits the fetch entirely.
func (a *Adapter) clientFor(ctx context.Context) (anthropic.Client, *providers.GenError) {
	a.mu.Lock()
	if a.haveClient {
		cl := a.client
		a.mu.Unlock()
		return cl, nil
	}
	a.mu.Unlock()

	key, gerr := a.core.EnsureCredentials(ctx)
	if gerr != nil {
		return anthropic.Client{}, gerr
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.haveClient {
		opts := []option.RequestOption{
			option.WithAPIKey(key),
			option.WithHTTPClient(&http.Client{Timeout: providers.DefaultVendorTimeout}),
		}
		if a.baseURL != "" {
			opts = append(opts, option.WithBaseURL(a.baseURL))
		}
		a.client = anthropic.NewClient(opts...)
		a.haveClient = true
	}
	return a.client, nil
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	sdkRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == providers.RoleAssistant {
		sdkRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: sdkRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{Text: content},
			},
		},
	}
}

// VendorError carries the Anthropic API status for Standardize.
type VendorError struct {
	StatusCode int
	Message    string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *VendorError) HTTPStatus() int { return e.StatusCode }

func toVendorError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &VendorError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
