// Package gemini adapts the gateway contract to the Google Gemini API via
// the official genai SDK.
//
// Gemini takes the system prompt as a SystemInstruction on the generation
// config, so system entries are stripped from the content list during
// translation.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// Adapter implements providers.Adapter for Gemini.
type Adapter struct {
	core    *providers.Core
	baseURL string

	mu     sync.Mutex
	client *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithClient injects a prebuilt SDK client, bypassing the credential fetch.
func WithClient(client *genai.Client) Option {
	return func(a *Adapter) { a.client = client }
}

// New creates a Gemini adapter on top of the shared core.
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

	contents, cfg := a.buildContentsAndConfig(req, mc)

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	latency := time.Since(start)
	if err != nil {
		return nil, providers.Standardize(a.core.Name(), toVendorError(err))
	}

	text := ""
	if resp != nil {
		text = resp.Text()
	}

	var in, out int
	if resp != nil && resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	reported := model
	if resp != nil && resp.ModelVersion != "" {
		reported = resp.ModelVersion
	}

	return &providers.Response{
		Text: text,
		Tokens: providers.TokenUsage{
			Prompt:     in,
			Completion: out,
			Total:      in + out,
		},
		Meta: a.core.NewMeta(req, reported, mc, latency),
	}, nil
}

func (a *Adapter) buildContentsAndConfig(req *providers.Request, mc configstore.ModelConfig) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, msgs := a.core.Conversation(req, mc, false)

	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if strings.ToLower(m.Role) == providers.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(providers.MaxTokensOrDefault(req, mc)),
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}

	return contents, cfg
}

// clientFor returns the SDK client, building it from fetched credentials on
// first use. An injected client short-circuits the fetch entirely.
func (a *Adapter) clientFor(ctx context.Context) (*genai.Client, *providers.GenError) {
	a.mu.Lock()
	if a.client != nil {
		cl := a.client
		a.mu.Unlock()
		return cl, nil
	}
	a.mu.Unlock()

	key, gerr := a.core.EnsureCredentials(ctx)
	if gerr != nil {
		return nil, gerr
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		cc := &genai.ClientConfig{
			APIKey:     key,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: &http.Client{Timeout: providers.DefaultVendorTimeout},
		}
		if a.baseURL != "" {
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
		}
		client, err := genai.NewClient(ctx, cc)
		if err != nil {
			return nil, &providers.GenError{
				Code:     providers.CodeAuth,
				Provider: a.core.Name(),
				Detail:   fmt.Sprintf("client init failed: %v", err),
				Status:   401,
			}
		}
		a.client = client
	}
	return a.client, nil
}

// VendorError carries the Gemini API status for Standardize.
type VendorError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *VendorError) HTTPStatus() int { return e.StatusCode }

func toVendorError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &VendorError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
