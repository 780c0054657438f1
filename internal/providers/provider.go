// Package providers defines the adapter contract between the router and the
// upstream model vendors, plus the shared adapter core (credential loading,
// admission control, conversation translation, error normalization).
//
// Each vendor lives in its own sub-package and implements the Adapter
// interface on top of a *Core.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// Conversation roles. Vendors that have no native system role receive the
// system prompt as a distinct top-level parameter instead.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Tool describes one callable function offered to the model. The schema
	// is opaque to the gateway; only its presence matters for routing.
	Tool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// RequestContext carries caller-scoped routing inputs.
	RequestContext struct {
		Region    string    `json:"region"`
		RequestID string    `json:"requestId"`
		History   []Message `json:"history,omitempty"`
	}

	// Request is the normalized generation request handed to the router.
	Request struct {
		Prompt            string  `json:"prompt"`
		PreferredProvider string  `json:"preferredProvider,omitempty"`
		PreferredModel    string  `json:"preferredModel,omitempty"`
		MaxTokens         int     `json:"maxTokens,omitempty"`
		Temperature       float64 `json:"temperature,omitempty"`

		RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
		Tools                []Tool   `json:"tools,omitempty"`
		Streaming            bool     `json:"streaming,omitempty"`
		SystemPrompt         string   `json:"systemPrompt,omitempty"`

		EstimatedInputTokens  int `json:"estimatedInputTokens,omitempty"`
		EstimatedOutputTokens int `json:"estimatedOutputTokens,omitempty"`

		Context RequestContext `json:"context"`
	}

	// TokenUsage — token accounting for one generation.
	TokenUsage struct {
		Prompt     int `json:"prompt"`
		Completion int `json:"completion"`
		Total      int `json:"total"`
	}

	// Meta identifies which candidate actually served the request.
	Meta struct {
		Provider  string    `json:"provider"`
		Model     string    `json:"model"`
		Region    string    `json:"region"`
		LatencyMs int64     `json:"latencyMs"`
		Timestamp time.Time `json:"timestamp"`
		Features  []string  `json:"features,omitempty"`
	}

	// Response is a successful generation result.
	Response struct {
		Text   string     `json:"text"`
		Tokens TokenUsage `json:"tokens"`
		Meta   Meta       `json:"meta"`
	}
)

// Adapter is implemented by every vendor sub-package. Generate returns
// either a *Response or a *GenError (as the error value); no other error
// types cross this boundary.
type Adapter interface {
	Name() string

	// CanFulfill reports whether the adapter's resolved model exists, is
	// active, and advertises every required capability (plus function
	// calling when the request carries tools).
	CanFulfill(req *Request) bool

	Generate(ctx context.Context, req *Request) (*Response, error)
}

// StatusCoder is implemented by vendor SDK error wrappers that know their
// HTTP status. Standardize uses it to classify failures.
type StatusCoder interface {
	HTTPStatus() int
}

// DefaultVendorTimeout bounds a single upstream call.
const DefaultVendorTimeout = 30 * time.Second
