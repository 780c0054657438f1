// Package apierr writes the unified error taxonomy as structured JSON
// responses over fasthttp.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Provider  string `json:"provider,omitempty"`
		Retryable bool   `json:"retryable"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes an arbitrary error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, code, message string) {
	writeBody(ctx, status, APIError{Code: code, Message: message})
}

// WriteGenError maps a routing/provider failure onto the HTTP response. The
// error's own status wins when set; RATE_LIMIT responses carry Retry-After.
func WriteGenError(ctx *fasthttp.RequestCtx, ge *providers.GenError) {
	status := ge.Status
	if status == 0 {
		status = fasthttp.StatusInternalServerError
	}
	if ge.Code == providers.CodeRateLimit {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	writeBody(ctx, status, APIError{
		Code:      string(ge.Code),
		Message:   ge.Detail,
		Provider:  ge.Provider,
		Retryable: ge.Retryable,
	})
}

// WriteInvalidRequest writes a 400 for malformed client input.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, "INVALID_REQUEST", message)
}

// WriteInternal writes a 500 without leaking internals to the client.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, string(providers.CodeUnknown), "internal error")
}

func writeBody(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}
