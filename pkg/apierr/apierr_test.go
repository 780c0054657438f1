package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-gateway/internal/providers"
)

func decodeEnvelope(t *testing.T, body []byte) APIError {
	t.Helper()
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v (body=%s)", err, body)
	}
	return env.Error
}

func TestWriteGenError(t *testing.T) {
	var ctx fasthttp.RequestCtx

	WriteGenError(&ctx, &providers.GenError{
		Code:      providers.CodeAuth,
		Provider:  "anthropic",
		Detail:    "credential load failed",
		Status:    401,
		Retryable: false,
	})

	if ctx.Response.StatusCode() != 401 {
		t.Fatalf("status = %d, want 401", ctx.Response.StatusCode())
	}
	e := decodeEnvelope(t, ctx.Response.Body())
	if e.Code != "AUTH" || e.Provider != "anthropic" || e.Retryable {
		t.Fatalf("error = %+v", e)
	}
	if e.Message != "credential load failed" {
		t.Fatalf("message = %q", e.Message)
	}
}

func TestWriteGenError_RateLimitCarriesRetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx

	WriteGenError(&ctx, &providers.GenError{
		Code:      providers.CodeRateLimit,
		Provider:  "openai",
		Detail:    "rate limit exceeded",
		Status:    429,
		Retryable: true,
	})

	if ctx.Response.StatusCode() != 429 {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}
	if e := decodeEnvelope(t, ctx.Response.Body()); !e.Retryable {
		t.Fatal("rate limit must be marked retryable")
	}
}

func TestWriteGenError_ZeroStatusDefaultsTo500(t *testing.T) {
	var ctx fasthttp.RequestCtx

	WriteGenError(&ctx, &providers.GenError{Code: providers.CodeUnknown, Detail: "boom"})

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
}

func TestWriteInvalidRequest(t *testing.T) {
	var ctx fasthttp.RequestCtx

	WriteInvalidRequest(&ctx, "prompt is required")

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
	e := decodeEnvelope(t, ctx.Response.Body())
	if e.Code != "INVALID_REQUEST" || e.Message != "prompt is required" {
		t.Fatalf("error = %+v", e)
	}
}

func TestWriteInternal(t *testing.T) {
	var ctx fasthttp.RequestCtx

	WriteInternal(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if e := decodeEnvelope(t, ctx.Response.Body()); e.Code != "UNKNOWN" {
		t.Fatalf("code = %q, want UNKNOWN", e.Code)
	}
}
