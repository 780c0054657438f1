package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code is one of the six unified error codes.
type Code string

const (
	CodeAuth       Code = "AUTH"
	CodeRateLimit  Code = "RATE_LIMIT"
	CodeContent    Code = "CONTENT"
	CodeCapability Code = "CAPABILITY"
	CodeTimeout    Code = "TIMEOUT"
	CodeUnknown    Code = "UNKNOWN"
)

// GenError is the normalized failure result of a generation attempt.
type GenError struct {
	Code      Code   `json:"code"`
	Provider  string `json:"provider,omitempty"`
	Detail    string `json:"detail"`
	Status    int    `json:"status,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (e *GenError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (code=%s, status=%d)", e.Provider, e.Detail, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (code=%s, status=%d)", e.Detail, e.Code, e.Status)
}

// HTTPStatus implements StatusCoder.
func (e *GenError) HTTPStatus() int { return e.Status }

// Qualifying reports whether this failure counts toward opening a circuit.
// Caller-side errors (AUTH, CONTENT, CAPABILITY) never do.
func (e *GenError) Qualifying() bool {
	if e.Retryable {
		return true
	}
	switch e.Code {
	case CodeRateLimit, CodeTimeout, CodeUnknown:
		return true
	}
	return false
}

// AsGenError unwraps err into a *GenError when possible.
func AsGenError(err error) (*GenError, bool) {
	var ge *GenError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Standardize maps an arbitrary vendor failure onto the unified taxonomy.
// Classification uses the HTTP status when the error exposes one, refined by
// well-known message fragments; everything unrecognized is UNKNOWN.
func Standardize(provider string, err error) *GenError {
	if ge, ok := AsGenError(err); ok {
		if ge.Provider == "" {
			ge.Provider = provider
		}
		return ge
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &GenError{
			Code: CodeTimeout, Provider: provider,
			Detail: err.Error(), Status: 504, Retryable: true,
		}
	}

	status := 0
	if sc, ok := err.(StatusCoder); ok {
		status = sc.HTTPStatus()
	} else {
		var sc StatusCoder
		if errors.As(err, &sc) {
			status = sc.HTTPStatus()
		}
	}
	msg := strings.ToLower(err.Error())

	ge := &GenError{Provider: provider, Detail: err.Error(), Status: status}

	switch {
	case status == 401, strings.Contains(msg, "invalid api key"), strings.Contains(msg, "authentication"):
		ge.Code, ge.Retryable = CodeAuth, false
		if ge.Status == 0 {
			ge.Status = 401
		}

	case status == 403, strings.Contains(msg, "permission denied"):
		ge.Code, ge.Retryable = CodeAuth, false
		if ge.Status == 0 {
			ge.Status = 403
		}

	case status == 429, strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"):
		ge.Code, ge.Retryable, ge.Status = CodeRateLimit, true, 429

	case status == 404, strings.Contains(msg, "not found"):
		ge.Code, ge.Retryable = CodeCapability, false
		if ge.Status == 0 {
			ge.Status = 404
		}

	case status == 422, strings.Contains(msg, "unprocessable"), strings.Contains(msg, "conflict"):
		ge.Code, ge.Retryable = CodeContent, false
		if ge.Status == 0 {
			ge.Status = 422
		}

	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection aborted"), strings.Contains(msg, "connection reset"):
		ge.Code, ge.Retryable, ge.Status = CodeTimeout, true, 504

	case status >= 500 && status < 600:
		ge.Code, ge.Retryable = CodeUnknown, true

	case status >= 400 && status < 500:
		ge.Code, ge.Retryable = CodeCapability, false

	default:
		ge.Code, ge.Retryable, ge.Status = CodeUnknown, false, 500
	}

	return ge
}
