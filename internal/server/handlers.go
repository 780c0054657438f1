package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-gateway/internal/cache"
	"github.com/nulpointcorp/model-gateway/internal/logger"
	"github.com/nulpointcorp/model-gateway/internal/providers"
	"github.com/nulpointcorp/model-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// handleGenerate is the single generation endpoint. Body is a normalized
// request; region may also come from X-Region when the body omits it.
func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	var req providers.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "malformed JSON body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		apierr.WriteInvalidRequest(ctx, "prompt is required")
		return
	}

	if req.Context.Region == "" {
		req.Context.Region = string(ctx.Request.Header.Peek("X-Region"))
	}
	if req.Context.Region == "" {
		req.Context.Region = s.defaultRegion
	}
	if id, ok := ctx.UserValue("request_id").(string); ok {
		req.Context.RequestID = id
	}

	start := time.Now()

	if body, ok := s.cacheLookup(ctx, &req); ok {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		s.metrics.ObserveHTTP("/v1/generate", fasthttp.StatusOK, time.Since(start))
		s.logRoute(&req, nil, nil, time.Since(start), true)
		return
	}

	resp, err := s.router.Route(ctx, &req)
	elapsed := time.Since(start)

	if err != nil {
		ge, ok := providers.AsGenError(err)
		if !ok {
			ge = providers.Standardize("", err)
		}
		apierr.WriteGenError(ctx, ge)
		s.metrics.ObserveHTTP("/v1/generate", ge.HTTPStatus(), elapsed)
		s.logRoute(&req, nil, ge, elapsed, false)
		return
	}

	body, merr := json.Marshal(resp)
	if merr != nil {
		s.log.Error("response_encode_failed", slog.String("error", merr.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	s.cacheStore(ctx, &req, body)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	s.metrics.ObserveHTTP("/v1/generate", fasthttp.StatusOK, elapsed)
	s.logRoute(&req, resp, nil, elapsed, false)
}

// cacheLookup returns a cached response body for deterministic requests.
func (s *Server) cacheLookup(ctx *fasthttp.RequestCtx, req *providers.Request) ([]byte, bool) {
	if s.cache == nil || !cache.Cacheable(req) || s.cacheExclusions.Matches(req.PreferredModel) {
		return nil, false
	}
	body, ok := s.cache.Get(ctx, cache.Key(req))
	if ok {
		s.metrics.CacheHit()
	} else {
		s.metrics.CacheMiss()
	}
	return body, ok
}

func (s *Server) cacheStore(ctx *fasthttp.RequestCtx, req *providers.Request, body []byte) {
	if s.cache == nil || !cache.Cacheable(req) || s.cacheExclusions.Matches(req.PreferredModel) {
		return
	}
	_ = s.cache.Set(ctx, cache.Key(req), body, s.cacheTTL)
}

// logRoute enqueues one routing decision in the async route log.
func (s *Server) logRoute(req *providers.Request, resp *providers.Response, ge *providers.GenError, elapsed time.Duration, cached bool) {
	if s.routeLog == nil {
		return
	}

	entry := logger.RouteLog{
		ID:        uuid.New(),
		RequestID: req.Context.RequestID,
		Region:    req.Context.Region,
		Code:      "ok",
		Status:    fasthttp.StatusOK,
		LatencyMs: uint32(elapsed.Milliseconds()),
		Cached:    cached,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case ge != nil:
		entry.Code = string(ge.Code)
		entry.Provider = ge.Provider
		entry.Status = uint16(ge.HTTPStatus())
	case resp != nil:
		entry.Provider = resp.Meta.Provider
		entry.Model = resp.Meta.Model
		entry.InputTokens = uint32(resp.Tokens.Prompt)
		entry.OutputTokens = uint32(resp.Tokens.Completion)
	}

	s.routeLog.Log(entry)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
