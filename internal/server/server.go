// Package server exposes the gateway over HTTP.
//
// One generation endpoint plus operational surfaces:
//
//	POST /v1/generate  — route a generation request across providers
//	GET  /health       — component health incl. per-circuit state
//	GET  /readiness    — Redis reachability for orchestrator probes
//	GET  /metrics      — Prometheus registry
//
// Cache, route logger and metrics are optional and nil-safe.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-gateway/internal/breaker"
	"github.com/nulpointcorp/model-gateway/internal/cache"
	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/logger"
	"github.com/nulpointcorp/model-gateway/internal/metrics"
	gwrouter "github.com/nulpointcorp/model-gateway/internal/router"
)

const defaultCacheTTL = time.Hour

// Options carries the server's dependencies. Router, Store, Circuit and Log
// are required; everything else is optional.
type Options struct {
	Router  *gwrouter.Router
	Store   *configstore.Store
	Circuit *breaker.Breaker
	Redis   *redis.Client
	Log     *slog.Logger

	Cache           cache.Cache
	CacheTTL        time.Duration
	CacheExclusions *cache.ExclusionList

	RouteLog *logger.Logger
	Metrics  *metrics.Registry

	CORSOrigins   []string
	DefaultRegion string
}

// Server is the HTTP front of the gateway.
type Server struct {
	router  *gwrouter.Router
	store   *configstore.Store
	circuit *breaker.Breaker
	rdb     *redis.Client
	log     *slog.Logger

	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList

	routeLog *logger.Logger
	metrics  *metrics.Registry

	corsOrigins   []string
	defaultRegion string

	startTime time.Time
	srv       *fasthttp.Server
}

// New assembles a Server from its dependencies.
func New(opts Options) *Server {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	region := opts.DefaultRegion
	if region == "" {
		region = gwrouter.DefaultRegion
	}

	return &Server{
		router:          opts.Router,
		store:           opts.Store,
		circuit:         opts.Circuit,
		rdb:             opts.Redis,
		log:             opts.Log,
		cache:           opts.Cache,
		cacheTTL:        ttl,
		cacheExclusions: opts.CacheExclusions,
		routeLog:        opts.RouteLog,
		metrics:         opts.Metrics,
		corsOrigins:     opts.CORSOrigins,
		defaultRegion:   region,
		startTime:       time.Now(),
	}
}

// Handler builds the full middleware-wrapped request handler. Exposed for
// tests that drive requests without a listener.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/generate", s.handleGenerate)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/metrics", s.metrics.Handler())

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the listener, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}
