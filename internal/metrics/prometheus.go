// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. A nil *Registry is safe to call; every
// method no-ops so wiring metrics stays optional.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_route_requests_total{provider,code}
	routeRequests *prometheus.CounterVec

	// gateway_route_duration_seconds{provider,outcome}
	routeDuration *prometheus.HistogramVec

	// gateway_route_attempts_total{provider,disposition}
	routeAttempts *prometheus.CounterVec

	// gateway_route_fallbacks_total{from,to}
	routeFallbacks *prometheus.CounterVec

	// gateway_route_exhausted_total
	routeExhausted prometheus.Counter

	// circuit_breaker_state{circuit} — 0=closed, 1=open, 2=half-open
	circuitState *prometheus.GaugeVec

	// gateway_circuit_rejections_total{circuit}
	circuitRejections *prometheus.CounterVec

	// gateway_ratelimit_rejections_total{provider,kind}
	rateLimitRejections *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_secret_fetches_total{provider,result}
	secretFetches *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + routing)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		routeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_requests_total",
				Help: "Routed generation requests by serving provider and result code",
			},
			[]string{"provider", "code"},
		),

		routeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_route_duration_seconds",
				Help:    "Vendor call duration per provider attempt in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		routeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_attempts_total",
				Help: "Candidate attempts by disposition (success, circuit_open, cannot_fulfill, error code)",
			},
			[]string{"provider", "disposition"},
		),

		routeFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_fallbacks_total",
				Help: "Fallback transitions between adjacent candidates",
			},
			[]string{"from", "to"},
		),

		routeExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_route_exhausted_total",
			Help: "Requests for which every candidate failed",
		}),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"circuit"},
		),

		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_rejections_total",
				Help: "Candidates skipped because their circuit was open",
			},
			[]string{"circuit"},
		),

		rateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_rejections_total",
				Help: "Local admission refusals by kind (rpm, tokens)",
			},
			[]string{"provider", "kind"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total response cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total response cache misses",
		}),

		secretFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_secret_fetches_total",
				Help: "Secret store fetches by provider and result",
			},
			[]string{"provider", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from vendor usage fields",
			},
			[]string{"provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.routeRequests,
		r.routeDuration,
		r.routeAttempts,
		r.routeFallbacks,
		r.routeExhausted,
		r.circuitState,
		r.circuitRejections,
		r.rateLimitRejections,
		r.cacheHits,
		r.cacheMisses,
		r.secretFetches,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

func (r *Registry) DecInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Dec()
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRouteResult records the final outcome of a routed request. code is
// "ok" for success, else the unified error code.
func (r *Registry) RecordRouteResult(provider, code string) {
	if r == nil {
		return
	}
	r.routeRequests.WithLabelValues(provider, code).Inc()
}

// RecordAttempt records one candidate attempt and its vendor-call duration.
func (r *Registry) RecordAttempt(provider, disposition string, dur time.Duration) {
	if r == nil {
		return
	}
	r.routeAttempts.WithLabelValues(provider, disposition).Inc()
	if dur > 0 {
		r.routeDuration.WithLabelValues(provider, disposition).Observe(dur.Seconds())
	}
}

func (r *Registry) RecordFallback(from, to string) {
	if r == nil {
		return
	}
	r.routeFallbacks.WithLabelValues(from, to).Inc()
}

func (r *Registry) RecordExhausted() {
	if r == nil {
		return
	}
	r.routeExhausted.Inc()
}

// SetCircuitState sets the circuit state gauge for a circuit key.
func (r *Registry) SetCircuitState(circuit string, state int64) {
	if r == nil {
		return
	}
	r.circuitState.WithLabelValues(circuit).Set(float64(state))

	r.cbMu.Lock()
	r.lastCBState[circuit] = float64(state)
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitRejection(circuit string) {
	if r == nil {
		return
	}
	r.circuitRejections.WithLabelValues(circuit).Inc()
}

func (r *Registry) RecordRateLimitRejection(provider, kind string) {
	if r == nil {
		return
	}
	r.rateLimitRejections.WithLabelValues(provider, kind).Inc()
}

func (r *Registry) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Inc()
}

func (r *Registry) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheMisses.Inc()
}

func (r *Registry) RecordSecretFetch(provider string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.secretFetches.WithLabelValues(provider, result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if r == nil {
		return
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}
