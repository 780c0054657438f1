package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/model-gateway/internal/breaker"
	gwcache "github.com/nulpointcorp/model-gateway/internal/cache"
	"github.com/nulpointcorp/model-gateway/internal/configstore"
	"github.com/nulpointcorp/model-gateway/internal/logger"
	"github.com/nulpointcorp/model-gateway/internal/metrics"
	"github.com/nulpointcorp/model-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/model-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/model-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/model-gateway/internal/providers/openai"
	"github.com/nulpointcorp/model-gateway/internal/ratelimit"
	"github.com/nulpointcorp/model-gateway/internal/router"
	"github.com/nulpointcorp/model-gateway/internal/secrets"
	"github.com/nulpointcorp/model-gateway/internal/server"
)

// initInfra establishes external connections: Redis (required), AWS Secrets
// Manager, and the optional ClickHouse route-log sink.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	sc, err := secrets.NewFromConfig(ctx, a.cfg.Stage, a.cfg.DefaultRegion)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	a.secrets = sc

	if addr := a.cfg.RouteLog.ClickHouseAddr; addr != "" {
		sink, err := logger.NewClickHouseSink(ctx, logger.ClickHouseOptions{
			Addr:     addr,
			Database: a.cfg.RouteLog.Database,
			Table:    a.cfg.RouteLog.Table,
			Username: a.cfg.RouteLog.Username,
			Password: a.cfg.RouteLog.Password,
		})
		if err != nil {
			// Analytics is optional: keep serving without the sink.
			a.log.Warn("clickhouse unavailable, route log falls back to slog",
				slog.String("error", err.Error()),
			)
		} else {
			a.chSink = sink
			a.log.Info("clickhouse route log sink connected", slog.String("addr", addr))
		}
	}

	return nil
}

// initServices creates the config store, circuit breaker, cache backend,
// metrics registry and the async route logger.
func (a *App) initServices(ctx context.Context) error {
	a.store = configstore.NewStore(a.rdb, a.log,
		configstore.WithActiveKey(a.cfg.ConfigStore.ActiveKey),
		configstore.WithCacheTTL(a.cfg.ConfigStore.CacheTTL),
	)

	a.circuit = breaker.New(a.rdb, a.log, breaker.Options{
		FailureThreshold:         a.cfg.CircuitBreaker.FailureThreshold,
		Cooldown:                 a.cfg.CircuitBreaker.Cooldown,
		HalfOpenSuccessThreshold: a.cfg.CircuitBreaker.HalfOpenSuccesses,
		RecordTTL:                a.cfg.CircuitBreaker.RecordTTL,
	})

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = gwcache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	logOpts := []logger.Option{
		logger.WithBatchSize(a.cfg.RouteLog.BatchSize),
		logger.WithFlushInterval(a.cfg.RouteLog.FlushInterval),
	}
	if a.chSink != nil {
		logOpts = append(logOpts, logger.WithSink(a.chSink))
	}
	rl, err := logger.New(a.baseCtx, a.log, logOpts...)
	if err != nil {
		return fmt.Errorf("route log: %w", err)
	}
	a.routeLog = rl

	return nil
}

// initRouting builds the adapter factory and the router on top of it.
func (a *App) initRouting(_ context.Context) error {
	rpm := ratelimit.NewRPMLimiter(a.rdb)

	factory := func(provider, region string, pc configstore.ProviderConfig) (providers.Adapter, error) {
		core := providers.NewCore(provider, region, pc, a.secrets, a.log,
			providers.WithRPMLimiter(rpm),
		)

		switch provider {
		case "anthropic":
			return anthropicprov.New(core), nil
		case "openai":
			return openaiprov.New(core), nil
		case "gemini":
			return geminiprov.New(core), nil
		default:
			return nil, fmt.Errorf("no adapter for provider %q", provider)
		}
	}

	a.router = router.New(a.store, a.circuit, factory, a.log,
		router.WithMetrics(a.prom),
		router.WithDefaultRegion(a.cfg.DefaultRegion),
	)

	return nil
}

// initServer wires the HTTP surface together.
func (a *App) initServer(_ context.Context) error {
	var cacheImpl gwcache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = gwcache.NewExactCacheFromClient(a.rdb)
	case "memory":
		cacheImpl = a.memCache
	case "none":
		// nil cache — server handles nil gracefully (no caching)
	}

	var exclusions *gwcache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := gwcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.srv = server.New(server.Options{
		Router:          a.router,
		Store:           a.store,
		Circuit:         a.circuit,
		Redis:           a.rdb,
		Log:             a.log,
		Cache:           cacheImpl,
		CacheTTL:        a.cfg.Cache.TTL,
		CacheExclusions: exclusions,
		RouteLog:        a.routeLog,
		Metrics:         a.prom,
		CORSOrigins:     a.cfg.CORSOrigins,
		DefaultRegion:   a.cfg.DefaultRegion,
	})

	return nil
}
