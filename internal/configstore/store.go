package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultActiveKey is the Redis key holding the active ServiceConfig.
	DefaultActiveKey = "gateway:config:active"

	// DefaultCacheTTL bounds how stale a process-local config read may be.
	DefaultCacheTTL = 60 * time.Second

	storeQueryTimeout = 2 * time.Second
)

// Store loads, caches and updates the ServiceConfig record.
//
// Get never fails: on any KV or validation problem it returns the last
// known-good config, or the bootstrap Default when nothing was ever loaded.
// Update validates, persists, then atomically replaces the cache.
type Store struct {
	rdb      *redis.Client
	key      string
	cacheTTL time.Duration
	log      *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu        sync.RWMutex
	cached    *ServiceConfig
	fetchedAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithActiveKey overrides the Redis key of the active config record.
func WithActiveKey(key string) StoreOption {
	return func(s *Store) { s.key = key }
}

// WithCacheTTL overrides the process-local cache TTL.
func WithCacheTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.cacheTTL = ttl }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store backed by rdb. log must not be nil.
func NewStore(rdb *redis.Client, log *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		rdb:      rdb,
		key:      DefaultActiveKey,
		cacheTTL: DefaultCacheTTL,
		log:      log,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current ServiceConfig. It degrades instead of failing:
// a fresh cache hit is returned directly; otherwise the KV store is read,
// validated, and cached. Any failure falls back to the previous cache or
// the bootstrap default.
func (s *Store) Get(ctx context.Context) *ServiceConfig {
	s.mu.RLock()
	if s.cached != nil && s.now().Sub(s.fetchedAt) < s.cacheTTL {
		cfg := s.cached
		s.mu.RUnlock()
		return cfg
	}
	s.mu.RUnlock()

	cfg, err := s.fetch(ctx)
	if err != nil {
		s.log.Warn("config_fetch_failed",
			slog.String("key", s.key),
			slog.String("error", err.Error()),
		)
		return s.retained()
	}

	s.mu.Lock()
	s.cached = cfg
	s.fetchedAt = s.now()
	s.mu.Unlock()

	return cfg
}

// Update validates cfg, stamps UpdatedAt, writes it to the KV store and then
// replaces the cache. Validation problems are returned as one
// *ValidationError listing every message; KV write errors are propagated.
func (s *Store) Update(ctx context.Context, cfg *ServiceConfig) error {
	if problems := Validate(cfg); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	cfg.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("configstore: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	// The record is the source of truth; no TTL.
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("configstore: write %s: %w", s.key, err)
	}

	s.mu.Lock()
	s.cached = cfg
	s.fetchedAt = s.now()
	s.mu.Unlock()

	s.log.Info("config_updated",
		slog.String("key", s.key),
		slog.String("config_version", cfg.ConfigVersion),
	)

	return nil
}

// Invalidate drops the process-local cache so the next Get re-reads the KV
// store. Used after out-of-band config writes.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Store) fetch(ctx context.Context) (*ServiceConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("no active config record")
		}
		return nil, fmt.Errorf("read: %w", err)
	}

	var cfg ServiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if problems := Validate(&cfg); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	return &cfg, nil
}

// retained returns the last cached config, or the bootstrap default when the
// process never saw a valid record. The default is cached so repeated KV
// outages don't rebuild it on every call.
func (s *Store) retained() *ServiceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil {
		s.cached = Default()
	}
	return s.cached
}
