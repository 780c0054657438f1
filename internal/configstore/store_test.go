package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewStore(rdb, testLogger(), opts...), mr, rdb
}

func TestGet_FallsBackToDefaultWhenEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)

	cfg := s.Get(context.Background())
	if cfg == nil {
		t.Fatal("Get must never return nil")
	}
	if len(cfg.Providers) == 0 {
		t.Fatal("bootstrap default should carry providers")
	}
	if problems := Validate(cfg); len(problems) != 0 {
		t.Fatalf("bootstrap default must validate, got %v", problems)
	}
}

func TestGet_ReadsPersistedRecord(t *testing.T) {
	s, mr, _ := newTestStore(t)

	want := Default()
	want.ConfigVersion = "v42"
	data, _ := json.Marshal(want)
	mr.Set(DefaultActiveKey, string(data))

	got := s.Get(context.Background())
	if got.ConfigVersion != "v42" {
		t.Fatalf("ConfigVersion = %q, want v42", got.ConfigVersion)
	}
}

func TestGet_ServesCacheWithinTTL(t *testing.T) {
	now := time.Now()
	s, mr, _ := newTestStore(t,
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	first := Default()
	first.ConfigVersion = "v1"
	data, _ := json.Marshal(first)
	mr.Set(DefaultActiveKey, string(data))

	if got := s.Get(context.Background()); got.ConfigVersion != "v1" {
		t.Fatalf("ConfigVersion = %q, want v1", got.ConfigVersion)
	}

	// Overwrite the record; the cached copy must still be served.
	second := Default()
	second.ConfigVersion = "v2"
	data, _ = json.Marshal(second)
	mr.Set(DefaultActiveKey, string(data))

	if got := s.Get(context.Background()); got.ConfigVersion != "v1" {
		t.Fatalf("within TTL: ConfigVersion = %q, want cached v1", got.ConfigVersion)
	}

	// Advance past the TTL: the new record must be picked up.
	now = now.Add(2 * time.Minute)
	if got := s.Get(context.Background()); got.ConfigVersion != "v2" {
		t.Fatalf("after TTL: ConfigVersion = %q, want v2", got.ConfigVersion)
	}
}

func TestGet_InvalidRecordFallsBackToRetained(t *testing.T) {
	now := time.Now()
	s, mr, _ := newTestStore(t,
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	good := Default()
	good.ConfigVersion = "good"
	data, _ := json.Marshal(good)
	mr.Set(DefaultActiveKey, string(data))

	if got := s.Get(context.Background()); got.ConfigVersion != "good" {
		t.Fatalf("ConfigVersion = %q, want good", got.ConfigVersion)
	}

	// Replace the record with one that fails validation.
	bad := Default()
	bad.Routing.Weights.Cost = 99
	data, _ = json.Marshal(bad)
	mr.Set(DefaultActiveKey, string(data))

	now = now.Add(2 * time.Minute)
	if got := s.Get(context.Background()); got.ConfigVersion != "good" {
		t.Fatalf("invalid record must not replace retained config, got %q", got.ConfigVersion)
	}
}

func TestGet_RedisDownServesDefault(t *testing.T) {
	s, mr, _ := newTestStore(t)
	mr.Close()

	cfg := s.Get(context.Background())
	if cfg == nil || len(cfg.Providers) == 0 {
		t.Fatal("Get must degrade to the bootstrap default when Redis is down")
	}
}

func TestUpdate_RejectsInvalidConfig(t *testing.T) {
	s, mr, _ := newTestStore(t)

	bad := Default()
	bad.Routing.ProviderPreferenceOrder = nil

	err := s.Update(context.Background(), bad)
	if err == nil {
		t.Fatal("Update must reject an invalid config")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if mr.Exists(DefaultActiveKey) {
		t.Fatal("invalid config must not be persisted")
	}
}

func TestUpdate_PersistsAndRefreshesCache(t *testing.T) {
	s, mr, _ := newTestStore(t)

	cfg := Default()
	cfg.ConfigVersion = "v7"

	if err := s.Update(context.Background(), cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if cfg.UpdatedAt.IsZero() {
		t.Fatal("Update must stamp UpdatedAt")
	}

	raw, err := mr.Get(DefaultActiveKey)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	var stored ServiceConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("persisted record does not decode: %v", err)
	}
	if stored.ConfigVersion != "v7" {
		t.Fatalf("stored ConfigVersion = %q, want v7", stored.ConfigVersion)
	}

	if got := s.Get(context.Background()); got.ConfigVersion != "v7" {
		t.Fatalf("cache not refreshed: got %q", got.ConfigVersion)
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	s, mr, _ := newTestStore(t, WithCacheTTL(time.Hour))

	first := Default()
	first.ConfigVersion = "v1"
	data, _ := json.Marshal(first)
	mr.Set(DefaultActiveKey, string(data))
	_ = s.Get(context.Background())

	second := Default()
	second.ConfigVersion = "v2"
	data, _ = json.Marshal(second)
	mr.Set(DefaultActiveKey, string(data))

	s.Invalidate()

	if got := s.Get(context.Background()); got.ConfigVersion != "v2" {
		t.Fatalf("Invalidate should force a refetch, got %q", got.ConfigVersion)
	}
}
