// Package breaker implements a three-state circuit breaker whose state is
// persisted per (provider, region) record in Redis.
//
// Persisting in the KV store gives every stateless worker the same view of a
// provider's health. Updates are last-writer-wins: the breaker tolerates the
// occasional lost update because transitions are monotonic within a decision
// window — worst case a few extra failures before OPEN, or a couple of
// parallel HALF_OPEN probes.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the breaker state for one circuit.
type Status string

const (
	StatusClosed   Status = "CLOSED"
	StatusOpen     Status = "OPEN"
	StatusHalfOpen Status = "HALF_OPEN"
)

// Defaults, overridable via Options.
const (
	DefaultFailureThreshold         = 3
	DefaultCooldown                 = 30 * time.Second
	DefaultHalfOpenSuccessThreshold = 2
	DefaultRecordTTL                = 7 * 24 * time.Hour

	// DefaultKeyPrefix namespaces circuit records in Redis.
	DefaultKeyPrefix = "gateway:circuit:"

	queryTimeout = 2 * time.Second
)

// State is the persisted circuit record. Timestamps are epoch milliseconds
// so the record stays readable across runtimes sharing the table.
type State struct {
	Status Status `json:"status"`

	ConsecutiveFailures      int `json:"consecutiveFailures"`
	TotalFailures            int `json:"totalFailures"`
	TotalSuccesses           int `json:"totalSuccesses"`
	CurrentHalfOpenSuccesses int `json:"currentHalfOpenSuccesses"`

	LastStateChangeTimestamp int64 `json:"lastStateChangeTimestamp"`
	OpenedTimestamp          int64 `json:"openedTimestamp,omitempty"`
	LastFailureTimestamp     int64 `json:"lastFailureTimestamp,omitempty"`

	TotalLatencyMs int64   `json:"totalLatencyMs"`
	LastLatencyMs  int64   `json:"lastLatencyMs"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`

	// TTL is epoch seconds; the KV store expires the record at this time.
	TTL int64 `json:"ttl"`
}

// Options tunes the breaker state machine.
type Options struct {
	// FailureThreshold is the number of consecutive qualifying failures that
	// open the circuit. Default: 3.
	FailureThreshold int

	// Cooldown is the minimum time a circuit stays OPEN before a probe is
	// admitted. Default: 30s.
	Cooldown time.Duration

	// HalfOpenSuccessThreshold is the number of HALF_OPEN successes required
	// to close the circuit. Default: 2.
	HalfOpenSuccessThreshold int

	// RecordTTL is the KV record expiry refreshed on every write. Default: 7d.
	RecordTTL time.Duration

	// KeyPrefix namespaces records in Redis. Default: "gateway:circuit:".
	KeyPrefix string
}

func (o Options) failureThreshold() int {
	if o.FailureThreshold > 0 {
		return o.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (o Options) cooldown() time.Duration {
	if o.Cooldown > 0 {
		return o.Cooldown
	}
	return DefaultCooldown
}

func (o Options) halfOpenSuccessThreshold() int {
	if o.HalfOpenSuccessThreshold > 0 {
		return o.HalfOpenSuccessThreshold
	}
	return DefaultHalfOpenSuccessThreshold
}

func (o Options) recordTTL() time.Duration {
	if o.RecordTTL > 0 {
		return o.RecordTTL
	}
	return DefaultRecordTTL
}

func (o Options) keyPrefix() string {
	if o.KeyPrefix != "" {
		return o.KeyPrefix
	}
	return DefaultKeyPrefix
}

// Breaker gates requests per circuit key. Safe for concurrent use; all
// shared state lives in Redis.
type Breaker struct {
	rdb  *redis.Client
	opts Options
	log  *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Breaker. log must not be nil.
func New(rdb *redis.Client, log *slog.Logger, opts Options) *Breaker {
	return &Breaker{rdb: rdb, opts: opts, log: log, now: time.Now}
}

// Key builds the circuit key for a (provider, region) pair.
func Key(provider, region string) string {
	return provider + "#" + region
}

// Allow reports whether the circuit admits the next request.
//
//   - CLOSED    → true.
//   - OPEN      → false until the cooldown elapses; the first Allow after
//     cooldown persists the OPEN→HALF_OPEN transition and returns true.
//   - HALF_OPEN → true.
//
// A missing record is treated as CLOSED and a default record is written.
func (b *Breaker) Allow(ctx context.Context, key string) bool {
	st, found := b.load(ctx, key)
	if !found {
		b.persist(ctx, key, st)
		return true
	}

	switch st.Status {
	case StatusOpen:
		opened := time.UnixMilli(st.OpenedTimestamp)
		if b.now().Sub(opened) < b.opts.cooldown() {
			return false
		}
		// Cooldown elapsed: persist the transition before admitting the probe
		// so parallel workers see HALF_OPEN, not a fresh OPEN.
		st.Status = StatusHalfOpen
		st.ConsecutiveFailures = 0
		st.CurrentHalfOpenSuccesses = 0
		st.LastStateChangeTimestamp = b.now().UnixMilli()
		b.persist(ctx, key, st)

		b.log.Info("circuit_half_open",
			slog.String("circuit", key),
		)
		return true

	case StatusHalfOpen:
		return true

	default: // CLOSED
		return true
	}
}

// RecordSuccess registers a successful call on the circuit and persists the
// resulting state. latencyMs may be 0 when unknown.
func (b *Breaker) RecordSuccess(ctx context.Context, key string, latencyMs int64) {
	st, _ := b.load(ctx, key)
	now := b.now()

	st.TotalSuccesses++
	st.ConsecutiveFailures = 0
	observeLatency(&st, latencyMs)

	switch st.Status {
	case StatusHalfOpen:
		st.CurrentHalfOpenSuccesses++
		if st.CurrentHalfOpenSuccesses >= b.opts.halfOpenSuccessThreshold() {
			st.Status = StatusClosed
			st.CurrentHalfOpenSuccesses = 0
			st.OpenedTimestamp = 0
			st.LastStateChangeTimestamp = now.UnixMilli()
			b.log.Info("circuit_closed", slog.String("circuit", key))
		}

	case StatusOpen:
		// A success while OPEN means another worker raced us into a probe.
		// Count it as a HALF_OPEN success rather than losing the signal.
		b.log.Warn("circuit_success_while_open",
			slog.String("circuit", key),
		)
		st.Status = StatusHalfOpen
		st.CurrentHalfOpenSuccesses = 1
		st.LastStateChangeTimestamp = now.UnixMilli()
		if st.CurrentHalfOpenSuccesses >= b.opts.halfOpenSuccessThreshold() {
			st.Status = StatusClosed
			st.CurrentHalfOpenSuccesses = 0
			st.OpenedTimestamp = 0
		}
	}

	b.persist(ctx, key, st)
}

// RecordFailure registers a qualifying failure on the circuit and persists
// the resulting state.
func (b *Breaker) RecordFailure(ctx context.Context, key string, latencyMs int64) {
	st, _ := b.load(ctx, key)
	now := b.now()

	st.TotalFailures++
	st.ConsecutiveFailures++
	st.LastFailureTimestamp = now.UnixMilli()
	observeLatency(&st, latencyMs)

	switch st.Status {
	case StatusHalfOpen:
		// Any probe failure reopens the circuit.
		st.Status = StatusOpen
		st.OpenedTimestamp = now.UnixMilli()
		st.CurrentHalfOpenSuccesses = 0
		st.LastStateChangeTimestamp = now.UnixMilli()
		b.log.Warn("circuit_reopened", slog.String("circuit", key))

	case StatusClosed:
		if st.ConsecutiveFailures >= b.opts.failureThreshold() {
			st.Status = StatusOpen
			st.OpenedTimestamp = now.UnixMilli()
			st.CurrentHalfOpenSuccesses = 0
			st.LastStateChangeTimestamp = now.UnixMilli()
			b.log.Warn("circuit_opened",
				slog.String("circuit", key),
				slog.Int("consecutive_failures", st.ConsecutiveFailures),
			)
		}
	}

	b.persist(ctx, key, st)
}

// State returns the persisted record for key. found is false when no record
// exists (the returned State is the CLOSED default).
func (b *Breaker) State(ctx context.Context, key string) (State, bool) {
	return b.load(ctx, key)
}

// load reads the record for key. Read errors and missing records both yield
// a default CLOSED state — the breaker is an optimization, not a barrier.
func (b *Breaker) load(ctx context.Context, key string) (State, bool) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	data, err := b.rdb.Get(ctx, b.opts.keyPrefix()+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			b.log.Warn("circuit_read_failed",
				slog.String("circuit", key),
				slog.String("error", err.Error()),
			)
		}
		return b.defaultState(), false
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		b.log.Warn("circuit_decode_failed",
			slog.String("circuit", key),
			slog.String("error", err.Error()),
		)
		return b.defaultState(), false
	}
	if st.Status == "" {
		st.Status = StatusClosed
	}
	return st, true
}

// persist writes the record, refreshing its TTL. Write failures are logged
// and swallowed: a lost breaker update must never fail the request.
func (b *Breaker) persist(ctx context.Context, key string, st State) {
	ttl := b.opts.recordTTL()
	st.TTL = b.now().Add(ttl).Unix()

	data, err := json.Marshal(st)
	if err != nil {
		b.log.Error("circuit_encode_failed",
			slog.String("circuit", key),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := b.rdb.Set(ctx, b.opts.keyPrefix()+key, data, ttl).Err(); err != nil {
		b.log.Warn("circuit_write_failed",
			slog.String("circuit", key),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Breaker) defaultState() State {
	return State{
		Status:                   StatusClosed,
		LastStateChangeTimestamp: b.now().UnixMilli(),
	}
}

func observeLatency(st *State, latencyMs int64) {
	if latencyMs <= 0 {
		return
	}
	st.TotalLatencyMs += latencyMs
	st.LastLatencyMs = latencyMs
	if n := st.TotalSuccesses + st.TotalFailures; n > 0 {
		st.AvgLatencyMs = float64(st.TotalLatencyMs) / float64(n)
	}
}

// Label returns a lowercase state name for metrics and logs.
func Label(s Status) string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
