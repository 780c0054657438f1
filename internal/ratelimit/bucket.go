// Package ratelimit implements the two admission controls applied in front
// of a provider call: a process-local token bucket for tokens-per-minute,
// and a Redis sliding-window counter for requests-per-minute.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a refilling bucket sized for a tokens-per-minute budget:
// capacity = tpm, refill rate = tpm/60 tokens per second.
//
// The bucket is per adapter instance and process-local; it is re-initialized
// full on cold start. Safe for concurrent use.
type TokenBucket struct {
	mu sync.Mutex

	capacity   int
	tokens     int
	refillRate float64 // tokens per second
	lastRefill time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewTokenBucket creates a full bucket for the given TPM budget.
// A tpm ≤ 0 disables admission control: Consume always succeeds.
func NewTokenBucket(tpm int) *TokenBucket {
	return &TokenBucket{
		capacity:   tpm,
		tokens:     tpm,
		refillRate: float64(tpm) / 60.0,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Consume refills the bucket by floor(elapsedSeconds × refillRate), capped at
// capacity, then deducts n tokens if available. Returns false when the
// bucket cannot cover n.
func (b *TokenBucket) Consume(n int) bool {
	if b.capacity <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if n > b.tokens {
		return false
	}
	b.tokens -= n
	return true
}

// Available returns the current token count after refill. Used by metrics.
func (b *TokenBucket) Available() int {
	if b.capacity <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill adds whole elapsed-time tokens. The refill clock only advances by
// the seconds actually credited, so fractional intervals are never lost.
func (b *TokenBucket) refill() {
	elapsed := b.now().Sub(b.lastRefill).Seconds()
	add := int(elapsed * b.refillRate)
	if add <= 0 {
		return
	}

	b.tokens += add
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(float64(add) / b.refillRate * float64(time.Second)))
}
