// Package tokenbucket implements spec.md §4.5's single-class rate
// limiter: a byte-denominated bucket refilled from an integer nanosecond
// clock, with no floating point on the hot path. Each refill adds whole
// bytes only; the fraction of a byte earned since the previous refill is
// discarded, so very frequent consumes at a low rate admit slightly less
// than the configured rate.
package tokenbucket

import (
	"sync"
	"time"
)

// Bucket is a token bucket with capacity bytes of burst allowance and a
// sustained rate bytes/sec long-run refill rate. The zero value is not
// ready to use; construct with New.
type Bucket struct {
	mu sync.Mutex

	capacity int64 // bytes
	rate     int64 // bytes/sec

	tokens     int64 // bytes, 0 <= tokens <= capacity
	lastRefill time.Time
}

// New constructs a Bucket starting full (tokens = capacity), matching
// the teacher's convention of admitting an initial burst immediately.
func New(capacity, rate int64, now time.Time) *Bucket {
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		capacity:   capacity,
		rate:       rate,
		tokens:     capacity,
		lastRefill: now,
	}
}

// TryConsume refills the bucket to now, then returns true and deducts
// nBytes iff the refilled token count covers it; otherwise it returns
// false and leaves the bucket unchanged (spec.md §4.5's contract:
// refill happens unconditionally before the consume decision, win or
// lose).
//
// All arithmetic is integer bytes over a nanosecond delta to avoid the
// float accumulation error repeated sub-millisecond calls would
// otherwise introduce.
func (b *Bucket) TryConsume(nBytes int64, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)

	if b.tokens < nBytes {
		return false
	}
	b.tokens -= nBytes
	return true
}

// refillLocked must be called with b.mu held. tokens_after =
// min(capacity, tokens_before + rate*Δt) computed as integer bytes.
func (b *Bucket) refillLocked(now time.Time) {
	delta := now.Sub(b.lastRefill)
	b.lastRefill = now
	if delta <= 0 || b.rate == 0 {
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		return
	}
	// bytes added = rate(bytes/s) * delta(ns) / 1e9(ns/s), computed in
	// integer nanoseconds to avoid a floating-point multiply in the hot
	// path.
	added := (b.rate * delta.Nanoseconds()) / int64(time.Second)
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Tokens returns the current token count without consuming anything,
// after an implicit refill to now — used by the metrics surface's
// token_bucket_tokens gauge.
func (b *Bucket) Tokens(now time.Time) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens
}
