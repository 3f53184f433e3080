// Package tokenbucket implements a lazy-refill token bucket and a
// keyed registry of buckets, per spec §4.1.
package tokenbucket

import (
	"math"
	"sync"
	"time"
)

// Bucket is a token bucket with lazy refill (no background goroutine): every
// call first tops up tokens based on elapsed time, then applies the
// requested operation.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64 // capacity + burst, the refill ceiling
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// New creates a bucket starting full, with capacity+burst as its ceiling
// and refillPerSecond tokens added per second of elapsed time.
func New(capacity, burst int, refillPerSecond float64) *Bucket {
	ceiling := float64(capacity + burst)
	return &Bucket{
		tokens:     ceiling,
		capacity:   ceiling,
		refillRate: refillPerSecond,
		lastRefill: time.Now(),
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// TryConsume attempts to consume n tokens (default 1), returning true and
// decrementing on success.
func (b *Bucket) TryConsume(n float64) bool {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Peek reports whether n tokens (default 1) are currently available,
// without consuming them. Used during admission checks per spec §9's
// peek-vs-tryConsume resolution.
func (b *Bucket) Peek(n float64) bool {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens >= n
}

// WaitTimeMs returns the milliseconds until 1 token is available, or 0 if
// one is available now.
func (b *Bucket) WaitTimeMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		return 0
	}
	if b.refillRate <= 0 {
		return math.MaxInt64
	}
	deficit := 1 - b.tokens
	return int64(math.Ceil(deficit / b.refillRate * 1000))
}

// Reset refills the bucket to full capacity.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = time.Now()
}

// LastRefill returns the timestamp of the most recent refill, used by the
// registry's TTL eviction.
func (b *Bucket) LastRefill() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}
