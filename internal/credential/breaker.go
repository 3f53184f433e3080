// Package credential implements the credential record, its per-credential
// circuit breaker, and the pool that selects among credentials under a
// configured strategy. Ported and extended from the teacher's
// internal/circuitbreaker package: the sliding-window error-rate detector
// and half-open single-probe gating are kept near-verbatim; cooldown is
// extended from a fixed OpenTimeout to an exponential-backoff-with-jitter
// schedule keyed on consecutive failures, per spec §4.2.
package credential

import (
	"sync"
	"time"
)

// State is the circuit-breaker state, a tagged variant rather than a flag
// bag: all reads and writes go through Breaker's exclusive-access region.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	ErrorThreshold float64       // weighted error rate to trip (e.g. 0.30)
	MinSamples     int           // minimum requests before breaker can open
	WindowSeconds  int           // sliding window duration in seconds
	CooldownBase   time.Duration // base cooldown for backoff(1)
	CooldownCap    time.Duration // cooldown ceiling
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		CooldownBase:   time.Second,
		CooldownCap:    2 * time.Minute,
	}
}

type windowBucket struct {
	errors float64
	total  int
}

// SlidingWindow is a fixed-size ring of 1-second buckets, stack-allocated to
// avoid heap allocation on the hot path.
type SlidingWindow struct {
	buckets  [60]windowBucket
	size     int
	head     int
	headTime int64
}

func newSlidingWindow(windowSeconds int) SlidingWindow {
	if windowSeconds <= 0 || windowSeconds > 60 {
		windowSeconds = 60
	}
	return SlidingWindow{size: windowSeconds}
}

func (w *SlidingWindow) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	clear := min(int(gap), w.size)
	for i := range clear {
		idx := (w.head + 1 + i) % w.size
		w.buckets[idx] = windowBucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

// Record adds a sample with the given error weight (0 = success).
func (w *SlidingWindow) Record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

// ErrorRate returns the weighted error rate and total sample count.
func (w *SlidingWindow) ErrorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var totalErrors float64
	var totalRequests int
	for i := range w.size {
		b := &w.buckets[i]
		totalErrors += b.errors
		totalRequests += b.total
	}
	if totalRequests == 0 {
		return 0, 0
	}
	return totalErrors / float64(totalRequests), totalRequests
}

// Reset clears all buckets.
func (w *SlidingWindow) Reset() {
	for i := range w.size {
		w.buckets[i] = windowBucket{}
	}
	w.headTime = 0
	w.head = 0
}

// Breaker is a per-credential circuit breaker with exponential-backoff
// cooldown driven by consecutive trip count.
type Breaker struct {
	mu                  sync.Mutex
	state               State
	window              SlidingWindow
	cooldownUntil       time.Time
	consecutiveFailures int
	lastUsed            time.Time
	probing             bool
	cfg                 BreakerConfig
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		state:    StateClosed,
		window:   newSlidingWindow(cfg.WindowSeconds),
		cfg:      cfg,
		lastUsed: time.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CooldownUntil returns the monotonic deadline before which the breaker
// will not permit a probe, zero when not cooling.
func (b *Breaker) CooldownUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldownUntil
}

// Probeable reports, without mutating any state, whether this breaker
// currently permits an attempt: CLOSED always does, OPEN only once
// cooldownUntil has elapsed (the credential becomes eligible for a probe),
// and HALF_OPEN only when no probe is already in flight. This is the
// peek half of the peek/claim pair spec §9's Open Question calls for:
// Credential.Selectable uses it to decide candidacy; the actual
// OPEN -> HALF_OPEN transition and single-probe claim happen in Allow,
// called only once the pool commits to dispatching here.
func (b *Breaker) Probeable(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return !now.Before(b.cooldownUntil)
	case StateHalfOpen:
		return !b.probing
	}
	return false
}

// Allow reports whether a request may proceed, performing the
// OPEN -> HALF_OPEN transition when the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !now.Before(b.cooldownUntil) {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful outcome.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.Record(0, now)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.consecutiveFailures = 0
		b.window.Reset()
	}
}

// RecordError records a failed outcome with the given classified weight.
func (b *Breaker) RecordError(weight float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.Record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.ErrorRate(now)
		if samples >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		// Probe failed: reopen with doubled backoff.
		b.trip(now)
	}
}

// trip transitions to OPEN and schedules the next cooldown. Must hold mu.
func (b *Breaker) trip(now time.Time) {
	b.consecutiveFailures++
	b.state = StateOpen
	b.probing = false
	b.cooldownUntil = now.Add(Backoff(b.consecutiveFailures, b.cfg.CooldownBase, b.cfg.CooldownCap))
}

// LastUsed returns the time of last activity, for stale eviction.
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}

// ConsecutiveFailures returns the current trip count (reset on probe success).
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
