package credential

import (
	"net/http"
	"sync"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/ring"
	"github.com/RicherTunes/ai-proxy-sub011/internal/tokenbucket"
)

// Config describes one upstream credential as read from the credentials
// file: {keys:[{secret, maxConcurrency, requestsPerMinute, burst, hosting}], baseUrl}.
type Config struct {
	Secret            string `json:"secret"`
	Hosting           string `json:"hosting,omitempty"` // "" (api_key) | "vertex" (gcp_oauth)
	MaxConcurrency    int    `json:"maxConcurrency"`
	RequestsPerMinute int    `json:"requestsPerMinute"`
	Burst             int    `json:"burst"`
}

// Counters tracks per-credential outcome totals.
type Counters struct {
	mu           sync.Mutex
	Total        int64
	Successes    int64
	Failures     map[string]int64 // by ErrorKind
	Upstream429s int64
}

func newCounters() *Counters {
	return &Counters{Failures: make(map[string]int64)}
}

func (c *Counters) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Total++
	c.Successes++
}

func (c *Counters) recordFailure(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Total++
	c.Failures[kind]++
	if kind == "UPSTREAM_429" {
		c.Upstream429s++
	}
}

// CountersSnapshot is the read-only view of a Counters used in /stats.
type CountersSnapshot struct {
	Total        int64            `json:"total"`
	Successes    int64            `json:"successes"`
	Failures     map[string]int64 `json:"failures"`
	Upstream429s int64            `json:"upstream429s"`
}

func (c *Counters) snapshot() CountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures := make(map[string]int64, len(c.Failures))
	for k, v := range c.Failures {
		failures[k] = v
	}
	return CountersSnapshot{Total: c.Total, Successes: c.Successes, Failures: failures, Upstream429s: c.Upstream429s}
}

// Snapshot returns a copy of the counters, used by the HTTP layer's /stats
// per-credential breakdown.
func (c *Counters) Snapshot() CountersSnapshot { return c.snapshot() }

// Credential holds the mutable state of one upstream credential, per
// spec §3. Index is stable for the credential's lifetime within a pool
// generation. A single exclusive-access region (embedded mutex-free: the
// component pieces -- Breaker, Bucket, LatencyBuffer -- each own their own
// lock) protects the composite record; inFlight and lastUsed are the only
// bare fields mutated directly and are guarded by the record's own mutex.
type Credential struct {
	Index   int
	Secret  string
	Hosting string

	Breaker        *Breaker
	Bucket         *tokenbucket.Bucket
	Latencies      *ring.LatencyBuffer
	MaxConcurrency int

	Transport http.RoundTripper

	mu       sync.Mutex
	inFlight int
	lastUsed time.Time

	Counters *Counters
}

// New builds a Credential record in the CLOSED state.
func New(index int, cfg Config, breakerCfg BreakerConfig, transport http.RoundTripper) *Credential {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 4
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	return &Credential{
		Index:          index,
		Secret:         cfg.Secret,
		Hosting:        cfg.Hosting,
		Breaker:        NewBreaker(breakerCfg),
		Bucket:         tokenbucket.New(rpm, cfg.Burst, float64(rpm)/60.0),
		Latencies:      ring.NewLatencyBuffer(256),
		MaxConcurrency: maxConc,
		Transport:      transport,
		Counters:       newCounters(),
	}
}

// InFlight returns the current in-flight count.
func (c *Credential) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Selectable reports whether this credential may be chosen for a new
// request, per spec §3's invariant: state != OPEN (or, once cooldown has
// elapsed, eligible for a HALF_OPEN probe), inFlight < maxConcurrency, and
// at least one token available (peek, not consumed). This only peeks the
// breaker's state via Probeable -- it never claims the OPEN -> HALF_OPEN
// transition or a HALF_OPEN probe slot; that happens in Commit.
func (c *Credential) Selectable(now time.Time) bool {
	if !c.Breaker.Probeable(now) {
		return false
	}
	c.mu.Lock()
	free := c.inFlight < c.MaxConcurrency
	c.mu.Unlock()
	if !free {
		return false
	}
	return c.Bucket.Peek(1)
}

// Commit claims the breaker's OPEN -> HALF_OPEN transition (or HALF_OPEN's
// single in-flight probe), consumes one token, and increments inFlight;
// called only once the pool has decided to dispatch to this credential. It
// reports false -- without consuming a token or incrementing inFlight --
// when the breaker denies the attempt, which happens when a concurrent
// caller already claimed the single HALF_OPEN probe between this
// credential's Selectable peek and this call; Pool.Select falls through to
// the next candidate in that case.
func (c *Credential) Commit() bool {
	if !c.Breaker.Allow() {
		return false
	}
	c.Bucket.TryConsume(1)
	c.mu.Lock()
	c.inFlight++
	c.lastUsed = time.Now()
	c.mu.Unlock()
	return true
}

// Release decrements inFlight; called unconditionally on request completion
// (success, failure, or cancellation) so the permit is always returned.
func (c *Credential) Release() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
}

// LastUsed returns the last time this credential was committed to a request.
func (c *Credential) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// RecordOutcome feeds a completed attempt's latency and classified weight
// back into the breaker, latency buffer, and counters, and performs the
// breaker's CLOSED/OPEN/HALF_OPEN transition.
func (c *Credential) RecordOutcome(latencyMs int64, weight float64, kind string) {
	c.Latencies.Add(latencyMs)
	if weight <= 0 {
		c.Breaker.RecordSuccess()
		c.Counters.recordSuccess()
		return
	}
	c.Breaker.RecordError(weight)
	c.Counters.recordFailure(kind)
}

// HealthScore derives a 0-100 score from success rate, p95 latency, and
// recent-failure density, per spec §3.
func (c *Credential) HealthScore() int {
	snap := c.Counters.snapshot()
	if snap.Total == 0 {
		return 100
	}
	successRate := float64(snap.Successes) / float64(snap.Total)
	_, p95, _ := c.Latencies.Percentiles()
	latencyPenalty := 0.0
	if p95 > 0 {
		// 0 penalty at 0ms, full penalty saturating at 10s.
		latencyPenalty = min(float64(p95)/10000.0, 1.0)
	}
	c.Breaker.mu.Lock()
	rate, _ := c.Breaker.window.ErrorRate(time.Now())
	c.Breaker.mu.Unlock()
	score := 100*successRate - 20*latencyPenalty - 30*rate
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// ThroughputPerSecond returns the credential's spare concurrency
// (MaxConcurrency minus current in-flight), used by the "throughput" strategy.
func (c *Credential) ThroughputPerSecond() float64 {
	return float64(c.MaxConcurrency) - float64(c.InFlight())
}

// P95 returns the p95 latency in ms.
func (c *Credential) P95() int64 {
	_, p95, _ := c.Latencies.Percentiles()
	return p95
}
