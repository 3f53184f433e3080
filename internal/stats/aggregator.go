// Package stats implements the stats aggregator of spec §4.5: hot-path
// counters serialised per credential, a cost accumulator, debounced
// snapshot persistence, and the /history rollup store. Grounded on the
// teacher's internal/ratelimit/quota.go (the budget-tracking shape, see
// cost.go) and internal/worker/usage_recorder.go + usage_rollup.go (the
// buffered-channel batch writer and periodic bucket aggregation, adapted in
// rollup.go from per-org/per-key usage rows to per-tier request buckets).
package stats

import (
	"sync"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// Totals is the global counters snapshot, keyed by spec §7's error taxonomy
// plus the retry/429 counters spec.md's end-to-end scenario #2 names
// explicitly (llm429Retries, llm429RetrySuccesses).
type Totals struct {
	TotalRequests          int64                     `json:"totalRequests"`
	Failures               map[core.ErrorKind]int64  `json:"failures"`
	RetryCount              int64                    `json:"retryCount"`
	RateLimitTracking      RateLimitTracking         `json:"rateLimitTracking"`
	InputTokens            int64                     `json:"inputTokens"`
	OutputTokens           int64                     `json:"outputTokens"`
}

// RateLimitTracking groups the upstream-429/retry counters spec.md's
// scenario #2 asserts on directly.
type RateLimitTracking struct {
	Upstream429s            int64 `json:"upstream429s"`
	LLM429Retries           int64 `json:"llm429Retries"`
	LLM429RetrySuccesses    int64 `json:"llm429RetrySuccesses"`
}

// Snapshot is the read-only view returned by GET /stats.
type Snapshot struct {
	SchemaVersion int     `json:"schemaVersion"`
	Totals        Totals  `json:"totals"`
	Cost          CostSnapshot `json:"cost"`
}

// Aggregator owns the hot-path counters. All mutations are serialised by a
// single mutex -- spec §4.5 permits "a single coordinator for global sums",
// which is simpler and proven fast enough at this component's request rate
// (unlike the credential pool, which is genuinely hot per-credential).
type Aggregator struct {
	mu     sync.Mutex
	totals Totals
	cost   *CostTracker

	schemaVersion int
}

// New creates an Aggregator. schemaVersion is embedded in persisted
// snapshots so future versions can migrate by field merging.
func New(schemaVersion int, cost *CostTracker) *Aggregator {
	return &Aggregator{
		totals:        Totals{Failures: make(map[core.ErrorKind]int64)},
		cost:          cost,
		schemaVersion: schemaVersion,
	}
}

// Record applies a completed request's outcome to the global counters and
// the cost tracker. Called exactly once per completed request, after the
// forwarder returns, per spec §4.4's "one event-bus publication on terminal
// outcome" sibling rule for stats.
func (a *Aggregator) Record(req *core.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totals.TotalRequests++
	a.totals.InputTokens += int64(req.InputTokens)
	a.totals.OutputTokens += int64(req.OutputTokens)

	if len(req.Attempts) > 1 {
		a.totals.RetryCount += int64(len(req.Attempts) - 1)
	}

	sawUpstream429 := false
	for _, at := range req.Attempts {
		if at.ErrorKind != core.ErrKindNone {
			a.totals.Failures[at.ErrorKind]++
		}
		if at.ErrorKind == core.ErrKindUpstream429 {
			sawUpstream429 = true
			a.totals.RateLimitTracking.Upstream429s++
		}
	}
	if sawUpstream429 {
		a.totals.RateLimitTracking.LLM429Retries++
		if req.StatusCode >= 200 && req.StatusCode < 300 {
			a.totals.RateLimitTracking.LLM429RetrySuccesses++
		}
	}

	if a.cost != nil && req.CostUSD > 0 {
		a.cost.Add(time.Now(), req.CostUSD)
	}
}

// Snapshot returns a copy of the current totals and cost state for GET /stats.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	failures := make(map[core.ErrorKind]int64, len(a.totals.Failures))
	for k, v := range a.totals.Failures {
		failures[k] = v
	}
	totals := a.totals
	totals.Failures = failures
	a.mu.Unlock()

	var cost CostSnapshot
	if a.cost != nil {
		cost = a.cost.Snapshot()
	}
	return Snapshot{SchemaVersion: a.schemaVersion, Totals: totals, Cost: cost}
}

// persistedState is the on-disk shape written by snapshot.go.
type persistedState struct {
	SchemaVersion int           `json:"schemaVersion"`
	Totals        Totals        `json:"totals"`
	Cost          persistedCost `json:"cost"`
}

// restore installs a previously persisted state, used on startup load.
func (a *Aggregator) restore(s persistedState) {
	a.mu.Lock()
	if s.Totals.Failures == nil {
		s.Totals.Failures = make(map[core.ErrorKind]int64)
	}
	a.totals = s.Totals
	a.schemaVersion = s.SchemaVersion
	a.mu.Unlock()
	if a.cost != nil {
		a.cost.restore(s.Cost)
	}
}
