package credential

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// Strategy selects the tie-break ordering among selectable credentials.
type Strategy string

const (
	StrategyBalanced   Strategy = "balanced"
	StrategyQuality    Strategy = "quality"
	StrategyThroughput Strategy = "throughput"
)

// ColdError is returned when no credential is currently selectable. It
// carries the earliest estimated availability for a Retry-After hint.
type ColdError struct {
	WaitMs int64
}

func (e *ColdError) Error() string { return fmt.Sprintf("credential: pool cold, retry in %dms", e.WaitMs) }
func (e *ColdError) StatusCode() int { return 503 }

// Pool owns credential selection, state transitions (via Credential's
// Breaker), and the hot-reload contract for the credentials file. Grounded
// on the teacher's circuitbreaker.Registry double-checked-locking idiom for
// the credential slice, and internal/app/proxy.go's failover loop for the
// selection/feedback shape.
type Pool struct {
	mu       sync.RWMutex
	active   []*Credential
	draining []*Credential
	strategy Strategy

	// pool-wide 429 protection: when the recent 429 rate across all
	// credentials exceeds threshold, a short cooldown applies to every
	// credential's selectability check, per spec §4.2.
	pool429Until time.Time
	recent429    []time.Time

	Pool429Threshold int
	Pool429Window    time.Duration
	Pool429Cooldown  time.Duration
}

// NewPool creates an empty pool with the given strategy.
func NewPool(strategy Strategy) *Pool {
	if strategy == "" {
		strategy = StrategyBalanced
	}
	return &Pool{
		strategy:         strategy,
		Pool429Threshold: 5,
		Pool429Window:    10 * time.Second,
		Pool429Cooldown:  2 * time.Second,
	}
}

// Install replaces the active credential set atomically. Used both at
// startup and by hot-reload (see reload.go).
func (p *Pool) Install(creds []*Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = creds
}

// Snapshot returns a copy of the currently active and draining credentials,
// for read-only inspection (stats, health).
func (p *Pool) Snapshot() (active, draining []*Credential) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	active = append(active[:0:0], p.active...)
	draining = append(draining[:0:0], p.draining...)
	return
}

func (p *Pool) poolWide429Active(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool429Until.After(now)
}

// Select enumerates active credentials, filters to selectable ones, and
// returns the best candidate under the pool's strategy. Commits the
// selection (consume token, increment inFlight) before returning.
func (p *Pool) Select() (*Credential, error) {
	now := time.Now()
	if p.poolWide429Active(now) {
		p.mu.RLock()
		wait := p.pool429Until.Sub(now).Milliseconds()
		p.mu.RUnlock()
		return nil, &ColdError{WaitMs: wait}
	}

	p.mu.RLock()
	candidates := make([]*Credential, 0, len(p.active))
	for _, c := range p.active {
		if c.Selectable(now) {
			candidates = append(candidates, c)
		}
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, &ColdError{WaitMs: p.earliestWaitMs(now)}
	}

	sortCandidates(candidates, p.strategy)
	// Commit can fail for the top candidate alone: a HALF_OPEN breaker only
	// ever grants one probe, so a concurrent Select racing this one past
	// Selectable's peek may have already claimed it between the peek above
	// and this commit. Fall through to the next-best candidate rather than
	// reporting the pool cold when another one is in fact still usable.
	for _, chosen := range candidates {
		if chosen.Commit() {
			return chosen, nil
		}
	}
	return nil, &ColdError{WaitMs: p.earliestWaitMs(now)}
}

// earliestWaitMs scans all active credentials for the soonest estimated
// availability, used for the Retry-After hint on a cold pool.
func (p *Pool) earliestWaitMs(now time.Time) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var best int64 = -1
	for _, c := range p.active {
		var w int64
		if cd := c.Breaker.CooldownUntil(); cd.After(now) {
			w = cd.Sub(now).Milliseconds()
		} else {
			w = c.Bucket.WaitTimeMs()
		}
		if best < 0 || w < best {
			best = w
		}
	}
	if best < 0 {
		best = 1000
	}
	return best
}

func sortCandidates(cs []*Credential, strategy Strategy) {
	switch strategy {
	case StrategyQuality:
		sort.SliceStable(cs, func(i, j int) bool {
			hi, hj := cs[i].HealthScore(), cs[j].HealthScore()
			if hi != hj {
				return hi > hj
			}
			pi, pj := cs[i].P95(), cs[j].P95()
			if pi != pj {
				return pi < pj
			}
			return cs[i].Index < cs[j].Index
		})
	case StrategyThroughput:
		sort.SliceStable(cs, func(i, j int) bool {
			fi, fj := cs[i].InFlight(), cs[j].InFlight()
			if fi != fj {
				return fi < fj
			}
			ti, tj := cs[i].ThroughputPerSecond(), cs[j].ThroughputPerSecond()
			if ti != tj {
				return ti > tj
			}
			return cs[i].Index < cs[j].Index
		})
	default: // balanced
		sort.SliceStable(cs, func(i, j int) bool {
			fi, fj := cs[i].InFlight(), cs[j].InFlight()
			if fi != fj {
				return fi < fj
			}
			hi, hj := cs[i].HealthScore(), cs[j].HealthScore()
			if hi != hj {
				return hi > hj
			}
			li, lj := cs[i].LastUsed(), cs[j].LastUsed()
			if !li.Equal(lj) {
				return li.Before(lj)
			}
			return cs[i].Index < cs[j].Index
		})
	}
}

// RecordCompletion applies the feedback of a completed attempt to the
// chosen credential: breaker/latency/counters update, inFlight release,
// and pool-wide 429 tracking. Always called, on every exit path, per
// spec §5's "release on all exit paths" rule.
func (p *Pool) RecordCompletion(c *Credential, latencyMs int64, statusCode int, classifyErr error) {
	defer c.Release()

	var weight float64
	var kind core.ErrorKind
	if classifyErr != nil {
		weight, kind = ClassifyError(classifyErr)
	} else {
		weight, kind = ClassifyStatus(statusCode)
	}
	c.RecordOutcome(latencyMs, weight, string(kind))

	if kind == core.ErrKindUpstream429 {
		p.record429()
	}
}

func (p *Pool) record429() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := now.Add(-p.Pool429Window)
	kept := p.recent429[:0]
	for _, t := range p.recent429 {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	p.recent429 = kept
	if len(p.recent429) >= p.Pool429Threshold {
		p.pool429Until = now.Add(p.Pool429Cooldown)
	}
}
