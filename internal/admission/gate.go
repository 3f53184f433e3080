// Package admission implements the admission gate: a global concurrency
// ceiling, body-size limit, and FIFO queue with per-request deadline, per
// spec §4.3. Styled on the teacher's mutex+counters idiom
// (internal/ratelimit.Limiter) and its plain-channel worker style
// (internal/worker/runner.go) rather than a condition-variable queue.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// Config holds the admission gate's policy parameters.
type Config struct {
	MaxTotalConcurrency int
	QueueSize           int
	QueueTimeout        time.Duration
	MaxBodySize         int64
}

// Snapshot is the gate's single observable state, per spec §4.3.
type Snapshot struct {
	Current        int   `json:"current"`
	Max             int   `json:"max"`
	Available       int   `json:"available"`
	QueueCurrent    int   `json:"queueCurrent"`
	QueueMax        int   `json:"queueMax"`
	EnqueuedTotal   int64 `json:"enqueuedTotal"`
	TimedOutTotal   int64 `json:"timedOutTotal"`
}

// ticket is a queued request's wait-for-permit slot.
type ticket struct {
	granted chan struct{}
}

// Gate enforces spec §4.3's admission policy. A permit is a logical slot
// among MaxTotalConcurrency; acquiring one may require waiting in a FIFO
// queue bounded by QueueSize.
type Gate struct {
	cfg Config

	mu            sync.Mutex
	current       int
	queue         []*ticket
	enqueuedTotal int64
	timedOutTotal int64
	paused        bool

	// drainRate feeds the retryAfterMs hint: an exponential moving average
	// of completions per second, updated on every Release.
	lastCompletion time.Time
	completionRate float64
}

// New creates a gate with the given policy.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg, lastCompletion: time.Now()}
}

// Admit enforces the body-size check then attempts to acquire a permit,
// queueing FIFO if the concurrency ceiling is reached. On success it returns
// a non-nil release function that must be called exactly once; on rejection
// release is nil and err says why.
func (g *Gate) Admit(ctx context.Context, bodySize int64) (release func(), err error) {
	if g.cfg.MaxBodySize > 0 && bodySize > g.cfg.MaxBodySize {
		return nil, core.NewStatusError(413, core.ErrKindRequestTooLarge, "request body exceeds maxBodySize")
	}

	g.mu.Lock()
	if g.paused {
		g.mu.Unlock()
		return nil, core.NewStatusError(503, core.ErrKindBackpressure, "admission paused")
	}
	if g.current < g.cfg.MaxTotalConcurrency {
		g.current++
		g.mu.Unlock()
		return g.releaseFunc(), nil
	}
	if len(g.queue) >= g.cfg.QueueSize {
		retryAfter := g.retryAfterMsLocked()
		g.mu.Unlock()
		return nil, &backpressureError{retryAfterMs: retryAfter}
	}
	tk := &ticket{granted: make(chan struct{}, 1)}
	g.queue = append(g.queue, tk)
	g.enqueuedTotal++
	g.mu.Unlock()

	deadline := g.cfg.QueueTimeout
	var timer <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-tk.granted:
		return g.releaseFunc(), nil
	case <-ctx.Done():
		g.releaseIfGrantedRace(tk)
		return nil, ctx.Err()
	case <-timer:
		g.releaseIfGrantedRace(tk)
		g.mu.Lock()
		g.timedOutTotal++
		g.mu.Unlock()
		return nil, core.NewStatusError(503, core.ErrKindQueueTimeout, "queue wait exceeded queueTimeout")
	}
}

// releaseIfGrantedRace handles the race between a ticket's permit being
// granted (releaseFunc's queued-handoff branch sending on tk.granted) and
// its waiter giving up via ctx.Done()/the queue timer: select picks among
// ready cases pseudo-randomly, so the permit may already have been
// delivered to tk.granted even though this call lost the race to notice.
// If so, the permit is drained here and released immediately -- per spec
// §4.3, "its permit, if acquired, released" -- instead of leaking a slot
// that no caller will ever call release() for. Otherwise the ticket is
// simply removed from the queue; no permit was ever handed to it.
func (g *Gate) releaseIfGrantedRace(tk *ticket) {
	select {
	case <-tk.granted:
		g.releaseFunc()()
	default:
		g.removeFromQueue(tk)
	}
}

// removeFromQueue deletes tk from the queue if still present (the client
// cancelled or timed out before a permit was granted).
func (g *Gate) removeFromQueue(tk *ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, q := range g.queue {
		if q == tk {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

// releaseFunc returns a release callback that decrements current and, if
// anyone is queued, hands the freed permit to the oldest waiter (FIFO).
func (g *Gate) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			now := time.Now()
			elapsed := now.Sub(g.lastCompletion).Seconds()
			if elapsed > 0 {
				instant := 1 / elapsed
				g.completionRate = g.completionRate*0.8 + instant*0.2
			}
			g.lastCompletion = now

			if len(g.queue) > 0 {
				tk := g.queue[0]
				g.queue = g.queue[1:]
				g.mu.Unlock()
				tk.granted <- struct{}{}
				return
			}
			g.current--
			g.mu.Unlock()
		})
	}
}

func (g *Gate) retryAfterMsLocked() int64 {
	if g.completionRate <= 0 {
		return 1000
	}
	// Expected drain time for the queue to clear one slot, in ms.
	return int64(1000 / g.completionRate)
}

// Snapshot returns the gate's current observable state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Current:       g.current,
		Max:           g.cfg.MaxTotalConcurrency,
		Available:     g.cfg.MaxTotalConcurrency - g.current,
		QueueCurrent:  len(g.queue),
		QueueMax:      g.cfg.QueueSize,
		EnqueuedTotal: g.enqueuedTotal,
		TimedOutTotal: g.timedOutTotal,
	}
}

// Pause flips the gate into a mode where new Admit calls are rejected
// immediately with BACKPRESSURE; in-flight permits are unaffected.
func (g *Gate) Pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

// Resume un-pauses the gate.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
}

// backpressureError carries the Retry-After hint for a queue-full rejection.
type backpressureError struct {
	retryAfterMs int64
}

func (e *backpressureError) Error() string  { return "admission: queue full" }
func (e *backpressureError) StatusCode() int { return 503 }
func (e *backpressureError) RetryAfterMs() int64 { return e.retryAfterMs }
func (e *backpressureError) Kind() core.ErrorKind { return core.ErrKindBackpressure }
