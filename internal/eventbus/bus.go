// Package eventbus implements the in-process publish/subscribe fan-out that
// drives the SSE endpoints and the request trace store, per spec §4.6.
// Grounded on thushan-olla's pkg/eventbus: the lock-free xsync.Map
// subscriber registry, the per-subscriber bounded channel, and the
// inactive-subscriber cleanup loop are kept in shape. Two things diverge
// from the teacher on purpose: overflow policy is drop-OLDEST (not
// drop-incoming) so a slow consumer sees the freshest events, and every
// delivered envelope carries a process-wide strictly-monotonic seq assigned
// by a single coordinator, not per-subscriber.
package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/RicherTunes/ai-proxy-sub011/internal/ring"
)

// Envelope wraps a published value with the bus's monotonic seq and a
// dropped-count carried on the first envelope delivered after an overflow,
// per spec §8's "gaps ... are reported via a dropped marker" property.
type Envelope[T any] struct {
	Seq     int64 `json:"seq"`
	Dropped int64 `json:"dropped,omitempty"`
	Payload T     `json:"payload"`
}

type subscriber[T any] struct {
	ch         chan Envelope[T]
	dropped    atomic.Int64
	lastActive atomic.Int64
	active     atomic.Bool
}

// Config tunes per-subscriber buffering, replay depth, and idle cleanup.
type Config struct {
	BufferSize      int
	ReplaySize      int
	CleanupPeriod   time.Duration
	InactiveTimeout time.Duration
}

// DefaultConfig mirrors the teacher's eventbus.DefaultConfig, with a replay
// window sized per spec §4.6's configurable K.
var DefaultConfig = Config{
	BufferSize:      64,
	ReplaySize:      50,
	CleanupPeriod:   5 * time.Minute,
	InactiveTimeout: 10 * time.Minute,
}

// Bus is a single-publisher (the forwarder's completion callback),
// many-subscriber fan-out with a bounded replay window for late joiners.
type Bus[T any] struct {
	subscribers *xsync.Map[string, *subscriber[T]]
	replay      *ring.EventWindow[T]
	seq         atomic.Int64
	cfg         Config

	stopCleanup chan struct{}
	shutdown    atomic.Bool
}

// New creates a Bus with the given config.
func New[T any](cfg Config) *Bus[T] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = DefaultConfig.ReplaySize
	}
	b := &Bus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		replay:      ring.NewEventWindow[T](cfg.ReplaySize),
		cfg:         cfg,
		stopCleanup: make(chan struct{}),
	}
	if cfg.CleanupPeriod > 0 {
		go b.cleanupLoop()
	}
	return b
}

// Replay returns the last K published payloads, oldest first, for a
// subscriber's initial "init" snapshot.
func (b *Bus[T]) Replay() []T {
	return b.replay.Snapshot()
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed by the caller never; events
// stop arriving once Unsubscribe is called or ctx is cancelled.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan Envelope[T], func()) {
	if b.shutdown.Load() {
		ch := make(chan Envelope[T])
		close(ch)
		return ch, func() {}
	}

	id := uuid.NewString()
	sub := &subscriber[T]{ch: make(chan Envelope[T], b.cfg.BufferSize)}
	sub.active.Store(true)
	sub.lastActive.Store(time.Now().UnixNano())
	b.subscribers.Store(id, sub)

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return sub.ch, func() { b.unsubscribe(id) }
}

// Publish assigns the next seq, appends to the replay window, and fans out
// to every subscriber. A full subscriber queue has its oldest entry evicted
// to make room, and the evicted count is attached as Dropped on the next
// envelope this subscriber actually receives.
func (b *Bus[T]) Publish(payload T) int64 {
	if b.shutdown.Load() {
		return 0
	}
	seq := b.seq.Add(1)
	b.replay.Add(payload)

	now := time.Now().UnixNano()
	delivered := 0
	b.subscribers.Range(func(_ string, sub *subscriber[T]) bool {
		if !sub.active.Load() {
			return true
		}
		env := Envelope[T]{Seq: seq, Payload: payload}
		if d := sub.dropped.Swap(0); d > 0 {
			env.Dropped = d
		}

		select {
		case sub.ch <- env:
			sub.lastActive.Store(now)
			delivered++
			return true
		default:
		}

		// Queue full: evict the oldest entry to make room, then retry once.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- env:
			sub.lastActive.Store(now)
			delivered++
		default:
			sub.dropped.Add(1)
		}
		return true
	})
	return delivered
}

// unsubscribe marks a subscriber inactive and removes it from the registry.
// The channel itself is never closed (avoids a send-on-closed-channel
// race with an in-flight Publish), left for GC once unreferenced.
func (b *Bus[T]) unsubscribe(id string) {
	if sub, ok := b.subscribers.Load(id); ok {
		sub.active.Store(false)
		b.subscribers.Delete(id)
	}
}

// Shutdown stops accepting publications and deactivates every subscriber.
func (b *Bus[T]) Shutdown() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(b.stopCleanup)
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		sub.active.Store(false)
		return true
	})
	b.subscribers.Clear()
}

// Stats reports subscriber counts and cumulative drops, for /stats.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Dropped     int64 `json:"dropped"`
}

func (b *Bus[T]) Stats() Stats {
	var st Stats
	b.subscribers.Range(func(_ string, sub *subscriber[T]) bool {
		st.Subscribers++
		st.Dropped += sub.dropped.Load()
		return true
	})
	return st
}

func (b *Bus[T]) cleanupLoop() {
	t := time.NewTicker(b.cfg.CleanupPeriod)
	defer t.Stop()
	for {
		select {
		case <-b.stopCleanup:
			return
		case <-t.C:
			cutoff := time.Now().Add(-b.cfg.InactiveTimeout).UnixNano()
			var stale []string
			b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
				if !sub.active.Load() || sub.lastActive.Load() < cutoff {
					stale = append(stale, id)
				}
				return true
			})
			for _, id := range stale {
				b.unsubscribe(id)
			}
			if len(stale) > 0 {
				slog.LogAttrs(context.Background(), slog.LevelDebug, "eventbus cleanup",
					slog.Int("removed", len(stale)),
				)
			}
		}
	}
}
