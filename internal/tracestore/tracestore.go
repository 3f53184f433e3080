// Package tracestore holds the bounded set of recent request envelopes
// backing GET /traces and GET /traces/{id}, per spec §4.5/§6 and
// SPEC_FULL §6.3. It pairs an otter cache (keyed O(1) lookup by request ID,
// size-bounded eviction) with the ring package's ordered event window
// (oldest-first listing for GET /traces), since otter exposes no iteration
// API in the retrieved pack -- the same reasoning that keeps the teacher's
// internal/cache/memory.go scoped to Get/Set/Delete/Purge only. Eviction is
// size-based, satisfying spec.md §1's Non-goal of not persisting traces
// beyond a bounded in-memory window.
package tracestore

import (
	"fmt"

	"github.com/maypok86/otter/v2"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
	"github.com/RicherTunes/ai-proxy-sub011/internal/ring"
)

// Store is a bounded, keyed, ordered view over recently completed requests.
type Store struct {
	byID *otter.Cache[string, *core.Request]
	recent *ring.EventWindow[*core.Request]
}

// New creates a Store holding up to capacity request envelopes.
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = 500
	}
	c, err := otter.New[string, *core.Request](&otter.Options[string, *core.Request]{
		MaximumSize: capacity,
	})
	if err != nil {
		return nil, fmt.Errorf("tracestore: create cache: %w", err)
	}
	return &Store{
		byID:   c,
		recent: ring.NewEventWindow[*core.Request](capacity),
	}, nil
}

// Put archives req, keyed by its RequestID. Call once, on completion, per
// spec §3's "archived to the trace store on completion" lifecycle step.
func (s *Store) Put(req *core.Request) {
	s.byID.Set(req.RequestID, req)
	s.recent.Add(req)
}

// Get retrieves a single trace by request ID, for GET /traces/{id}.
func (s *Store) Get(requestID string) (*core.Request, bool) {
	return s.byID.GetIfPresent(requestID)
}

// Recent returns the most recently archived traces, oldest first, for
// GET /traces. Eviction from the underlying otter cache does not remove an
// entry from this list until it, too, is overwritten by the ring's own
// capacity -- the two bounds are sized identically so they stay coherent.
func (s *Store) Recent() []*core.Request {
	return s.recent.Snapshot()
}
