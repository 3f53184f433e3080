package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/persistence"
)

const defaultSnapshotDebounce = 10 * time.Second

// SnapshotWriter debounces persistence of the aggregator's state to a JSON
// file, per spec §3's "written atomically on a debounce of ~10s and on
// graceful shutdown". Grounded on the teacher's buffered-worker idiom
// (internal/worker/usage_recorder.go), collapsed to a dirty-flag debounce
// since there is one mutable snapshot rather than a stream of discrete rows.
type SnapshotWriter struct {
	path     string
	interval time.Duration
	agg      *Aggregator

	dirty chan struct{}
}

// NewSnapshotWriter creates a SnapshotWriter. interval <= 0 uses the default
// ~10s debounce.
func NewSnapshotWriter(path string, interval time.Duration, agg *Aggregator) *SnapshotWriter {
	if interval <= 0 {
		interval = defaultSnapshotDebounce
	}
	return &SnapshotWriter{
		path:     path,
		interval: interval,
		agg:      agg,
		dirty:    make(chan struct{}, 1),
	}
}

// Name returns the worker identifier.
func (w *SnapshotWriter) Name() string { return "stats_snapshot" }

// MarkDirty signals that the aggregator has mutated state since the last
// flush. Call after every Aggregator.Record. Never blocks.
func (w *SnapshotWriter) MarkDirty() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// Load restores persisted state from disk at startup. A missing or corrupt
// file is not an error -- the aggregator keeps its zero-value defaults.
func (w *SnapshotWriter) Load() error {
	var s persistedState
	if err := persistence.ReadJSON(w.path, &s); err != nil {
		return err
	}
	if s.Totals.TotalRequests > 0 || s.SchemaVersion > 0 {
		w.agg.restore(s)
	}
	return nil
}

// Flush writes the current snapshot immediately, bypassing the debounce.
// Used by the admin flush control and by shutdown before worker cancellation
// so the final snapshot reflects requests completed after the last tick.
func (w *SnapshotWriter) Flush(ctx context.Context) {
	w.flush(ctx)
}

// Run flushes on the debounce interval when dirty, and once more on
// shutdown, matching the teacher's "drain on ctx.Done" worker shape.
func (w *SnapshotWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-w.dirty:
			pending = true

		case <-ticker.C:
			if pending {
				w.flush(ctx)
				pending = false
			}

		case <-ctx.Done():
			w.flush(context.Background())
			return nil
		}
	}
}

func (w *SnapshotWriter) flush(ctx context.Context) {
	s := persistedState{
		SchemaVersion: w.agg.schemaVersion,
	}
	snap := w.agg.Snapshot()
	s.Totals = snap.Totals
	if w.agg.cost != nil {
		s.Cost = w.agg.cost.snapshotForPersist()
	}
	if err := persistence.WriteJSON(w.path, s); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "stats snapshot flush failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
	}
}
