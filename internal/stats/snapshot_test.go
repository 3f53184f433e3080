package stats

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotWriterRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stats.json")

	agg := New(2, NewCostTracker(nil))
	agg.totals.TotalRequests = 5
	w := NewSnapshotWriter(path, 0, agg)
	w.flush(context.Background())

	agg2 := New(2, NewCostTracker(nil))
	w2 := NewSnapshotWriter(path, 0, agg2)
	if err := w2.Load(); err != nil {
		t.Fatal(err)
	}
	if agg2.Snapshot().Totals.TotalRequests != 5 {
		t.Errorf("restored TotalRequests = %d, want 5", agg2.Snapshot().Totals.TotalRequests)
	}
}

func TestSnapshotWriterLoadMissingFileIsNoop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing.json")
	agg := New(2, nil)
	w := NewSnapshotWriter(path, 0, agg)
	if err := w.Load(); err != nil {
		t.Fatal(err)
	}
	if agg.Snapshot().Totals.TotalRequests != 0 {
		t.Error("expected zero-value defaults on missing snapshot file")
	}
}

func TestSnapshotWriterRunFlushesOnDirtyAndShutdown(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stats.json")
	agg := New(2, nil)
	w := NewSnapshotWriter(path, 20*time.Millisecond, agg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.MarkDirty()
	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file not written: %v", err)
	}

	var s persistedState
	agg2 := New(2, nil)
	w2 := NewSnapshotWriter(path, 0, agg2)
	if err := w2.Load(); err != nil {
		t.Fatal(err)
	}
	_ = s
}
