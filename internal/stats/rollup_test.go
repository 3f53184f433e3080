package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

type fakeRollupStore struct {
	mu   sync.Mutex
	rows []Rollup
}

func (f *fakeRollupStore) UpsertRollups(ctx context.Context, rollups []Rollup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rollups...)
	return nil
}

func (f *fakeRollupStore) QueryRollups(ctx context.Context, resolution string, since time.Time) ([]Rollup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Rollup
	for _, r := range f.rows {
		if r.Resolution == resolution && !r.BucketStart.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestResolutionForScalesWithWindow(t *testing.T) {
	t.Parallel()
	cases := []struct {
		minutes int
		want    string
	}{
		{30, "minute"},
		{120, "minute"},
		{500, "hour"},
		{2880, "hour"},
		{10000, "day"},
	}
	for _, c := range cases {
		name, _ := resolutionFor(c.minutes)
		if name != c.want {
			t.Errorf("resolutionFor(%d) = %q, want %q", c.minutes, name, c.want)
		}
	}
}

func TestRollupRecorderAccumulatesAndFlushes(t *testing.T) {
	t.Parallel()
	store := &fakeRollupStore{}
	r := NewRollupRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	now := time.Now().UTC()
	r.Observe(&core.Request{
		RoutingDecision: core.RoutingDecision{Tier: core.TierLight},
		Timestamps:      core.Timestamps{Completed: now},
		InputTokens:     10, OutputTokens: 5, CostUSD: 0.1,
		Attempts: []core.Attempt{{LatencyMs: 100}},
	})

	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.rows) == 0 {
		t.Fatal("expected rollups to be flushed on shutdown drain")
	}
	var sawMinute bool
	for _, row := range store.rows {
		if row.Resolution == "minute" && row.Tier == "light" {
			sawMinute = true
			if row.RequestCount != 1 {
				t.Errorf("RequestCount = %d, want 1", row.RequestCount)
			}
		}
	}
	if !sawMinute {
		t.Error("expected a minute-resolution rollup for tier light")
	}
}

func TestQueryHistoryShapesResponse(t *testing.T) {
	t.Parallel()
	store := &fakeRollupStore{}
	bucket := time.Now().UTC().Truncate(time.Minute)
	store.rows = []Rollup{
		{Tier: "light", Resolution: "minute", BucketStart: bucket, RequestCount: 3, ErrorCount: 1, TotalLatencyMs: 300, CostUSD: 0.3, InputTokens: 30, OutputTokens: 15},
	}

	h, err := QueryHistory(context.Background(), store, 30, 2)
	if err != nil {
		t.Fatal(err)
	}
	if h.SchemaVersion != 2 {
		t.Errorf("SchemaVersion = %d, want 2", h.SchemaVersion)
	}
	if h.TierResolution != "minute" {
		t.Errorf("TierResolution = %q, want minute", h.TierResolution)
	}
	if h.ActualPointCount != 1 {
		t.Fatalf("ActualPointCount = %d, want 1", h.ActualPointCount)
	}
	if h.Points[0].AvgLatencyMs != 100 {
		t.Errorf("AvgLatencyMs = %v, want 100", h.Points[0].AvgLatencyMs)
	}
}

func TestQueryHistoryDefaultsMinutes(t *testing.T) {
	t.Parallel()
	store := &fakeRollupStore{}
	h, err := QueryHistory(context.Background(), store, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if h.TierResolution != "minute" {
		t.Errorf("default window should resolve to minute buckets, got %q", h.TierResolution)
	}
	if len(h.Points) != 0 {
		t.Errorf("expected no points for empty store, got %d", len(h.Points))
	}
}
