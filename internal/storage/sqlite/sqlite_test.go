package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/stats"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndQueryRollups(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	bucket := time.Now().UTC().Truncate(time.Minute)
	err := s.UpsertRollups(ctx, []stats.Rollup{
		{Tier: "light", Resolution: "minute", BucketStart: bucket, RequestCount: 2, ErrorCount: 0, TotalLatencyMs: 200, CostUSD: 0.01, InputTokens: 20, OutputTokens: 10},
	})
	if err != nil {
		t.Fatal("upsert:", err)
	}

	rows, err := s.QueryRollups(ctx, "minute", bucket.Add(-time.Hour))
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].RequestCount != 2 || rows[0].Tier != "light" {
		t.Errorf("rows[0] = %+v", rows[0])
	}
}

func TestUpsertRollupsMergesOnConflict(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	bucket := time.Now().UTC().Truncate(time.Minute)
	row := stats.Rollup{Tier: "heavy", Resolution: "minute", BucketStart: bucket, RequestCount: 1, TotalLatencyMs: 100, CostUSD: 0.5, InputTokens: 5, OutputTokens: 5}

	if err := s.UpsertRollups(ctx, []stats.Rollup{row}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRollups(ctx, []stats.Rollup{row}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.QueryRollups(ctx, "minute", bucket.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2 (merged)", rows[0].RequestCount)
	}
	if rows[0].CostUSD != 1.0 {
		t.Errorf("CostUSD = %v, want 1.0", rows[0].CostUSD)
	}
}

func TestQueryRollupsFiltersBySince(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Minute)
	recent := time.Now().UTC().Truncate(time.Minute)
	err := s.UpsertRollups(ctx, []stats.Rollup{
		{Tier: "light", Resolution: "minute", BucketStart: old, RequestCount: 1},
		{Tier: "light", Resolution: "minute", BucketStart: recent, RequestCount: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	rows, err := s.QueryRollups(ctx, "minute", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1 (old bucket excluded)", len(rows))
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
