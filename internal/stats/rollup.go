package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

const (
	rollupChanSize  = 1000
	rollupFlushEvery = 5 * time.Second
	rollupDrainTime  = 10 * time.Second
)

// Rollup is one bucketed aggregate row, persisted to the sqlite store and
// read back for GET /history. Adapted from the teacher's UsageRollup shape
// (internal/worker/usage_rollup.go), keyed by tier instead of org/key/model.
type Rollup struct {
	Tier            string
	Resolution      string
	BucketStart     time.Time
	RequestCount    int64
	ErrorCount      int64
	TotalLatencyMs  int64
	CostUSD         float64
	InputTokens     int64
	OutputTokens    int64
}

// RollupStore is the persistence interface consumed by RollupWorker,
// implemented by internal/storage/sqlite.
type RollupStore interface {
	UpsertRollups(ctx context.Context, rollups []Rollup) error
	QueryRollups(ctx context.Context, resolution string, since time.Time) ([]Rollup, error)
}

// HistoryPoint is one bucket in a GET /history response.
type HistoryPoint struct {
	Bucket       string  `json:"bucket"`
	RequestCount int64   `json:"requestCount"`
	ErrorCount   int64   `json:"errorCount"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
}

// History is the GET /history response shape from spec §6.
type History struct {
	Tier               string         `json:"tier"`
	TierResolution     string         `json:"tierResolution"`
	ExpectedInterval   int64          `json:"expectedInterval"`
	ExpectedPointCount int            `json:"expectedPointCount"`
	ActualPointCount   int            `json:"actualPointCount"`
	DataAgeMs          int64          `json:"dataAgeMs"`
	SchemaVersion      int            `json:"schemaVersion"`
	Points             []HistoryPoint `json:"points"`
}

// resolutionFor picks a bucket width for a requested window, coarsening as
// the window grows so the point count stays bounded.
func resolutionFor(minutes int) (name string, width time.Duration) {
	switch {
	case minutes <= 120:
		return "minute", time.Minute
	case minutes <= 2880:
		return "hour", time.Hour
	default:
		return "day", 24 * time.Hour
	}
}

// RollupRecorder buffers completed-request observations and periodically
// flushes bucketed aggregates to a RollupStore. Grounded on the teacher's
// UsageRecorder (channel + batch-flush worker) combined with UsageRollupWorker
// (bucket aggregation), collapsed into one worker since observations already
// arrive one-per-request rather than needing a separate raw-row query step.
type RollupRecorder struct {
	ch    chan observation
	store RollupStore
}

type observation struct {
	tier      string
	ts        time.Time
	latencyMs int64
	failed    bool
	costUSD   float64
	inTokens  int64
	outTokens int64
}

// NewRollupRecorder creates a RollupRecorder backed by store.
func NewRollupRecorder(store RollupStore) *RollupRecorder {
	return &RollupRecorder{
		ch:    make(chan observation, rollupChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (r *RollupRecorder) Name() string { return "history_rollup" }

// Observe enqueues a completed request for rollup. Never blocks; drops on a
// full channel, matching the teacher's backpressure-on-slow-DB stance.
func (r *RollupRecorder) Observe(req *core.Request) {
	obs := observation{
		tier:      string(req.RoutingDecision.Tier),
		ts:        req.Timestamps.Completed,
		latencyMs: req.LastAttempt().LatencyMs,
		failed:    req.ErrorKind != core.ErrKindNone,
		costUSD:   req.CostUSD,
		inTokens:  int64(req.InputTokens),
		outTokens: int64(req.OutputTokens),
	}
	if obs.tier == "" {
		obs.tier = "default"
	}
	if obs.ts.IsZero() {
		obs.ts = time.Now().UTC()
	}
	select {
	case r.ch <- obs:
	default:
		slog.Warn("history rollup observation dropped, channel full")
	}
}

// Run aggregates observations into minute, hour and day buckets and flushes them
// periodically until ctx is cancelled, then drains the remainder.
func (r *RollupRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(rollupFlushEvery)
	defer ticker.Stop()

	agg := make(map[rollupKey]*Rollup)

	for {
		select {
		case o := <-r.ch:
			accumulate(agg, o)

		case <-ticker.C:
			r.flush(ctx, agg)
			agg = make(map[rollupKey]*Rollup)

		case <-ctx.Done():
			r.drain(agg)
			return nil
		}
	}
}

type rollupKey struct {
	tier       string
	resolution string
	bucket     time.Time
}

func accumulate(agg map[rollupKey]*Rollup, o observation) {
	for _, res := range []struct {
		name  string
		width time.Duration
	}{{"minute", time.Minute}, {"hour", time.Hour}, {"day", 24 * time.Hour}} {
		bucket := o.ts.UTC().Truncate(res.width)
		k := rollupKey{tier: o.tier, resolution: res.name, bucket: bucket}
		ru, ok := agg[k]
		if !ok {
			ru = &Rollup{Tier: o.tier, Resolution: res.name, BucketStart: bucket}
			agg[k] = ru
		}
		ru.RequestCount++
		if o.failed {
			ru.ErrorCount++
		}
		ru.TotalLatencyMs += o.latencyMs
		ru.CostUSD += o.costUSD
		ru.InputTokens += o.inTokens
		ru.OutputTokens += o.outTokens
	}
}

func (r *RollupRecorder) flush(ctx context.Context, agg map[rollupKey]*Rollup) {
	if len(agg) == 0 {
		return
	}
	rollups := make([]Rollup, 0, len(agg))
	for _, ru := range agg {
		rollups = append(rollups, *ru)
	}
	if err := r.store.UpsertRollups(ctx, rollups); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "history rollup flush failed",
			slog.Int("count", len(rollups)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *RollupRecorder) drain(agg map[rollupKey]*Rollup) {
	ctx, cancel := context.WithTimeout(context.Background(), rollupDrainTime)
	defer cancel()

	for {
		select {
		case o := <-r.ch:
			accumulate(agg, o)
		default:
			r.flush(ctx, agg)
			return
		}
	}
}

// QueryHistory reads back rollups for GET /history, choosing a resolution
// from the requested window per resolutionFor.
func QueryHistory(ctx context.Context, store RollupStore, minutes, schemaVersion int) (History, error) {
	if minutes <= 0 {
		minutes = 60
	}
	resolution, width := resolutionFor(minutes)
	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)

	rows, err := store.QueryRollups(ctx, resolution, since)
	if err != nil {
		return History{}, err
	}

	byBucket := make(map[time.Time]*HistoryPoint)
	var latest time.Time
	for _, ru := range rows {
		p, ok := byBucket[ru.BucketStart]
		if !ok {
			p = &HistoryPoint{Bucket: ru.BucketStart.Format(time.RFC3339)}
			byBucket[ru.BucketStart] = p
		}
		p.RequestCount += ru.RequestCount
		p.ErrorCount += ru.ErrorCount
		p.Cost += ru.CostUSD
		p.InputTokens += ru.InputTokens
		p.OutputTokens += ru.OutputTokens
		if ru.RequestCount > 0 {
			p.AvgLatencyMs = float64(ru.TotalLatencyMs) / float64(ru.RequestCount)
		}
		if ru.BucketStart.After(latest) {
			latest = ru.BucketStart
		}
	}

	points := make([]HistoryPoint, 0, len(byBucket))
	for _, p := range byBucket {
		points = append(points, *p)
	}
	sortPointsByBucket(points)

	expectedPoints := int(time.Duration(minutes)*time.Minute/width) + 1
	var ageMs int64
	if !latest.IsZero() {
		ageMs = time.Since(latest).Milliseconds()
	}

	return History{
		Tier:               "all",
		TierResolution:     resolution,
		ExpectedInterval:   width.Milliseconds(),
		ExpectedPointCount: expectedPoints,
		ActualPointCount:   len(points),
		DataAgeMs:          ageMs,
		SchemaVersion:      schemaVersion,
		Points:             points,
	}, nil
}

func sortPointsByBucket(points []HistoryPoint) {
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].Bucket < points[j-1].Bucket; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
}
