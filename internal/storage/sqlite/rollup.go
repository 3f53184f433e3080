package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/RicherTunes/ai-proxy-sub011/internal/stats"
)

// UpsertRollups writes or merges a batch of history rollups in a single
// statement, the same multi-row-INSERT shape the teacher uses for usage
// records (internal/storage/sqlite/usage.go), extended with an upsert clause
// since rollup buckets are revisited across flush cycles.
func (s *Store) UpsertRollups(ctx context.Context, rollups []stats.Rollup) error {
	if len(rollups) == 0 {
		return nil
	}

	const cols = 9
	placeholders := make([]string, len(rollups))
	args := make([]any, 0, len(rollups)*cols)

	for i, r := range rollups {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.Tier, r.Resolution, r.BucketStart.UTC().Format(time.RFC3339),
			r.RequestCount, r.ErrorCount, r.TotalLatencyMs,
			r.CostUSD, r.InputTokens, r.OutputTokens,
		)
	}

	query := `INSERT INTO history_rollups
		(tier, resolution, bucket_start, request_count, error_count, total_latency_ms, cost_usd, input_tokens, output_tokens)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (tier, resolution, bucket_start) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			error_count = error_count + excluded.error_count,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms,
			cost_usd = cost_usd + excluded.cost_usd,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens`

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryRollups returns all rollups at the given resolution with a bucket
// start at or after since, ordered oldest first.
func (s *Store) QueryRollups(ctx context.Context, resolution string, since time.Time) ([]stats.Rollup, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT tier, resolution, bucket_start, request_count, error_count, total_latency_ms, cost_usd, input_tokens, output_tokens
		FROM history_rollups
		WHERE resolution = ? AND bucket_start >= ?
		ORDER BY bucket_start ASC`,
		resolution, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stats.Rollup
	for rows.Next() {
		var r stats.Rollup
		var bucket string
		if err := rows.Scan(&r.Tier, &r.Resolution, &bucket, &r.RequestCount, &r.ErrorCount, &r.TotalLatencyMs, &r.CostUSD, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, err
		}
		r.BucketStart, err = time.Parse(time.RFC3339, bucket)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
