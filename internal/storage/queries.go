package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quotagate/quotagate/internal/telemetry"
)

// InsertSnapshot persists one quota snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snap *telemetry.Snapshot) error {
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			timestamp, model, requests_remaining, tokens_remaining,
			input_tokens_remaining, output_tokens_remaining,
			requests_reset, tokens_reset, request_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(timeFormat),
		snap.Model,
		snap.RequestsRemaining,
		snap.TokensRemaining,
		snap.InputTokensRemaining,
		snap.OutputTokensRemaining,
		snap.RequestsReset,
		snap.TokensReset,
		snap.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently inserted snapshot, or nil when
// none has been recorded yet.
func (s *Store) LatestSnapshot(ctx context.Context) (*telemetry.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, model, requests_remaining, tokens_remaining,
			   input_tokens_remaining, output_tokens_remaining,
			   requests_reset, tokens_reset, request_id
		FROM snapshots
		ORDER BY id DESC
		LIMIT 1`)

	var (
		snap      telemetry.Snapshot
		ts        string
		reqRem    sql.NullInt64
		tokRem    sql.NullInt64
		inTokRem  sql.NullInt64
		outTokRem sql.NullInt64
	)
	err := row.Scan(&ts, &snap.Model, &reqRem, &tokRem, &inTokRem, &outTokRem,
		&snap.RequestsReset, &snap.TokensReset, &snap.RequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}

	if parsed, perr := time.ParseInLocation(timeFormat, ts, time.UTC); perr == nil {
		snap.Timestamp = parsed
	}
	snap.RequestsRemaining = nullableInt(reqRem)
	snap.TokensRemaining = nullableInt(tokRem)
	snap.InputTokensRemaining = nullableInt(inTokRem)
	snap.OutputTokensRemaining = nullableInt(outTokRem)
	return &snap, nil
}

// InsertCall persists one finalized call record.
func (s *Store) InsertCall(ctx context.Context, call *telemetry.Call) error {
	ts := call.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (
			timestamp, request_id, model, routed_from, routed_to,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			stop_reason, cost_usd, latency_ms, streaming, error_code
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(timeFormat),
		call.RequestID,
		call.Model,
		call.RoutedFrom,
		call.RoutedTo,
		call.Usage.InputTokens,
		call.Usage.OutputTokens,
		call.Usage.CacheReadTokens,
		call.Usage.CacheCreationTokens,
		call.Usage.StopReason,
		call.CostUSD,
		call.LatencyMs,
		boolToInt(call.Streaming),
		call.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}
	return nil
}

// Stats aggregates call records over a trailing window.
type Stats struct {
	WindowMs            int64   `json:"window_ms"`
	Calls               int64   `json:"calls"`
	ErrorCalls          int64   `json:"error_calls"`
	ReroutedCalls       int64   `json:"rerouted_calls"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

// Aggregate computes summary statistics for calls within the trailing window.
func (s *Store) Aggregate(ctx context.Context, window time.Duration) (Stats, error) {
	stats := Stats{WindowMs: window.Milliseconds()}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN error_code != '' THEN 1 ELSE 0 END),
			SUM(CASE WHEN routed_to != '' THEN 1 ELSE 0 END),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM calls
		WHERE timestamp >= datetime('now', ?)`,
		fmt.Sprintf("-%d seconds", int64(window.Seconds())),
	)

	var errCalls, rerouted sql.NullInt64
	err := row.Scan(&stats.Calls, &errCalls, &rerouted,
		&stats.InputTokens, &stats.OutputTokens,
		&stats.CacheReadTokens, &stats.CacheCreationTokens,
		&stats.TotalCostUSD, &stats.AvgLatencyMs)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate calls: %w", err)
	}
	stats.ErrorCalls = errCalls.Int64
	stats.ReroutedCalls = rerouted.Int64
	return stats, nil
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
