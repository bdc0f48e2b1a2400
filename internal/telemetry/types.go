// Package telemetry types - quota and usage records derived from intercepted traffic.
//
// DESIGN: These types are shared by the gateway, router, alerts, and storage
// packages. Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - Snapshot: point-in-time rate-limit state from response headers
//   - Usage:    token accounting for one call (possibly accumulated from SSE)
//   - Call:     the full record of one proxied request/response exchange
package telemetry

import "time"

// Snapshot is the quota state observed on a single upstream response.
// All "remaining" fields are nil when the header is missing or unparsable;
// a parse failure never masquerades as zero.
type Snapshot struct {
	Timestamp             time.Time `json:"timestamp"`
	Model                 string    `json:"model,omitempty"`
	RequestsRemaining     *int64    `json:"requests_remaining,omitempty"`
	TokensRemaining       *int64    `json:"tokens_remaining,omitempty"`
	InputTokensRemaining  *int64    `json:"input_tokens_remaining,omitempty"`
	OutputTokensRemaining *int64    `json:"output_tokens_remaining,omitempty"`
	RequestsReset         string    `json:"requests_reset,omitempty"`
	TokensReset           string    `json:"tokens_reset,omitempty"`
	RequestID             string    `json:"request_id,omitempty"`
}

// Usage holds token counts for one completed call.
// For streaming responses the counts accumulate across SSE events;
// for buffered responses they come from a single parsed body.
type Usage struct {
	InputTokens         int64  `json:"input_tokens"`
	OutputTokens        int64  `json:"output_tokens"`
	CacheReadTokens     int64  `json:"cache_read_tokens"`
	CacheCreationTokens int64  `json:"cache_creation_tokens"`
	StopReason          string `json:"stop_reason,omitempty"`
	Model               string `json:"model,omitempty"`
}

// Total returns the sum of all token counts.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Call records one proxied request-response exchange. Created at request
// arrival, filled in as the response progresses, finalized exactly once.
type Call struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Model      string    `json:"model,omitempty"`
	RoutedFrom string    `json:"routed_from,omitempty"`
	RoutedTo   string    `json:"routed_to,omitempty"`
	Usage      Usage     `json:"usage"`
	CostUSD    float64   `json:"cost_usd"`
	LatencyMs  int64     `json:"latency_ms"`
	Streaming  bool      `json:"streaming"`
	ErrorCode  string    `json:"error_code,omitempty"`
}
