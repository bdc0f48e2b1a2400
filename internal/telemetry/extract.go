// Extraction of quota snapshots and usage from raw upstream responses.
package telemetry

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rate-limit headers set by the Anthropic API on every /v1/messages response.
const (
	HeaderRequestsRemaining     = "anthropic-ratelimit-requests-remaining"
	HeaderTokensRemaining       = "anthropic-ratelimit-tokens-remaining"
	HeaderInputTokensRemaining  = "anthropic-ratelimit-input-tokens-remaining"
	HeaderOutputTokensRemaining = "anthropic-ratelimit-output-tokens-remaining"
	HeaderRequestsReset         = "anthropic-ratelimit-requests-reset"
	HeaderTokensReset           = "anthropic-ratelimit-tokens-reset"
	HeaderRequestID             = "request-id"
)

// ExtractSnapshot reads rate-limit headers into a Snapshot.
// Header lookups are case-insensitive (http.Header canonicalizes keys).
// A missing or non-numeric remaining header yields a nil field, never zero.
// Never fails.
func ExtractSnapshot(h http.Header, model string) Snapshot {
	return Snapshot{
		Timestamp:             time.Now(),
		Model:                 model,
		RequestsRemaining:     parseRemaining(h.Get(HeaderRequestsRemaining)),
		TokensRemaining:       parseRemaining(h.Get(HeaderTokensRemaining)),
		InputTokensRemaining:  parseRemaining(h.Get(HeaderInputTokensRemaining)),
		OutputTokensRemaining: parseRemaining(h.Get(HeaderOutputTokensRemaining)),
		RequestsReset:         h.Get(HeaderRequestsReset),
		TokensReset:           h.Get(HeaderTokensReset),
		RequestID:             h.Get(HeaderRequestID),
	}
}

// parseRemaining parses a remaining-count header value.
// Returns nil for empty, non-numeric, or negative values.
func parseRemaining(v string) *int64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// messageBody is the subset of a non-streaming Messages API response we read.
type messageBody struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// ExtractUsage parses a complete JSON response body into a Usage.
// On any parse failure it returns a zero-valued Usage - usage extraction
// must never block response delivery to the client.
func ExtractUsage(body []byte) Usage {
	var msg messageBody
	if err := json.Unmarshal(body, &msg); err != nil {
		return Usage{}
	}

	u := Usage{
		InputTokens:         max64(msg.Usage.InputTokens, 0),
		OutputTokens:        max64(msg.Usage.OutputTokens, 0),
		CacheReadTokens:     max64(msg.Usage.CacheReadInputTokens, 0),
		CacheCreationTokens: max64(msg.Usage.CacheCreationInputTokens, 0),
		StopReason:          msg.StopReason,
		Model:               msg.Model,
	}
	return u
}

// IsStreamingResponse reports whether the content-type indicates an SSE stream.
func IsStreamingResponse(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
