package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/quotagate/quotagate/internal/alerts"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/events"
	"github.com/quotagate/quotagate/internal/storage"
	"github.com/quotagate/quotagate/internal/telemetry"
)

type testHarness struct {
	gateway  *Gateway
	server   *httptest.Server
	store    *storage.Store
	upstream *httptest.Server
}

func newHarness(t *testing.T, upstream http.HandlerFunc) *testHarness {
	t.Helper()

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Upstream.BaseURL = up.URL

	hub := events.NewHub()
	t.Cleanup(hub.Close)
	evaluator := alerts.New(alerts.Config{
		WarningThreshold:  cfg.Alerts.WarningThreshold,
		CriticalThreshold: cfg.Alerts.CriticalThreshold,
		KnownTokenLimit:   cfg.Routing.KnownTokenLimit,
	}, nil, hub)

	g := New(cfg, store, hub, evaluator)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	return &testHarness{gateway: g, server: srv, store: store, upstream: up}
}

func (h *testHarness) seedSnapshot(t *testing.T, tokensRemaining int64) {
	t.Helper()
	require.NoError(t, h.store.InsertSnapshot(context.Background(), &telemetry.Snapshot{
		TokensRemaining: &tokensRemaining,
	}))
}

func (h *testHarness) waitForCalls(t *testing.T, want int64) storage.Stats {
	t.Helper()
	var stats storage.Stats
	require.Eventually(t, func() bool {
		var err error
		stats, err = h.store.Aggregate(context.Background(), time.Hour)
		return err == nil && stats.Calls == want
	}, 2*time.Second, 10*time.Millisecond)
	return stats
}

const messagesBody = `{"model":"claude-opus-4-6","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`

func TestProxy_BufferedPassThrough(t *testing.T) {
	upstreamResponse := `{"id":"msg_1","model":"claude-opus-4-6","stop_reason":"end_turn",` +
		`"usage":{"input_tokens":1200,"output_tokens":340}}`

	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "claude-opus-4-6", gjson.GetBytes(body, "model").Str)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("anthropic-ratelimit-tokens-remaining", "350000")
		w.Header().Set("anthropic-ratelimit-tokens-reset", "2026-08-25T12:00:00Z")
		_, _ = w.Write([]byte(upstreamResponse))
	})

	resp, err := http.Post(h.server.URL+"/v1/messages", "application/json", strings.NewReader(messagesBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, upstreamResponse, string(body))
	assert.Equal(t, "350000", resp.Header.Get("anthropic-ratelimit-tokens-remaining"))
	assert.Empty(t, resp.Header.Get(HeaderRouted))

	// Snapshot persisted from the response headers.
	snap, err := h.store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NotNil(t, snap.TokensRemaining)
	assert.Equal(t, int64(350_000), *snap.TokensRemaining)
	assert.Equal(t, "claude-opus-4-6", snap.Model)

	// Call recorded with usage and a nonzero cost.
	stats := h.waitForCalls(t, 1)
	assert.Equal(t, int64(1200), stats.InputTokens)
	assert.Equal(t, int64(340), stats.OutputTokens)
	assert.Greater(t, stats.TotalCostUSD, 0.0)
	assert.Zero(t, stats.ErrorCalls)
}

func TestProxy_ReroutesWhenQuotaLow(t *testing.T) {
	var upstreamModel string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamModel = gjson.GetBytes(body, "model").Str
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":5}}`))
	})

	h.seedSnapshot(t, 40_000) // 90% used, above the 80% threshold

	resp, err := http.Post(h.server.URL+"/v1/messages", "application/json", strings.NewReader(messagesBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)

	assert.Equal(t, "claude-sonnet-4-5", upstreamModel)
	assert.Equal(t, "true", resp.Header.Get(HeaderRouted))
	assert.Equal(t, "claude-opus-4-6", resp.Header.Get(HeaderRoutedFrom))
	assert.Equal(t, "claude-sonnet-4-5", resp.Header.Get(HeaderRoutedTo))
	assert.Equal(t, "quota-threshold", resp.Header.Get(HeaderRoutedReason))

	stats := h.waitForCalls(t, 1)
	assert.Equal(t, int64(1), stats.ReroutedCalls)
}

func TestProxy_NoRerouteWhenQuotaHealthy(t *testing.T) {
	var upstreamModel string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamModel = gjson.GetBytes(body, "model").Str
		_, _ = w.Write([]byte(`{}`))
	})

	h.seedSnapshot(t, 300_000) // 25% used

	resp, err := http.Post(h.server.URL+"/v1/messages", "application/json", strings.NewReader(messagesBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.ReadAll(resp.Body)

	assert.Equal(t, "claude-opus-4-6", upstreamModel)
	assert.Empty(t, resp.Header.Get(HeaderRouted))
}

func TestProxy_StreamingByteIdentical(t *testing.T) {
	stream := "event: message_start\n" +
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":100}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":25}}` + "\n\n"

	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		// Emit in small chunks to exercise the incremental tap.
		for i := 0; i < len(stream); i += 17 {
			end := i + 17
			if end > len(stream) {
				end = len(stream)
			}
			_, _ = w.Write([]byte(stream[i:end]))
			flusher.Flush()
		}
	})

	resp, err := http.Post(h.server.URL+"/v1/messages", "application/json", strings.NewReader(messagesBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, stream, string(body))

	stats := h.waitForCalls(t, 1)
	assert.Equal(t, int64(100), stats.InputTokens)
	assert.Equal(t, int64(25), stats.OutputTokens)
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})
	// Point at a closed port.
	h.gateway.cfg.Upstream.BaseURL = "http://127.0.0.1:1"

	resp, err := http.Post(h.server.URL+"/v1/messages", "application/json", strings.NewReader(messagesBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "upstream_unreachable", errBody["error"])
	assert.NotEmpty(t, errBody["message"])

	// No call is recorded when the upstream never answered.
	stats, err := h.store.Aggregate(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, stats.Calls)
}

func TestProxy_UpstreamErrorRelayedWithCode(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"quota exceeded"}}`))
	})

	resp, err := http.Post(h.server.URL+"/v1/messages", "application/json", strings.NewReader(messagesBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(body), "rate_limit_error")

	stats := h.waitForCalls(t, 1)
	assert.Equal(t, int64(1), stats.ErrorCalls)
}

func TestProxy_NoSnapshotWithoutQuotaHeaders(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	resp, err := http.Post(h.server.URL+"/v1/messages", "application/json", strings.NewReader(messagesBody))
	require.NoError(t, err)
	_ = resp.Body.Close()

	h.waitForCalls(t, 1)
	snap, err := h.store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}

func TestStats_FromLoopback(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})
	h.seedSnapshot(t, 100_000)

	resp, err := http.Get(h.server.URL + "/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.NotNil(t, stats.Quota.TokensRemaining)
	assert.Equal(t, int64(100_000), *stats.Quota.TokensRemaining)
	require.NotNil(t, stats.Quota.UsedPercent)
	assert.Equal(t, 75, *stats.Quota.UsedPercent)
}

func TestProxy_RequestIDPropagated(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("anthropic-ratelimit-tokens-remaining", "200000")
		_, _ = w.Write([]byte(`{}`))
	})

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v1/messages", strings.NewReader(messagesBody))
	require.NoError(t, err)
	req.Header.Set("request-id", "req_client_42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	h.waitForCalls(t, 1)
	snap, err := h.store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "req_client_42", snap.RequestID)
}

func TestProxy_QueryStringForwarded(t *testing.T) {
	var gotURI string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{}`))
	})

	resp, err := http.Get(fmt.Sprintf("%s/v1/models?limit=5", h.server.URL))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "/v1/models?limit=5", gotURI)
}
