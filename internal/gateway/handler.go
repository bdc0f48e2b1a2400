// HTTP request handling for the intercepting proxy.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/pricing"
	"github.com/quotagate/quotagate/internal/router"
	"github.com/quotagate/quotagate/internal/telemetry"
	"github.com/quotagate/quotagate/internal/utils"
)

// writeError writes a JSON error response in the gateway's own shape, used
// only when the upstream could not be reached at all.
func (g *Gateway) writeError(w http.ResponseWriter, code, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}

// handleProxy intercepts one client request: route, forward, tap, relay.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := g.getRequestID(r)

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeError(w, "invalid_request", "failed to read request body", http.StatusBadRequest)
		return
	}

	// Latest persisted snapshot drives the routing decision. A read failure
	// degrades to pass-through, never to a request error.
	snap, err := g.store.LatestSnapshot(r.Context())
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("latest snapshot read failed")
		snap = nil
	}

	decision := router.Route(body, snap, g.policy)
	if decision.Rerouted() {
		log.Info().
			Str("request_id", requestID).
			Str("from", decision.RoutedFrom).
			Str("to", decision.RoutedTo).
			Int("used_percent", *decision.UsedPercent).
			Msg("request rerouted to cheaper model")
	}

	resp, err := g.forward(r.Context(), r, decision.Body)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("upstream request failed")
		g.writeError(w, "upstream_unreachable", "upstream request failed", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	model := effectiveModel(decision)

	// Telemetry runs before the first byte reaches the client so the next
	// request already sees this response's quota state.
	g.recordSnapshot(r.Context(), resp, model, requestID)
	if resp.StatusCode == http.StatusTooManyRequests {
		g.evaluator.FlagRateLimited(model, requestID)
	}

	copyHeaders(w.Header(), resp.Header)
	setRoutingHeaders(w.Header(), decision)
	w.WriteHeader(resp.StatusCode)

	call := &telemetry.Call{
		Timestamp:  startTime,
		RequestID:  requestID,
		Model:      model,
		RoutedFrom: decision.RoutedFrom,
		RoutedTo:   decision.RoutedTo,
	}
	if resp.StatusCode >= 400 {
		call.ErrorCode = strconv.Itoa(resp.StatusCode)
	}

	if telemetry.IsStreamingResponse(resp.Header) {
		call.Streaming = true
		g.relayStreaming(w, resp.Body, call, startTime)
	} else {
		g.relayBuffered(w, resp.Body, call, startTime)
	}
}

// relayBuffered copies a complete response through and extracts usage from
// the full body afterwards.
func (g *Gateway) relayBuffered(w http.ResponseWriter, upstream io.Reader, call *telemetry.Call, startTime time.Time) {
	respBody, err := io.ReadAll(upstream)
	if err != nil {
		log.Debug().Err(err).Str("request_id", call.RequestID).Msg("upstream body read failed")
	}
	if len(respBody) > 0 {
		if _, werr := w.Write(respBody); werr != nil {
			log.Debug().Err(werr).Str("request_id", call.RequestID).Msg("client disconnected")
		}
	}

	if call.ErrorCode == "" {
		call.Usage = telemetry.ExtractUsage(respBody)
	} else if t := gjson.GetBytes(respBody, "error.type"); t.Type == gjson.String && t.Str != "" {
		call.ErrorCode = t.Str
	}
	g.finalizeCall(call, startTime)
}

// relayStreaming pumps SSE bytes to the client with per-chunk flushing while
// a tap accumulates usage. A client disconnect finalizes with the partial
// usage observed so far.
func (g *Gateway) relayStreaming(w http.ResponseWriter, upstream io.Reader, call *telemetry.Call, startTime time.Time) {
	flusher, _ := w.(http.Flusher)

	tap := telemetry.NewStreamTap(w, nil)
	buf := make([]byte, 32*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := tap.Write(buf[:n]); werr != nil {
				log.Debug().Err(werr).Str("request_id", call.RequestID).Msg("client disconnected mid-stream")
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Str("request_id", call.RequestID).Msg("upstream stream read failed")
			}
			break
		}
	}

	call.Usage = tap.Finish()
	g.finalizeCall(call, startTime)
}

// finalizeCall prices, persists, and emits the call record exactly once.
func (g *Gateway) finalizeCall(call *telemetry.Call, startTime time.Time) {
	call.LatencyMs = time.Since(startTime).Milliseconds()

	model := call.Usage.Model
	if model == "" {
		model = call.Model
	}
	call.CostUSD = pricing.EstimateCost(model,
		call.Usage.InputTokens, call.Usage.OutputTokens,
		call.Usage.CacheReadTokens, call.Usage.CacheCreationTokens)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.InsertCall(ctx, call); err != nil {
		log.Warn().Err(err).Str("request_id", call.RequestID).Msg("call insert failed")
	}
	g.hub.Emit("call", call)

	log.Info().
		Str("request_id", call.RequestID).
		Str("model", model).
		Int64("input_tokens", call.Usage.InputTokens).
		Int64("output_tokens", call.Usage.OutputTokens).
		Str("cost", pricing.FormatCost(call.CostUSD)).
		Int64("latency_ms", call.LatencyMs).
		Bool("streaming", call.Streaming).
		Msg("call completed")
}

// recordSnapshot extracts, persists, evaluates, and emits the response's
// quota state. Responses without rate-limit headers leave no snapshot.
func (g *Gateway) recordSnapshot(ctx context.Context, resp *http.Response, model, requestID string) {
	snap := telemetry.ExtractSnapshot(resp.Header, model)
	if !hasQuotaState(snap) {
		return
	}
	if snap.RequestID == "" {
		snap.RequestID = requestID
	}

	if err := g.store.InsertSnapshot(ctx, &snap); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("snapshot insert failed")
	}
	g.evaluator.Evaluate(snap)
	g.hub.Emit("snapshot", snap)
}

// hasQuotaState reports whether the snapshot carries any rate-limit signal.
func hasQuotaState(snap telemetry.Snapshot) bool {
	return snap.RequestsRemaining != nil ||
		snap.TokensRemaining != nil ||
		snap.InputTokensRemaining != nil ||
		snap.OutputTokensRemaining != nil ||
		snap.RequestsReset != "" ||
		snap.TokensReset != ""
}

// forward sends the (possibly rewritten) body to the upstream API.
func (g *Gateway) forward(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	targetURL := strings.TrimSuffix(g.cfg.Upstream.BaseURL, "/") + r.URL.RequestURI()

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	copyHeaders(req.Header, r.Header)
	req.Header.Del("Host")
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
	}

	log.Debug().
		Str("url", targetURL).
		Str("x-api-key", utils.MaskKey(r.Header.Get("x-api-key"))).
		Str("authorization", utils.MaskKey(r.Header.Get("Authorization"))).
		Msg("forwarding request")

	return g.httpClient.Do(req)
}

// effectiveModel returns the model name the upstream will actually serve.
func effectiveModel(d router.Decision) string {
	if d.RoutedTo != "" {
		return d.RoutedTo
	}
	if m := gjson.GetBytes(d.Body, "model"); m.Type == gjson.String {
		return m.Str
	}
	return ""
}

// getRequestID gets or generates a request ID.
func (g *Gateway) getRequestID(r *http.Request) string {
	if id := r.Header.Get("request-id"); id != "" {
		return id
	}
	return uuid.New().String()
}
