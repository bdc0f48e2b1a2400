// Package gateway is the transparent intercepting proxy.
//
// DESIGN: Main request flow:
//   - handleProxy():     Entry point for all intercepted LLM requests
//   - forward():         Send the (possibly rerouted) body upstream
//   - relayBuffered():   Standard response with usage extraction
//   - relayStreaming():  SSE pass-through with an incremental usage tap
//
// Interception is observational: forwarded bytes reach the client unchanged
// except for the single model-field rewrite made before the upstream send.
// Telemetry failures (storage, parsing, alerting) are logged and swallowed;
// they never surface as request errors.
package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotagate/quotagate/internal/alerts"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/events"
	"github.com/quotagate/quotagate/internal/router"
	"github.com/quotagate/quotagate/internal/storage"
)

// Gateway proxies client traffic to the upstream API while recording quota
// telemetry on the side.
type Gateway struct {
	cfg       *config.Config
	store     *storage.Store
	hub       *events.Hub
	evaluator *alerts.Evaluator
	policy    router.Policy

	httpClient *http.Client
	server     *http.Server
	startTime  time.Time
}

// New wires a gateway from its collaborators. store, hub, and evaluator must
// be non-nil; the gateway does not own their lifecycles.
func New(cfg *config.Config, store *storage.Store, hub *events.Hub, evaluator *alerts.Evaluator) *Gateway {
	policy := router.Policy{
		Enabled:         cfg.Routing.Enabled,
		Threshold:       cfg.Routing.Threshold,
		KnownTokenLimit: cfg.Routing.KnownTokenLimit,
		Ladder:          cfg.Routing.Ladder,
	}
	if len(policy.Ladder) == 0 {
		policy.Ladder = router.DefaultLadder()
	}

	g := &Gateway{
		cfg:       cfg,
		store:     store,
		hub:       hub,
		evaluator: evaluator,
		policy:    policy,
		httpClient: &http.Client{
			// No overall timeout: SSE responses stream for minutes. The
			// request context bounds each exchange instead.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: config.DefaultDialTimeout,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/stats", g.handleStats)
	mux.Handle("/ws", hub)
	mux.HandleFunc("/", g.handleProxy)

	g.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g
}

// Start blocks serving HTTP until the server is shut down.
func (g *Gateway) Start() error {
	log.Info().
		Str("addr", g.server.Addr).
		Str("upstream", g.cfg.Upstream.BaseURL).
		Bool("routing", g.policy.Enabled).
		Msg("gateway listening")
	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and disconnects event clients.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.hub.Close()
	return g.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

// isLoopback reports whether the remote address is a loopback interface.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
