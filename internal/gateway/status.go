// Package gateway - status.go exposes health and aggregated usage as JSON.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/router"
	"github.com/quotagate/quotagate/internal/storage"
)

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
		"uptime": time.Since(g.startTime).Truncate(time.Second).String(),
	}
	if err := g.store.Ping(r.Context()); err != nil {
		health["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime string        `json:"uptime"`
	Window storage.Stats `json:"window"`
	Quota  struct {
		TokensRemaining *int64 `json:"tokens_remaining"`
		UsedPercent     *int   `json:"used_percent"`
		TokensReset     string `json:"tokens_reset,omitempty"`
	} `json:"quota"`
	Clients int `json:"ws_clients"`
}

// handleStats returns aggregated call metrics and the latest quota state.
// Restricted to localhost to prevent external access to usage data.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var resp StatsResponse
	resp.Uptime = time.Since(g.startTime).Truncate(time.Second).String()
	resp.Clients = g.hub.ClientCount()

	stats, err := g.store.Aggregate(r.Context(), config.DefaultStatsWindow)
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	resp.Window = stats

	if snap, err := g.store.LatestSnapshot(r.Context()); err == nil && snap != nil {
		resp.Quota.TokensRemaining = snap.TokensRemaining
		resp.Quota.TokensReset = snap.TokensReset
		if used, ok := router.UsedPercent(snap, g.policy.KnownTokenLimit); ok {
			resp.Quota.UsedPercent = &used
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
