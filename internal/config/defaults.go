// Package config - defaults.go centralizes magic numbers and default values.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultPort is the local port the proxy listens on.
const DefaultPort = 8787

// DefaultHost binds to loopback only; the proxy is a local intermediary.
const DefaultHost = "127.0.0.1"

// DefaultReadTimeout for the HTTP server.
const DefaultReadTimeout = 1 * time.Minute

// DefaultWriteTimeout for the HTTP server (safe for long streams).
const DefaultWriteTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum allowed inbound request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// =============================================================================
// UPSTREAM
// =============================================================================

// DefaultUpstreamBaseURL is the Anthropic API endpoint.
const DefaultUpstreamBaseURL = "https://api.anthropic.com"

// DefaultDialTimeout is the TCP dial timeout for upstream connections.
const DefaultDialTimeout = 30 * time.Second

// =============================================================================
// ROUTING AND ALERTS
// =============================================================================

// DefaultRouteThreshold is the used-percent at which downgrade routing kicks in.
const DefaultRouteThreshold = 80

// DefaultKnownTokenLimit approximates the tokens-per-window quota ceiling.
// The upstream protocol only exposes remaining counts, so this is a
// configured guess, not a derived value.
const DefaultKnownTokenLimit = 400_000

// DefaultWarningThreshold is the used-percent for warning alerts.
const DefaultWarningThreshold = 80

// DefaultCriticalThreshold is the used-percent for critical alerts.
const DefaultCriticalThreshold = 95

// =============================================================================
// STORAGE AND STATS
// =============================================================================

// DefaultDBPath is the SQLite file for snapshots and call records.
const DefaultDBPath = "quotagate.db"

// DefaultStatsWindow is the trailing window for the /stats endpoint.
const DefaultStatsWindow = 1 * time.Hour
