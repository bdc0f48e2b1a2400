// Package router makes the per-request adaptive routing decision.
//
// DESIGN: Pure decision functions over (latest quota snapshot, request body,
// policy). The router never mutates its inputs: the body is rewritten
// copy-on-write via sjson, so concurrent in-flight requests can share the
// same snapshot reference safely. The downgrade ladder is a single hop -
// no multi-hop chaining within one decision.
package router

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/quotagate/quotagate/internal/telemetry"
)

// Policy configures adaptive routing.
type Policy struct {
	Enabled bool
	// Threshold is the used-percent at or above which requests are
	// downgraded. Boundary inclusive.
	Threshold int
	// KnownTokenLimit is a configured approximation of the quota ceiling.
	// The upstream protocol exposes only remaining counts, never the limit,
	// so this is an external input - it is not reconciled against observed
	// data.
	KnownTokenLimit int64
	// Ladder maps a model (exact name or bare family prefix) to its
	// designated cheaper substitute.
	Ladder map[string]string
}

// DefaultThreshold is the used-percent at which downgrading starts.
const DefaultThreshold = 80

// DefaultKnownTokenLimit approximates the tokens-per-window ceiling of a
// typical API tier.
const DefaultKnownTokenLimit = 400_000

// DefaultLadder returns the standard expensive-to-cheaper downgrade map.
// Haiku is the floor and has no entry.
func DefaultLadder() map[string]string {
	return map[string]string{
		"claude-opus-4-6":   "claude-sonnet-4-5",
		"claude-opus":       "claude-sonnet-4-5",
		"claude-sonnet-4-5": "claude-haiku-4-5",
		"claude-sonnet":     "claude-haiku-4-5",
		"claude-3-5-sonnet": "claude-3-5-haiku",
	}
}

// DefaultPolicy returns an enabled policy with default threshold, limit, and
// ladder.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:         true,
		Threshold:       DefaultThreshold,
		KnownTokenLimit: DefaultKnownTokenLimit,
		Ladder:          DefaultLadder(),
	}
}

// Decision is the ephemeral output of one routing call.
// RoutedFrom and RoutedTo are empty when no reroute occurred.
// UsedPercent is nil when no snapshot (or no tokens-remaining) was available.
type Decision struct {
	Body        []byte
	RoutedFrom  string
	RoutedTo    string
	UsedPercent *int
}

// Rerouted reports whether the decision substituted the model.
func (d Decision) Rerouted() bool {
	return d.RoutedTo != ""
}

// UsedPercent computes how much of the known token limit has been consumed.
// Returns false when tokens-remaining is absent or the limit is not positive.
func UsedPercent(snap *telemetry.Snapshot, knownLimit int64) (int, bool) {
	if snap == nil || snap.TokensRemaining == nil || knownLimit <= 0 {
		return 0, false
	}
	used := float64(knownLimit-*snap.TokensRemaining) / float64(knownLimit) * 100
	return int(math.Round(used)), true
}

// ShouldRoute reports whether the current quota state calls for a downgrade.
func ShouldRoute(snap *telemetry.Snapshot, p Policy) (bool, *int) {
	if !p.Enabled {
		return false, nil
	}
	used, ok := UsedPercent(snap, p.KnownTokenLimit)
	if !ok {
		return false, nil
	}
	return used >= p.Threshold, &used
}

// Route applies the policy to a request body. When no reroute applies, the
// original body is returned unmodified. Otherwise the returned body is a
// copy with only the model field replaced; the input slice is never mutated.
func Route(body []byte, snap *telemetry.Snapshot, p Policy) Decision {
	d := Decision{Body: body}

	route, used := ShouldRoute(snap, p)
	d.UsedPercent = used
	if !route {
		return d
	}

	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String || model.Str == "" {
		return d
	}

	target := resolveTarget(model.Str, p.Ladder)
	if target == "" || target == model.Str {
		// Unknown model or already at the floor of the ladder.
		return d
	}

	rewritten, err := sjson.SetBytes(body, "model", target)
	if err != nil {
		return d
	}

	d.Body = rewritten
	d.RoutedFrom = model.Str
	d.RoutedTo = target
	return d
}

// resolveTarget looks up the downgrade target for a model.
// Exact match wins; otherwise the longest ladder key that prefixes the model
// (a dated name matching its bare family) is used.
func resolveTarget(model string, ladder map[string]string) string {
	if target, ok := ladder[model]; ok {
		return target
	}

	bestLen := 0
	best := ""
	for key, target := range ladder {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			bestLen = len(key)
			best = target
		}
	}
	return best
}
