// Package pricing maps model names and token counts to estimated USD cost.
//
// DESIGN: Rates are an external data input, not a computed artifact. The
// lookup never fails: exact name match first, then family prefix match in
// either direction (a dated model name matches its bare family and vice
// versa), then a case-insensitive keyword match, then mid-tier defaults.
package pricing

import "strings"

// ModelPricing holds per-million-token rates for a model.
type ModelPricing struct {
	InputPerMTok  float64 // USD per million input tokens
	OutputPerMTok float64 // USD per million output tokens
}

// Cache token multipliers relative to the input rate.
// Reads are billed at a discount, creation carries write overhead.
const (
	cacheReadMultiplier     = 0.1
	cacheCreationMultiplier = 1.25
)

var (
	opusPricing   = ModelPricing{InputPerMTok: 15, OutputPerMTok: 75}
	sonnetPricing = ModelPricing{InputPerMTok: 3, OutputPerMTok: 15}
	haikuPricing  = ModelPricing{InputPerMTok: 1, OutputPerMTok: 5}
)

// modelPricingTable maps exact model names to rates.
var modelPricingTable = map[string]ModelPricing{
	"claude-opus-4-6":            opusPricing,
	"claude-opus-4-0-20250514":   opusPricing,
	"claude-sonnet-4-5":          sonnetPricing,
	"claude-sonnet-4-5-20250929": sonnetPricing,
	"claude-sonnet-4-0-20250514": sonnetPricing,
	"claude-haiku-4-5":           haikuPricing,
	"claude-haiku-4-5-20251001":  haikuPricing,
	"claude-3-5-sonnet-20241022": sonnetPricing,
	"claude-3-5-haiku-20241022":  haikuPricing,
}

// modelFamilyPricing maps family prefixes to rates for the bidirectional
// prefix stage of the lookup.
var modelFamilyPricing = map[string]ModelPricing{
	"claude-opus-4-6":   opusPricing,
	"claude-sonnet-4-5": sonnetPricing,
	"claude-haiku-4-5":  haikuPricing,
	"claude-3-5-sonnet": sonnetPricing,
	"claude-3-5-haiku":  haikuPricing,
	"claude-opus":       opusPricing,
	"claude-sonnet":     sonnetPricing,
	"claude-haiku":      haikuPricing,
}

// familyKeywords is the final substring fallback, checked in tier order.
var familyKeywords = []struct {
	keyword string
	pricing ModelPricing
}{
	{"opus", opusPricing},
	{"sonnet", sonnetPricing},
	{"haiku", haikuPricing},
}

// defaultPricing is the mid-tier fallback for unrecognized models.
var defaultPricing = sonnetPricing

// Resolve returns rates for a model. Never fails, never returns a zero rate.
// Precedence: exact match, prefix match (longest prefix wins, in either
// direction), keyword fallback, mid-tier default.
func Resolve(model string) ModelPricing {
	if p, ok := modelPricingTable[model]; ok {
		return p
	}

	bestLen := 0
	var best ModelPricing
	for prefix, p := range modelFamilyPricing {
		// A dated/suffixed name matches its family prefix, and a bare family
		// name matches a longer known prefix.
		if strings.HasPrefix(model, prefix) || strings.HasPrefix(prefix, model) {
			if len(prefix) > bestLen {
				bestLen = len(prefix)
				best = p
			}
		}
	}
	if bestLen > 0 {
		return best
	}

	lower := strings.ToLower(model)
	for _, fk := range familyKeywords {
		if strings.Contains(lower, fk.keyword) {
			return fk.pricing
		}
	}

	return defaultPricing
}

// EstimateCost computes the USD cost for one call.
// Cache reads are priced at 10% of the input rate, cache creation at 125%.
// Zero tokens of any kind contribute exactly zero.
func EstimateCost(model string, inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int64) float64 {
	p := Resolve(model)
	cost := float64(inputTokens) / 1_000_000 * p.InputPerMTok
	cost += float64(outputTokens) / 1_000_000 * p.OutputPerMTok
	cost += float64(cacheReadTokens) / 1_000_000 * p.InputPerMTok * cacheReadMultiplier
	cost += float64(cacheCreationTokens) / 1_000_000 * p.InputPerMTok * cacheCreationMultiplier
	return cost
}
