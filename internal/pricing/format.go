package pricing

import "fmt"

// FormatCost renders a cost for display.
// Precision scales with magnitude so sub-millicent calls stay legible:
// exactly "$0.000" for zero, 6 decimals below $0.001, 4 decimals below $0.01,
// 3 decimals otherwise.
func FormatCost(cost float64) string {
	switch {
	case cost == 0:
		return "$0.000"
	case cost < 0.001:
		return fmt.Sprintf("$%.6f", cost)
	case cost < 0.01:
		return fmt.Sprintf("$%.4f", cost)
	default:
		return fmt.Sprintf("$%.3f", cost)
	}
}
