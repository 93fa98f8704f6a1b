// Package util provides common utility functions for price math and IDs.
package util

import "math"

// Round2 rounds x to 2 decimal places (cents). Ties round away from zero.
func Round2(x float64) float64 {
	return roundTo(x, 100)
}

// Round4 rounds x to 4 decimal places. Used for quote midpoints and
// indicator values where sub-cent precision matters.
func Round4(x float64) float64 {
	return roundTo(x, 10000)
}

func roundTo(x, scale float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x*scale) / scale
}

// MidPrice returns the bid/ask midpoint rounded to 4 decimals. When one side
// of the book is empty it falls back to the other side; when both are empty
// it returns 0.
func MidPrice(bid, ask float64) float64 {
	switch {
	case bid > 0 && ask > 0:
		return Round4((bid + ask) / 2)
	case ask > 0:
		return ask
	default:
		return bid
	}
}
