// Package attribution aggregates tracking events and affiliate link counters
// into revenue and performance metrics, and manages link definitions. Link
// counters are written only by the ingest package.
package attribution

import (
	"github.com/onnwee/autocash/internal/money"
)

// EPC returns earnings per click in currency units, rounded to two places.
// Zero clicks yields 0.
func EPC(revenue money.Cents, clicks int64) float64 {
	if clicks == 0 {
		return 0
	}
	return money.Round2(revenue.Float() / float64(clicks))
}

// ConversionRate returns conversions per click as a percentage, rounded to
// two places. Zero clicks yields 0.
func ConversionRate(conversions, clicks int64) float64 {
	return percent(conversions, clicks)
}

// CTR returns clicks per view as a percentage, rounded to two places.
// Zero views yields 0.
func CTR(clicks, views int64) float64 {
	return percent(clicks, views)
}

func percent(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return money.Round2(float64(n) / float64(d) * 100)
}
