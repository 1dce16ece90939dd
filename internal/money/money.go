// Package money holds currency amounts as integer cents so that revenue
// accumulated over many small conversions never drifts.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Cents is an amount of currency in hundredths of the unit.
type Cents int64

// MaxAmount bounds a single amount at one billion units. Totals of bounded
// amounts stay far from the int64 limit.
const MaxAmount Cents = 100_000_000_000

var (
	// ErrNegative is returned when a negative amount is parsed where only
	// non-negative values make sense.
	ErrNegative = errors.New("amount must not be negative")

	// ErrTooLarge is returned for an amount above MaxAmount.
	ErrTooLarge = fmt.Errorf("amount must not exceed %s", MaxAmount)

	// ErrOverflow is returned when adding to a total would leave the int64 range.
	ErrOverflow = errors.New("amount total out of range")
)

// FromFloat converts a decimal amount to cents, rounding half away from zero.
// v must already be within ±MaxAmount; use ParseAmount for external input.
func FromFloat(v float64) Cents {
	return Cents(math.Round(v * 100))
}

// ParseAmount converts an externally supplied amount, rejecting negatives,
// NaN, infinities and amounts above MaxAmount. The range is checked before
// the float is converted.
func ParseAmount(v float64) (Cents, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid amount %v", v)
	}
	if v < 0 {
		return 0, ErrNegative
	}
	if math.Round(v*100) > float64(MaxAmount) {
		return 0, ErrTooLarge
	}
	return FromFloat(v), nil
}

// Valid reports whether c is a non-negative amount no larger than MaxAmount.
func (c Cents) Valid() bool {
	return c >= 0 && c <= MaxAmount
}

// Add returns c+d, or ErrOverflow when the sum leaves the int64 range.
func (c Cents) Add(d Cents) (Cents, error) {
	sum := c + d
	if (d > 0 && sum < c) || (d < 0 && sum > c) {
		return c, ErrOverflow
	}
	return sum, nil
}

// Float returns the amount in whole units. Use it only at presentation boundaries.
func (c Cents) Float() float64 {
	return float64(c) / 100
}

// String formats the amount with two decimal places.
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON encodes the amount as a decimal number in whole units.
func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Float())
}

// UnmarshalJSON accepts a decimal number in whole units.
func (c *Cents) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if math.Abs(math.Round(f*100)) > float64(MaxAmount) {
		return ErrTooLarge
	}
	*c = FromFloat(f)
	return nil
}

// Round2 rounds a presentation value to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
