// Package money holds the decimal helpers used for offers, taxes and payment gates.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tolerance is the largest difference at which two stated amounts still agree.
var Tolerance = decimal.RequireFromString("0.01")

// Parse reads an amount such as "10", "$10.5" or "1,250.00".
// At most two decimal places are accepted and negative values are rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return decimal.Zero, fmt.Errorf("amount %q has more than two decimals", s)
	}
	return d, nil
}

// WithTax returns amount × (1+rate) rounded half-up to cents.
func WithTax(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(1).Add(rate)).Round(2)
}

// Agree reports whether a and b differ by no more than Tolerance.
func Agree(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Format renders whole amounts without decimals and everything else with two.
func Format(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return d.Truncate(0).String()
	}
	return d.StringFixed(2)
}
