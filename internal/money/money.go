// Package money provides monetary arithmetic for the ledger. Amounts are
// parsed and kept at full precision; quantization to two decimal digits
// (half-away-from-zero) happens on sums and on display, never per amount,
// so accumulated values cannot drift from rounding.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal digits every stored amount carries.
const Places = 2

// Parse converts a raw amount string into a decimal, preserving the input's
// full precision. It accepts thousands-separator commas ("1,234.56") and
// accounting negative notation ("(123.45)" means -123.45).
func Parse(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	s = strings.ReplaceAll(s, ",", "")
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + s[1:len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount value %q", raw)
	}
	return d, nil
}

// MustParse is Parse for literals; it panics on error. Test helper.
func MustParse(raw string) decimal.Decimal {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Quantize rounds d to two decimal places, half away from zero.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Sum adds the given amounts and quantizes the total. The balance invariant
// is checked on this quantized sum, not per addend, so a set of already
// normalized splits never drifts under accumulation.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return Quantize(total)
}

// Format renders an amount with exactly two decimal digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
