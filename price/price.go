// Package price converts exchange decimal strings into fixed-point integers and back.
package price

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional decimal digits kept by a scaled price.
const Precision = 8

// Multiplier is 10^Precision.
const Multiplier int64 = 100_000_000

var ErrInvalidPrice = errors.New("invalid price")

var maxScaled = decimal.NewFromInt(math.MaxInt64)

// Parse converts a plain non-negative decimal string (digits and one point) into a price scaled by Multiplier.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidPrice)
	}
	if i := strings.IndexFunc(s, notPlainDecimal); i >= 0 {
		return 0, fmt.Errorf("%w: %q has unexpected %q", ErrInvalidPrice, s, s[i])
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, s, err)
	}
	scaled := d.Shift(Precision)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidPrice, s, Precision)
	}
	if scaled.GreaterThan(maxScaled) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidPrice, s)
	}
	return scaled.IntPart(), nil
}

// notPlainDecimal rejects signs, exponents and anything else outside digits and the point.
func notPlainDecimal(r rune) bool {
	return (r < '0' || r > '9') && r != '.'
}

// MustParse is Parse for constants and tests.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a scaled price as a decimal string without trailing zeros.
func Format(v int64) string {
	return decimal.New(v, -Precision).String()
}

// Float returns the scaled price as a float64 for display code.
func Float(v int64) float64 {
	f, _ := decimal.New(v, -Precision).Float64()
	return f
}
