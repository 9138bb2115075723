package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseDecimal parses a human decimal string ("1.5") into 18-decimal fixed point.
func ParseDecimal(s string) (*uint256.Int, error) {
	return ParseUnits(s, DecimalPlaces)
}

// ParseUnits parses a decimal string into an integer with the given number of decimals.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse decimal %q: negative value", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("parse decimal %q: more than %d decimal places", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse decimal %q: overflows 256 bits", s)
	}
	return v, nil
}

// MustParseDecimal is ParseDecimal for constants and tests.
func MustParseDecimal(s string) *uint256.Int {
	v, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatDecimal renders an 18-decimal fixed-point value as a decimal string.
func FormatDecimal(v *uint256.Int) string {
	return FormatUnits(v, DecimalPlaces)
}

// FormatUnits renders an integer with the given number of decimals.
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}
