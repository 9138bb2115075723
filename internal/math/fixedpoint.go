package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// DecimalPlaces is the precision shared by amounts, prices and ratios.
const DecimalPlaces = 18

// MaxDecayMinutes caps the exponent fed to DecPow (1000 years of minutes).
const MaxDecayMinutes uint64 = 525_600_000

var (
	decimalPrecision = uint256.NewInt(1_000_000_000_000_000_000)
	maxUint256       = new(uint256.Int).SetAllOne()
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
	RoundHalfUp
)

// One returns 1.0 in 18-decimal fixed point.
func One() *uint256.Int {
	return new(uint256.Int).Set(decimalPrecision)
}

// MaxUint returns 2^256-1, used as the ratio of a debt-free position.
func MaxUint() *uint256.Int {
	return new(uint256.Int).Set(maxUint256)
}

// Units returns n whole units (n * 1e18).
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), decimalPrecision)
}

// Percent returns p percent as a fixed-point fraction.
func Percent(p uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(p), uint256.NewInt(10_000_000_000_000_000))
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// MulDiv computes x*y/d with a 512-bit intermediate and the given rounding.
// Panics if d is zero or the result does not fit 256 bits.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) *uint256.Int {
	if d.IsZero() {
		panic("FATAL: fixed-point division by zero")
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		panic(fmt.Sprintf("FATAL: fixed-point overflow: %s * %s / %s", x.Dec(), y.Dec(), d.Dec()))
	}
	if mode == RoundDown {
		return q
	}

	r := new(uint256.Int).MulMod(x, y, d)
	if r.IsZero() {
		return q
	}

	switch mode {
	case RoundUp:
		q.AddUint64(q, 1)
	case RoundHalfUp, RoundHalfEven:
		// Compare 2r with d without overflowing: r >= d - r
		rest := new(uint256.Int).Sub(d, r)
		cmp := r.Cmp(rest)
		if cmp > 0 || (cmp == 0 && (mode == RoundHalfUp || q.Uint64()&1 == 1)) {
			q.AddUint64(q, 1)
		}
	}
	return q
}

// DecMul multiplies two fixed-point values, rounding half up.
func DecMul(x, y *uint256.Int) *uint256.Int {
	return MulDiv(x, y, decimalPrecision, RoundHalfUp)
}

// DecDiv divides two fixed-point values, rounding down.
func DecDiv(x, y *uint256.Int) *uint256.Int {
	return MulDiv(x, decimalPrecision, y, RoundDown)
}

// MulUnits multiplies a fixed-point fraction by an amount, rounding down.
func MulUnits(amount, fraction *uint256.Int) *uint256.Int {
	return MulDiv(amount, fraction, decimalPrecision, RoundDown)
}

// DecPow raises a fixed-point base to an integer power by squaring.
// The exponent is capped at MaxDecayMinutes.
func DecPow(base *uint256.Int, n uint64) *uint256.Int {
	if n > MaxDecayMinutes {
		n = MaxDecayMinutes
	}
	if n == 0 {
		return One()
	}

	y := One()
	x := new(uint256.Int).Set(base)
	for n > 1 {
		if n%2 == 0 {
			x = DecMul(x, x)
			n /= 2
		} else {
			y = DecMul(x, y)
			x = DecMul(x, x)
			n = (n - 1) / 2
		}
	}
	return DecMul(x, y)
}

// ComputeCR returns value/debt as a fixed-point ratio. A zero debt yields MaxUint.
func ComputeCR(value, debt *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return MaxUint()
	}
	return MulDiv(value, decimalPrecision, debt, RoundDown)
}

// ScaleDecimals converts a raw value with the given number of decimals to 18 decimals.
func ScaleDecimals(value *uint256.Int, decimals uint8) *uint256.Int {
	out := new(uint256.Int).Set(value)
	switch {
	case decimals < DecimalPlaces:
		factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(DecimalPlaces-decimals)))
		out.Mul(out, factor)
	case decimals > DecimalPlaces:
		factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals-DecimalPlaces)))
		out.Div(out, factor)
	}
	return out
}

// TokenUnit returns 10^decimals.
func TokenUnit(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// SubOrZero returns a-b, or zero when b > a.
func SubOrZero(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Sub(a, b)
	}
	return new(uint256.Int).Sub(b, a)
}
