package trove

import (
	"fmt"
	"math"

	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/sortedtroves"

	"github.com/holiman/uint256"
)

// Params are the protocol constants. All ratios are 18-decimal fractions.
type Params struct {
	MCR                *uint256.Int // minimum collateral ratio
	CCR                *uint256.Int // critical system collateral ratio
	GasCompensation    *uint256.Int // stablecoin reserve minted to the gas pool per trove
	MinNetDebt         *uint256.Int
	CollGasCompDivisor uint64 // collateral share paid to liquidators: 1/divisor
	BorrowingFeeFloor  *uint256.Int
	RedemptionFeeFloor *uint256.Int
	MaxBorrowingFee    *uint256.Int
	MinuteDecayFactor  *uint256.Int
	Beta               uint64
	MaxTroves          uint64
	MaxHintHops        int
}

func DefaultParams() Params {
	return Params{
		MCR:                fpmath.MustParseDecimal("1.1"),
		CCR:                fpmath.MustParseDecimal("1.5"),
		GasCompensation:    fpmath.Units(200),
		MinNetDebt:         fpmath.Units(1800),
		CollGasCompDivisor: 200,
		BorrowingFeeFloor:  fpmath.MustParseDecimal("0.005"),
		RedemptionFeeFloor: fpmath.MustParseDecimal("0.005"),
		MaxBorrowingFee:    fpmath.One(),
		MinuteDecayFactor:  uint256.NewInt(999_037_758_833_783_000),
		Beta:               2,
		MaxTroves:          math.MaxUint32,
		MaxHintHops:        sortedtroves.DefaultMaxHintHops,
	}
}

// Validate rejects inconsistent parameter sets.
func (p Params) Validate() error {
	one := fpmath.One()
	if p.MCR == nil || p.MCR.Lt(one) {
		return fmt.Errorf("mcr must be at least 1.0")
	}
	if p.CCR == nil || !p.CCR.Gt(p.MCR) {
		return fmt.Errorf("ccr must exceed mcr")
	}
	if p.GasCompensation == nil || p.GasCompensation.IsZero() {
		return fmt.Errorf("gas compensation must be positive")
	}
	if p.MinNetDebt == nil || p.MinNetDebt.IsZero() {
		return fmt.Errorf("min net debt must be positive")
	}
	if p.CollGasCompDivisor == 0 {
		return fmt.Errorf("coll gas compensation divisor must be positive")
	}
	for name, v := range map[string]*uint256.Int{
		"borrowing fee floor":  p.BorrowingFeeFloor,
		"redemption fee floor": p.RedemptionFeeFloor,
		"max borrowing fee":    p.MaxBorrowingFee,
	} {
		if v == nil || v.Gt(one) {
			return fmt.Errorf("%s must be in [0, 1]", name)
		}
	}
	if p.MaxBorrowingFee.Lt(p.BorrowingFeeFloor) {
		return fmt.Errorf("max borrowing fee below floor")
	}
	if p.MinuteDecayFactor == nil || p.MinuteDecayFactor.IsZero() || !p.MinuteDecayFactor.Lt(one) {
		return fmt.Errorf("minute decay factor must be in (0, 1)")
	}
	if p.Beta == 0 {
		return fmt.Errorf("beta must be positive")
	}
	if p.MaxTroves == 0 {
		return fmt.Errorf("max troves must be positive")
	}
	return nil
}
