package trove

import "errors"

var (
	ErrTroveNotActive         = errors.New("trove: trove does not exist or is closed")
	ErrNothingToLiquidate     = errors.New("trove: nothing to liquidate")
	ErrNoRedistributionTarget = errors.New("trove: no active stake left to receive redistributed collateral")
	ErrPriceUnavailable       = errors.New("trove: no price for collateral type")
	ErrZeroAmount             = errors.New("trove: amount must be positive")
	ErrInsufficientBalance    = errors.New("trove: insufficient stablecoin balance")
	ErrTCRBelowMCR            = errors.New("trove: cannot redeem when TCR < MCR")
	ErrMaxFeeOutOfRange       = errors.New("trove: max fee percentage out of range")
	ErrFeeExceedsMax          = errors.New("trove: fee exceeded provided maximum")
	ErrUnableToRedeem         = errors.New("trove: unable to redeem any amount")
	ErrEmptyBatch             = errors.New("trove: empty trove list")
)
