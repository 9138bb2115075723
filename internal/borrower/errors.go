package borrower

import "errors"

var (
	ErrTroveActive              = errors.New("borrower: trove is already active")
	ErrEmptyCollateral          = errors.New("borrower: no collateral supplied")
	ErrInvalidCollateral        = errors.New("borrower: collateral type not accepted")
	ErrZeroAmount               = errors.New("borrower: amount must be positive")
	ErrInsufficientCollateral   = errors.New("borrower: insufficient collateral balance")
	ErrInsufficientStablecoin   = errors.New("borrower: insufficient stablecoin balance")
	ErrMaxFeeOutOfRange         = errors.New("borrower: max fee percentage must be between floor and 100%")
	ErrFeeExceedsMax            = errors.New("borrower: fee exceeded provided maximum")
	ErrNetDebtBelowMin          = errors.New("borrower: net debt must be above minimum")
	ErrICRBelowMCR              = errors.New("borrower: operation would leave trove with ICR < MCR")
	ErrICRBelowCCR              = errors.New("borrower: operation must leave trove with ICR >= CCR")
	ErrTCRBelowCCR              = errors.New("borrower: operation would leave system TCR < CCR")
	ErrCollWithdrawalInRecovery = errors.New("borrower: collateral withdrawal not permitted in recovery mode")
	ErrICRDecreased             = errors.New("borrower: cannot decrease ICR in recovery mode")
	ErrTCRDecreased             = errors.New("borrower: cannot decrease TCR in recovery mode")
	ErrNoChange                 = errors.New("borrower: no collateral or debt change")
	ErrOverlappingColl          = errors.New("borrower: cannot withdraw and deposit the same collateral type")
	ErrRepayExceedsDebt         = errors.New("borrower: repayment exceeds net debt")
	ErrOnlyOneTrove             = errors.New("borrower: only one trove in the system")
	ErrCloseInRecovery          = errors.New("borrower: close not permitted in recovery mode")
	ErrListFull                 = errors.New("borrower: trove index is full")
)
