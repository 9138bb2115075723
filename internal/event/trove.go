package event

import (
	"TroveLedger/internal/collateral"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OpenTrove opens a trove for Owner
type OpenTrove struct {
	Meta
	Owner      common.Address
	Colls      []collateral.Entry
	DebtAmount *uint256.Int // 18-decimal stablecoin requested
	MaxFee     *uint256.Int // 18-decimal fraction
	UpperHint  common.Address
	LowerHint  common.Address
}

func (c *OpenTrove) CommandType() CommandType {
	return CommandTypeOpenTrove
}

// AdjustTrove changes collateral and/or debt of Owner's trove
type AdjustTrove struct {
	Meta
	Owner          common.Address
	CollsIn        []collateral.Entry
	CollsOut       []collateral.Entry
	DebtChange     *uint256.Int
	IsDebtIncrease bool
	MaxFee         *uint256.Int
	UpperHint      common.Address
	LowerHint      common.Address
}

func (c *AdjustTrove) CommandType() CommandType {
	return CommandTypeAdjustTrove
}

// CloseTrove repays and closes Owner's trove
type CloseTrove struct {
	Meta
	Owner common.Address
}

func (c *CloseTrove) CommandType() CommandType {
	return CommandTypeCloseTrove
}

// ClaimCollateral pays out Owner's collateral surplus
type ClaimCollateral struct {
	Meta
	Owner common.Address
}

func (c *ClaimCollateral) CommandType() CommandType {
	return CommandTypeClaimCollateral
}

// UpdateTroves applies pending rewards and reinserts Owners at their
// current ICR
type UpdateTroves struct {
	Meta
	Owners []common.Address
}

func (c *UpdateTroves) CommandType() CommandType {
	return CommandTypeUpdateTroves
}
