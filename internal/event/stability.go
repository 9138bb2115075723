package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ProvideToSP deposits stablecoin into the stability pool
type ProvideToSP struct {
	Meta
	Owner  common.Address
	Amount *uint256.Int
}

func (c *ProvideToSP) CommandType() CommandType {
	return CommandTypeProvideToSP
}

// WithdrawFromSP withdraws up to Amount of a deposit. Zero claims gains only.
type WithdrawFromSP struct {
	Meta
	Owner  common.Address
	Amount *uint256.Int
}

func (c *WithdrawFromSP) CommandType() CommandType {
	return CommandTypeWithdrawFromSP
}
