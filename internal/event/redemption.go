package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RedeemCollateral swaps stablecoin for collateral at face value
type RedeemCollateral struct {
	Meta
	Redeemer      common.Address
	Amount        *uint256.Int
	FirstHint     common.Address
	UpperHint     common.Address
	LowerHint     common.Address
	MaxIterations int
	MaxFee        *uint256.Int
}

func (c *RedeemCollateral) CommandType() CommandType {
	return CommandTypeRedeemCollateral
}
