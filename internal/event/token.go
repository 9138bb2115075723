package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MintCollateral credits collateral tokens bridged in for To
type MintCollateral struct {
	Meta
	Token  common.Address
	To     common.Address
	Amount *uint256.Int // token-native decimals
}

func (c *MintCollateral) CommandType() CommandType {
	return CommandTypeMintCollateral
}

// Partition puts mints on the admin sequence, apart from user commands.
func (c *MintCollateral) Partition() string {
	return AdminPartition
}

// Transfer moves stablecoin between wallets
type Transfer struct {
	Meta
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

func (c *Transfer) CommandType() CommandType {
	return CommandTypeTransfer
}
