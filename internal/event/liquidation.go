package event

import (
	"github.com/ethereum/go-ethereum/common"
)

// Liquidate liquidates a single trove
type Liquidate struct {
	Meta
	Liquidator common.Address
	Owner      common.Address
}

func (c *Liquidate) CommandType() CommandType {
	return CommandTypeLiquidate
}

// LiquidateTroves liquidates up to Count troves from the riskiest end
type LiquidateTroves struct {
	Meta
	Liquidator common.Address
	Count      int
}

func (c *LiquidateTroves) CommandType() CommandType {
	return CommandTypeLiquidateTroves
}

// BatchLiquidateTroves liquidates an explicit list of troves
type BatchLiquidateTroves struct {
	Meta
	Liquidator common.Address
	Owners     []common.Address
}

func (c *BatchLiquidateTroves) CommandType() CommandType {
	return CommandTypeBatchLiquidateTroves
}
