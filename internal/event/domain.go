package event

import (
	"TroveLedger/internal/collateral"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DomainEvent is an outbound fact derived from one applied command
type DomainEvent interface {
	Kind() string
	CoreSequence() int64
}

// TroveUpdated is emitted for every trove a command touched
type TroveUpdated struct {
	Sequence  int64
	Owner     common.Address
	Status    string
	Debt      *uint256.Int
	Colls     []collateral.Entry
	ICR       *uint256.Int // zero for closed troves
	Operation CommandType
}

func (e *TroveUpdated) Kind() string        { return "trove_updated" }
func (e *TroveUpdated) CoreSequence() int64 { return e.Sequence }

// TroveLiquidated is one settled trove of a liquidation batch
type TroveLiquidated struct {
	Sequence          int64
	Owner             common.Address
	Liquidator        common.Address
	RecoveryMode      bool
	ICR               *uint256.Int
	Debt              *uint256.Int
	Colls             []collateral.Entry
	DebtOffset        *uint256.Int
	DebtRedistributed *uint256.Int
	CollSurplus       []collateral.Entry
}

func (e *TroveLiquidated) Kind() string        { return "trove_liquidated" }
func (e *TroveLiquidated) CoreSequence() int64 { return e.Sequence }

// Redistribution is one advance of the reward accumulators
type Redistribution struct {
	Sequence     int64
	Debt         *uint256.Int
	Colls        []collateral.Entry
	CollPerStake []collateral.Entry
	DebtPerStake []collateral.Entry
}

func (e *Redistribution) Kind() string        { return "redistribution" }
func (e *Redistribution) CoreSequence() int64 { return e.Sequence }

// Redemption summarizes a completed redemption
type Redemption struct {
	Sequence int64
	Redeemer common.Address
	Redeemed *uint256.Int
	Drawn    []collateral.Entry
	Fee      []collateral.Entry
	BaseRate *uint256.Int
	Troves   []common.Address
}

func (e *Redemption) Kind() string        { return "redemption" }
func (e *Redemption) CoreSequence() int64 { return e.Sequence }

// BaseRateUpdated is emitted when a fee operation changes the base rate
type BaseRateUpdated struct {
	Sequence int64
	BaseRate *uint256.Int
}

func (e *BaseRateUpdated) Kind() string        { return "base_rate_updated" }
func (e *BaseRateUpdated) CoreSequence() int64 { return e.Sequence }

// OracleStatusChanged is a committed aggregator status transition
type OracleStatusChanged struct {
	Sequence int64
	Token    common.Address
	From     string
	To       string
	Price    *uint256.Int
}

func (e *OracleStatusChanged) Kind() string        { return "oracle_status_changed" }
func (e *OracleStatusChanged) CoreSequence() int64 { return e.Sequence }
