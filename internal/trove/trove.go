package trove

import (
	"TroveLedger/internal/collateral"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status is the lifecycle state of a trove.
type Status uint8

const (
	StatusNonExistent Status = iota
	StatusActive
	StatusClosedByOwner
	StatusClosedByLiquidation
	StatusClosedByRedemption
)

func (s Status) String() string {
	switch s {
	case StatusNonExistent:
		return "non_existent"
	case StatusActive:
		return "active"
	case StatusClosedByOwner:
		return "closed_by_owner"
	case StatusClosedByLiquidation:
		return "closed_by_liquidation"
	case StatusClosedByRedemption:
		return "closed_by_redemption"
	default:
		return "unknown"
	}
}

// RewardSnapshot is the accumulator value a trove last settled against.
type RewardSnapshot struct {
	CollPerStake *uint256.Int
	DebtPerStake *uint256.Int
}

// Trove is a borrower's position. Closed troves are kept as history.
type Trove struct {
	Owner      common.Address
	Status     Status
	Colls      collateral.Basket
	Debt       *uint256.Int
	Stakes     collateral.Basket
	Snapshots  map[common.Address]RewardSnapshot
	ArrayIndex uint64
}

func newTrove(owner common.Address) *Trove {
	return &Trove{
		Owner:     owner,
		Debt:      new(uint256.Int),
		Snapshots: make(map[common.Address]RewardSnapshot),
	}
}

// Clone returns a deep copy safe to hand to callers.
func (t *Trove) Clone() Trove {
	out := Trove{
		Owner:      t.Owner,
		Status:     t.Status,
		Colls:      t.Colls.Clone(),
		Debt:       new(uint256.Int).Set(t.Debt),
		Stakes:     t.Stakes.Clone(),
		Snapshots:  make(map[common.Address]RewardSnapshot, len(t.Snapshots)),
		ArrayIndex: t.ArrayIndex,
	}
	for token, s := range t.Snapshots {
		out.Snapshots[token] = RewardSnapshot{
			CollPerStake: new(uint256.Int).Set(s.CollPerStake),
			DebtPerStake: new(uint256.Int).Set(s.DebtPerStake),
		}
	}
	return out
}

func (t *Trove) IsActive() bool {
	return t.Status == StatusActive
}

// Position is a trove's debt and collateral with pending rewards applied.
type Position struct {
	Debt        *uint256.Int
	Colls       collateral.Basket
	PendingDebt *uint256.Int
	PendingColl collateral.Basket
}
