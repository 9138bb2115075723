package core

import (
	"context"

	"TroveLedger/internal/collateral"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SystemStatus is the protocol-wide view after one applied command. Read
// paths use it instead of touching engine state from other goroutines.
type SystemStatus struct {
	Sequence          int64
	StateHash         [32]byte
	Timestamp         int64 // clock, epoch seconds
	ActiveTroves      int
	TotalDebt         *uint256.Int
	TotalColl         []collateral.Entry
	TCR               *uint256.Int // nil while undefined (no debt or no price)
	RecoveryMode      bool
	BaseRate          *uint256.Int // decayed to Timestamp
	StabilityDeposits *uint256.Int
	StablecoinSupply  *uint256.Int
	Collateral        []CollateralStatus
}

// CollateralStatus is the oracle state of one collateral type.
type CollateralStatus struct {
	Token        common.Address
	Symbol       string
	Decimals     uint8
	Price        *uint256.Int // nil when no usable price
	OracleStatus string
}

func (e *Engine) systemStatus(ctx context.Context, seq int64) *SystemStatus {
	troves := e.sys.Troves
	now := e.sys.Clock.Now()
	ps := troves.Prices(ctx)
	st := &SystemStatus{
		Sequence:          seq,
		Timestamp:         now.Unix(),
		ActiveTroves:      troves.OwnersCount(),
		TotalDebt:         troves.EntireSystemDebt(),
		TotalColl:         troves.EntireSystemColl().Entries(),
		BaseRate:          troves.Fees().DecayedBaseRate(now),
		StabilityDeposits: new(uint256.Int).Set(e.sys.Stability.TotalDeposits()),
		StablecoinSupply:  new(uint256.Int).Set(e.sys.Stable.TotalSupply()),
	}

	if !st.TotalDebt.IsZero() && ps.RequirePrices(troves.EntireSystemColl()) == nil {
		st.TCR = troves.TCR(ps)
		st.RecoveryMode = troves.CheckRecoveryMode(ps)
	}

	for _, token := range e.sys.Registry.Tokens() {
		t, err := e.sys.Registry.Get(token)
		if err != nil {
			continue
		}
		cs := CollateralStatus{
			Token:        token,
			Symbol:       t.Symbol,
			Decimals:     t.Decimals,
			OracleStatus: t.Oracle.Status().String(),
		}
		if ps.Has(token) {
			cs.Price = ps.Price(token)
		}
		st.Collateral = append(st.Collateral, cs)
	}
	return st
}
