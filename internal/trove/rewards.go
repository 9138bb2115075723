package trove

import (
	"fmt"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Redistribution is one accumulator advance.
type Redistribution struct {
	Debt  *uint256.Int
	Colls collateral.Basket
	// per-type increments of the accumulators
	CollPerStake map[common.Address]*uint256.Int
	DebtPerStake map[common.Address]*uint256.Int
}

// splitDebtByValue assigns debt across the basket's types by VC share.
// The last valued type absorbs the rounding remainder.
func splitDebtByValue(debt *uint256.Int, colls collateral.Basket, ps *PriceSet) (map[common.Address]*uint256.Int, error) {
	shares := make(map[common.Address]*uint256.Int, colls.Len())
	totalVC := ps.VC(colls)
	if totalVC.IsZero() {
		if debt.IsZero() {
			return shares, nil
		}
		return nil, fmt.Errorf("%w: debt without valued collateral", ErrNoRedistributionTarget)
	}

	left := new(uint256.Int).Set(debt)
	var last common.Address
	for _, e := range colls.Entries() {
		vc := ps.VCOf(e.Token, e.Amount)
		if vc.IsZero() {
			continue
		}
		share := fpmath.MulDiv(debt, vc, totalVC, fpmath.RoundDown)
		shares[e.Token] = share
		left.Sub(left, share)
		last = e.Token
	}
	shares[last].Add(shares[last], left)
	return shares, nil
}

// checkRedistributable fails when a type would be redistributed onto no stake.
// removed are the stakes leaving the system in the same batch.
func (m *Manager) checkRedistributable(colls collateral.Basket, debtShares map[common.Address]*uint256.Int, removed collateral.Basket) error {
	for _, token := range m.Registry.Tokens() {
		if colls.Get(token).IsZero() && (debtShares[token] == nil || debtShares[token].IsZero()) {
			continue
		}
		remaining := fpmath.SubOrZero(m.TotalStakes(token), removed.Get(token))
		if remaining.IsZero() {
			return fmt.Errorf("%w: %s", ErrNoRedistributionTarget, m.Registry.Symbol(token))
		}
	}
	return nil
}

// redistribute advances L_coll and L_debt so the remaining stakes absorb
// colls and debt, carrying the division error into the next call. The
// amounts move from the active pool to the default pool.
func (m *Manager) redistribute(debt *uint256.Int, colls collateral.Basket, ps *PriceSet) Redistribution {
	rd := Redistribution{
		Debt:         new(uint256.Int).Set(debt),
		Colls:        colls.Clone(),
		CollPerStake: make(map[common.Address]*uint256.Int),
		DebtPerStake: make(map[common.Address]*uint256.Int),
	}
	if debt.IsZero() && colls.IsZero() {
		return rd
	}

	debtShares, err := splitDebtByValue(debt, colls, ps)
	m.must(err)

	one := fpmath.One()
	for _, token := range m.Registry.Tokens() {
		coll := colls.Get(token)
		debtShare, ok := debtShares[token]
		if !ok {
			debtShare = new(uint256.Int)
		}
		if coll.IsZero() && debtShare.IsZero() {
			continue
		}
		stakes := m.TotalStakes(token)
		if stakes.IsZero() {
			panic(fmt.Sprintf("FATAL: %v: %s", ErrNoRedistributionTarget, token.Hex()))
		}

		collNumerator := new(uint256.Int).Mul(coll, one)
		collNumerator.Add(collNumerator, m.entry(m.lastCollError, token))
		debtNumerator := new(uint256.Int).Mul(debtShare, one)
		debtNumerator.Add(debtNumerator, m.entry(m.lastDebtError, token))

		collPerStake := new(uint256.Int).Div(collNumerator, stakes)
		debtPerStake := new(uint256.Int).Div(debtNumerator, stakes)

		m.lastCollError[token] = new(uint256.Int).Sub(collNumerator, new(uint256.Int).Mul(collPerStake, stakes))
		m.lastDebtError[token] = new(uint256.Int).Sub(debtNumerator, new(uint256.Int).Mul(debtPerStake, stakes))

		lColl := m.entry(m.lColl, token)
		lColl.Add(lColl, collPerStake)
		lDebt := m.entry(m.lDebt, token)
		lDebt.Add(lDebt, debtPerStake)

		rd.CollPerStake[token] = collPerStake
		rd.DebtPerStake[token] = debtPerStake
	}

	m.must(m.ActivePool.MoveTo(m.DefaultPool, colls, debt, ledger.JournalTypeRedistribution))
	m.outbox.Redistributions = append(m.outbox.Redistributions, rd)
	return rd
}

// UpdateSystemSnapshots records stake and collateral totals after a
// liquidation so later stakes are computed against them.
func (m *Manager) UpdateSystemSnapshots() {
	for _, token := range m.Registry.Tokens() {
		m.totalStakesSnapshot[token] = m.TotalStakes(token)
		total := new(uint256.Int).Add(m.ActivePool.Collateral(token), m.DefaultPool.Collateral(token))
		m.totalCollateralSnapshot[token] = total
	}
}

func (m *Manager) must(err error) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
}

// Outbox collects what the current command changed, for event emission.
type Outbox struct {
	Touched         []common.Address
	Liquidations    []LiquidatedTrove
	Redistributions []Redistribution
	Redemptions     []RedemptionResult
	OracleChanges   []OracleChange
	BaseRates       []*uint256.Int
}

// MarkTouched records owner once per command.
func (m *Manager) MarkTouched(owner common.Address) {
	for _, o := range m.outbox.Touched {
		if o == owner {
			return
		}
	}
	m.outbox.Touched = append(m.outbox.Touched, owner)
}

// Drain returns and resets the outbox.
func (m *Manager) Drain() Outbox {
	out := m.outbox
	m.outbox = Outbox{}
	return out
}
