package trove

import (
	"context"
	"fmt"
	"sort"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LiquidatedTrove is the settlement of one trove within a batch.
type LiquidatedTrove struct {
	Owner              common.Address
	RecoveryMode       bool
	ICR                *uint256.Int
	Debt               *uint256.Int
	Colls              collateral.Basket
	DebtToOffset       *uint256.Int
	CollToSP           collateral.Basket
	DebtToRedistribute *uint256.Int
	CollToRedistribute collateral.Basket
	CollGasComp        collateral.Basket
	GasComp            *uint256.Int
	CollSurplus        collateral.Basket
}

// LiquidationResult aggregates a batch.
type LiquidationResult struct {
	Liquidator        common.Address
	Troves            []LiquidatedTrove
	DebtOffset        *uint256.Int
	CollToSP          collateral.Basket
	DebtRedistributed *uint256.Int
	CollRedistributed collateral.Basket
	CollGasComp       collateral.Basket
	GasComp           *uint256.Int
	CollSurplus       collateral.Basket
}

func newLiquidationResult(liquidator common.Address) *LiquidationResult {
	return &LiquidationResult{
		Liquidator:        liquidator,
		DebtOffset:        new(uint256.Int),
		DebtRedistributed: new(uint256.Int),
		GasComp:           new(uint256.Int),
	}
}

func (r *LiquidationResult) add(lt LiquidatedTrove) {
	r.Troves = append(r.Troves, lt)
	r.DebtOffset.Add(r.DebtOffset, lt.DebtToOffset)
	r.CollToSP.AddBasket(lt.CollToSP)
	r.DebtRedistributed.Add(r.DebtRedistributed, lt.DebtToRedistribute)
	r.CollRedistributed.AddBasket(lt.CollToRedistribute)
	r.CollGasComp.AddBasket(lt.CollGasComp)
	r.GasComp.Add(r.GasComp, lt.GasComp)
	r.CollSurplus.AddBasket(lt.CollSurplus)
}

// batchState carries the running totals of a plan. Redistribution is
// deferred to the end of the batch, so trove ICRs do not change while
// planning.
type batchState struct {
	ps            *PriceSet
	recovery      bool
	backToNormal  bool
	remainingSP   *uint256.Int
	systemVC      *uint256.Int
	systemDebt    *uint256.Int
	activeLeft    int
	removedStakes collateral.Basket
	result        *LiquidationResult
}

func (m *Manager) newBatchState(ps *PriceSet, liquidator common.Address) *batchState {
	systemVC := ps.VC(m.EntireSystemColl())
	systemDebt := m.EntireSystemDebt()
	recovery := fpmath.ComputeCR(systemVC, systemDebt).Lt(m.params.CCR)
	return &batchState{
		ps:           ps,
		recovery:     recovery,
		backToNormal: !recovery,
		remainingSP:  m.Stability.TotalDeposits(),
		systemVC:     systemVC,
		systemDebt:   systemDebt,
		activeLeft:   len(m.owners),
		result:       newLiquidationResult(liquidator),
	}
}

// Liquidate liquidates a single trove.
func (m *Manager) Liquidate(ctx context.Context, liquidator, owner common.Address) (*LiquidationResult, error) {
	if !m.IsActive(owner) {
		return nil, fmt.Errorf("%w: %s", ErrTroveNotActive, owner.Hex())
	}
	return m.BatchLiquidateTroves(ctx, liquidator, []common.Address{owner})
}

// BatchLiquidateTroves liquidates every eligible trove of ids. Ineligible or
// inactive ids are skipped.
func (m *Manager) BatchLiquidateTroves(ctx context.Context, liquidator common.Address, ids []common.Address) (*LiquidationResult, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}
	ps := m.Prices(ctx)
	st := m.newBatchState(ps, liquidator)

	seen := make(map[common.Address]bool, len(ids))
	for _, owner := range ids {
		if seen[owner] || !m.IsActive(owner) {
			continue
		}
		seen[owner] = true
		m.planTrove(st, owner, m.CurrentICR(owner, ps))
	}
	return m.finishBatch(st)
}

// LiquidateTroves sweeps up to n troves from the index tail, worst ICR first.
func (m *Manager) LiquidateTroves(ctx context.Context, liquidator common.Address, n int) (*LiquidationResult, error) {
	ps := m.Prices(ctx)
	st := m.newBatchState(ps, liquidator)

	first := m.Sorted.First()
	cursor := m.Sorted.Last()
	for i := 0; i < n && cursor != (common.Address{}); i++ {
		if st.recovery && cursor == first {
			break
		}
		icr := m.CurrentICR(cursor, ps)
		if !st.backToNormal {
			if !icr.Lt(m.params.MCR) && st.remainingSP.IsZero() {
				break
			}
		} else if !icr.Lt(m.params.MCR) {
			break
		}
		prev := m.Sorted.Prev(cursor)
		if !m.planTrove(st, cursor, icr) && st.backToNormal {
			break
		}
		cursor = prev
	}
	return m.finishBatch(st)
}

// planTrove decides the settlement of one trove and folds it into the batch.
func (m *Manager) planTrove(st *batchState, owner common.Address, icr *uint256.Int) bool {
	if st.activeLeft <= 1 {
		return false
	}

	var (
		lt LiquidatedTrove
		ok bool
	)
	if !st.backToNormal {
		tcr := fpmath.ComputeCR(st.systemVC, st.systemDebt)
		lt, ok = m.planRecovery(st, owner, icr, tcr)
		if !ok {
			return false
		}
		st.systemDebt.Sub(st.systemDebt, lt.DebtToOffset)
		leaving := lt.CollToSP.Clone()
		leaving.AddBasket(lt.CollGasComp)
		leaving.AddBasket(lt.CollSurplus)
		st.systemVC = fpmath.SubOrZero(st.systemVC, st.ps.VC(leaving))
		st.backToNormal = !fpmath.ComputeCR(st.systemVC, st.systemDebt).Lt(m.params.CCR)
	} else {
		if !icr.Lt(m.params.MCR) {
			return false
		}
		lt = m.planNormal(st, owner, icr)
	}

	st.remainingSP.Sub(st.remainingSP, lt.DebtToOffset)
	st.activeLeft--
	st.removedStakes.AddBasket(m.troves[owner].Stakes)
	st.result.add(lt)
	return true
}

func (m *Manager) baseLiquidation(st *batchState, owner common.Address, icr *uint256.Int) (LiquidatedTrove, collateral.Basket) {
	pos := m.EntirePosition(owner)
	gasColl := m.CollGasCompensation(pos.Colls)
	toLiquidate := pos.Colls.Clone()
	for _, e := range gasColl.Entries() {
		m.must(toLiquidate.Sub(e.Token, e.Amount))
	}
	return LiquidatedTrove{
		Owner:              owner,
		RecoveryMode:       st.recovery,
		ICR:                icr,
		Debt:               pos.Debt,
		Colls:              pos.Colls,
		DebtToOffset:       new(uint256.Int),
		DebtToRedistribute: new(uint256.Int),
		CollGasComp:        gasColl,
		GasComp:            new(uint256.Int).Set(m.params.GasCompensation),
	}, toLiquidate
}

// planNormal offsets what the pool can absorb and redistributes the rest.
func (m *Manager) planNormal(st *batchState, owner common.Address, icr *uint256.Int) LiquidatedTrove {
	lt, toLiquidate := m.baseLiquidation(st, owner, icr)
	m.splitOffset(&lt, toLiquidate, st.remainingSP)
	return lt
}

func (m *Manager) splitOffset(lt *LiquidatedTrove, toLiquidate collateral.Basket, remainingSP *uint256.Int) {
	if remainingSP.IsZero() || lt.Debt.IsZero() {
		lt.DebtToRedistribute = new(uint256.Int).Set(lt.Debt)
		lt.CollToRedistribute = toLiquidate
		return
	}
	lt.DebtToOffset = fpmath.Min(lt.Debt, remainingSP)
	lt.DebtToRedistribute = new(uint256.Int).Sub(lt.Debt, lt.DebtToOffset)
	for _, e := range toLiquidate.Entries() {
		toSP := fpmath.MulDiv(e.Amount, lt.DebtToOffset, lt.Debt, fpmath.RoundDown)
		lt.CollToSP.Add(e.Token, toSP)
		lt.CollToRedistribute.Add(e.Token, new(uint256.Int).Sub(e.Amount, toSP))
	}
}

// planRecovery applies the tiered recovery-mode rules.
func (m *Manager) planRecovery(st *batchState, owner common.Address, icr, tcr *uint256.Int) (LiquidatedTrove, bool) {
	switch {
	case !icr.Gt(fpmath.One()):
		lt, toLiquidate := m.baseLiquidation(st, owner, icr)
		lt.DebtToRedistribute = new(uint256.Int).Set(lt.Debt)
		lt.CollToRedistribute = toLiquidate
		return lt, true

	case icr.Lt(m.params.MCR):
		lt, toLiquidate := m.baseLiquidation(st, owner, icr)
		m.splitOffset(&lt, toLiquidate, st.remainingSP)
		return lt, true

	case icr.Lt(tcr):
		pos := m.EntirePosition(owner)
		if pos.Debt.Gt(st.remainingSP) {
			return LiquidatedTrove{}, false
		}
		lt := m.planCapped(st, owner, icr, pos)
		leaving := lt.CollToSP.Clone()
		leaving.AddBasket(lt.CollGasComp)
		leaving.AddBasket(lt.CollSurplus)
		after := fpmath.ComputeCR(fpmath.SubOrZero(st.systemVC, st.ps.VC(leaving)), new(uint256.Int).Sub(st.systemDebt, lt.Debt))
		if after.Lt(tcr) {
			return LiquidatedTrove{}, false
		}
		return lt, true

	default:
		return LiquidatedTrove{}, false
	}
}

// planCapped offsets the whole debt but takes only MCR/ICR of each
// collateral type; the rest is claimable by the owner.
func (m *Manager) planCapped(st *batchState, owner common.Address, icr *uint256.Int, pos Position) LiquidatedTrove {
	lt := LiquidatedTrove{
		Owner:              owner,
		RecoveryMode:       true,
		ICR:                icr,
		Debt:               pos.Debt,
		Colls:              pos.Colls,
		DebtToOffset:       new(uint256.Int).Set(pos.Debt),
		DebtToRedistribute: new(uint256.Int),
		GasComp:            new(uint256.Int).Set(m.params.GasCompensation),
	}
	divisor := uint256.NewInt(m.params.CollGasCompDivisor)
	for _, e := range pos.Colls.Entries() {
		toOffset := fpmath.MulDiv(e.Amount, m.params.MCR, icr, fpmath.RoundDown)
		gas := new(uint256.Int).Div(toOffset, divisor)
		lt.CollGasComp.Add(e.Token, gas)
		lt.CollToSP.Add(e.Token, new(uint256.Int).Sub(toOffset, gas))
		lt.CollSurplus.Add(e.Token, new(uint256.Int).Sub(e.Amount, toOffset))
	}
	return lt
}

func (m *Manager) finishBatch(st *batchState) (*LiquidationResult, error) {
	res := st.result
	if len(res.Troves) == 0 {
		return nil, ErrNothingToLiquidate
	}

	shares, err := splitDebtByValue(res.DebtRedistributed, res.CollRedistributed, st.ps)
	if err != nil {
		return nil, err
	}
	if err := m.checkRedistributable(res.CollRedistributed, shares, st.removedStakes); err != nil {
		return nil, err
	}

	m.executeLiquidation(st)
	m.CommitPrices(st.ps)
	return res, nil
}

// executeLiquidation applies a validated plan. Failures here are broken
// invariants.
func (m *Manager) executeLiquidation(st *batchState) {
	res := st.result
	for _, lt := range res.Troves {
		m.must(m.ApplyPendingRewards(lt.Owner))
		m.CloseTrove(lt.Owner, StatusClosedByLiquidation)
		for _, e := range lt.CollSurplus.Entries() {
			m.must(m.ActivePool.SendCollateral(e.Token, e.Amount, m.Surplus.Holder(), ledger.JournalTypeCollateralSurplus))
			m.Surplus.AccountSurplus(lt.Owner, e.Token, e.Amount)
		}
		m.outbox.Liquidations = append(m.outbox.Liquidations, lt)
		m.Logger.Info().
			Str("owner", lt.Owner.Hex()).
			Str("icr", lt.ICR.Dec()).
			Str("debt", lt.Debt.Dec()).
			Str("offset", lt.DebtToOffset.Dec()).
			Str("redistributed", lt.DebtToRedistribute.Dec()).
			Bool("recovery_mode", lt.RecoveryMode).
			Msg("trove liquidated")
	}

	if !res.DebtOffset.IsZero() {
		absorbed, err := m.Stability.Offset(res.DebtOffset, res.CollToSP)
		m.must(err)
		if !absorbed.Eq(res.DebtOffset) {
			panic(fmt.Sprintf("FATAL: stability pool absorbed %s of %s", absorbed.Dec(), res.DebtOffset.Dec()))
		}
	}
	m.redistribute(res.DebtRedistributed, res.CollRedistributed, st.ps)

	liquidator := ledger.UserHolder(res.Liquidator)
	for _, e := range res.CollGasComp.Entries() {
		m.must(m.ActivePool.SendCollateral(e.Token, e.Amount, liquidator, ledger.JournalTypeGasCompensation))
	}
	m.must(m.Stable.Transfer(m.GasPool.Holder(), liquidator, res.GasComp, ledger.JournalTypeGasCompensation))

	m.UpdateSystemSnapshots()
}

// UpdateTroves re-sorts the given troves at current prices in one pass.
func (m *Manager) UpdateTroves(ctx context.Context, ids []common.Address) error {
	if len(ids) == 0 {
		return ErrEmptyBatch
	}
	ps := m.Prices(ctx)

	seen := make(map[common.Address]bool, len(ids))
	var unique []common.Address
	for _, id := range ids {
		if !m.IsActive(id) {
			return fmt.Errorf("%w: %s", ErrTroveNotActive, id.Hex())
		}
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	icrs := make(map[common.Address]*uint256.Int, len(unique))
	for _, id := range unique {
		icrs[id] = m.CurrentICR(id, ps)
	}
	sort.SliceStable(unique, func(i, j int) bool { return icrs[unique[i]].Gt(icrs[unique[j]]) })

	metrics := make([]*uint256.Int, len(unique))
	for i, id := range unique {
		metrics[i] = icrs[id]
	}
	m.must(m.Sorted.ReInsertMany(unique, metrics, m.metric(ps), nil, nil))
	m.CommitPrices(ps)
	return nil
}
