package trove

import (
	"context"
	"fmt"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RedemptionRequest is a stablecoin-for-collateral swap against the
// riskiest troves above MCR.
type RedemptionRequest struct {
	Redeemer      common.Address
	Amount        *uint256.Int
	FirstHint     common.Address
	UpperHint     common.Address
	LowerHint     common.Address
	MaxIterations int // 0 means unbounded
	MaxFee        *uint256.Int
}

// RedeemedTrove is the draw on one trove.
type RedeemedTrove struct {
	Owner  common.Address
	Debt   *uint256.Int
	Colls  collateral.Basket
	Closed bool

	newColls collateral.Basket
	newDebt  *uint256.Int
}

type RedemptionResult struct {
	Redeemer common.Address
	Redeemed *uint256.Int
	Drawn    collateral.Basket
	Fee      collateral.Basket
	Sent     collateral.Basket
	BaseRate *uint256.Int
	Troves   []RedeemedTrove
}

// RedeemCollateral burns up to req.Amount of the redeemer's stablecoin
// against troves walked from the index tail, paying collateral at face value
// minus the redemption fee.
func (m *Manager) RedeemCollateral(ctx context.Context, req RedemptionRequest) (*RedemptionResult, error) {
	if req.MaxFee == nil || req.MaxFee.Lt(m.params.RedemptionFeeFloor) || req.MaxFee.Gt(fpmath.One()) {
		return nil, ErrMaxFeeOutOfRange
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if bal := m.Stable.BalanceOf(ledger.UserHolder(req.Redeemer)); bal.Lt(req.Amount) {
		return nil, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, bal.Dec(), req.Amount.Dec())
	}

	ps := m.Prices(ctx)
	if m.TCR(ps).Lt(m.params.MCR) {
		return nil, ErrTCRBelowMCR
	}

	res := m.planRedemption(req, ps)
	if res.Drawn.IsZero() {
		return nil, ErrUnableToRedeem
	}

	now := m.Clock.Now()
	update := m.fees.PreviewBump(res.Redeemed, m.Stable.TotalSupply(), now)
	rate := m.fees.RedemptionRate(update.BaseRate)
	if rate.Gt(req.MaxFee) {
		return nil, fmt.Errorf("%w: rate=%s, max=%s", ErrFeeExceedsMax, rate.Dec(), req.MaxFee.Dec())
	}
	for _, e := range res.Drawn.Entries() {
		fee := fpmath.MulUnits(e.Amount, rate)
		res.Fee.Add(e.Token, fee)
		res.Sent.Add(e.Token, new(uint256.Int).Sub(e.Amount, fee))
	}
	res.BaseRate = update.BaseRate

	m.executeRedemption(req, res, ps, update)
	m.CommitPrices(ps)
	return res, nil
}

func (m *Manager) validFirstRedemptionHint(hint common.Address, ps *PriceSet) bool {
	if hint == (common.Address{}) || !m.Sorted.Contains(hint) || m.CurrentICR(hint, ps).Lt(m.params.MCR) {
		return false
	}
	next := m.Sorted.Next(hint)
	return next == (common.Address{}) || m.CurrentICR(next, ps).Lt(m.params.MCR)
}

func (m *Manager) planRedemption(req RedemptionRequest, ps *PriceSet) *RedemptionResult {
	res := &RedemptionResult{Redeemer: req.Redeemer, Redeemed: new(uint256.Int)}
	remaining := new(uint256.Int).Set(req.Amount)

	current := req.FirstHint
	if !m.validFirstRedemptionHint(current, ps) {
		current = m.Sorted.Last()
		for current != (common.Address{}) && m.CurrentICR(current, ps).Lt(m.params.MCR) {
			current = m.Sorted.Prev(current)
		}
	}

	activeLeft := len(m.owners)
	for i := 0; current != (common.Address{}) && !remaining.IsZero(); i++ {
		if req.MaxIterations > 0 && i >= req.MaxIterations {
			break
		}
		step, ok := m.planRedeemFromTrove(current, remaining, ps)
		if !ok {
			break
		}
		if step.Closed {
			if activeLeft <= 1 {
				break
			}
			activeLeft--
		}
		remaining.Sub(remaining, step.Debt)
		res.Redeemed.Add(res.Redeemed, step.Debt)
		res.Drawn.AddBasket(step.Colls)
		res.Troves = append(res.Troves, step)
		current = m.Sorted.Prev(current)
	}
	return res
}

// planRedeemFromTrove draws a lot of at most the trove's net debt,
// taking each collateral type in proportion to its dollar value.
func (m *Manager) planRedeemFromTrove(owner common.Address, limit *uint256.Int, ps *PriceSet) (RedeemedTrove, bool) {
	pos := m.EntirePosition(owner)
	lot := fpmath.Min(limit, m.NetDebt(pos.Debt))
	usd := ps.USD(pos.Colls)
	if lot.IsZero() || usd.IsZero() {
		return RedeemedTrove{}, false
	}

	step := RedeemedTrove{Owner: owner, Debt: lot}
	step.newColls = pos.Colls.Clone()
	for _, e := range pos.Colls.Entries() {
		drawn := fpmath.MulDiv(e.Amount, lot, usd, fpmath.RoundDown)
		step.Colls.Add(e.Token, drawn)
		m.must(step.newColls.Sub(e.Token, drawn))
	}
	step.newDebt = new(uint256.Int).Sub(pos.Debt, lot)

	if step.newDebt.Eq(m.params.GasCompensation) {
		step.Closed = true
		return step, true
	}
	if m.NetDebt(step.newDebt).Lt(m.params.MinNetDebt) {
		return RedeemedTrove{}, false
	}
	return step, true
}

func (m *Manager) executeRedemption(req RedemptionRequest, res *RedemptionResult, ps *PriceSet, update FeeUpdate) {
	for _, step := range res.Troves {
		m.must(m.ApplyPendingRewards(step.Owner))
		if step.Closed {
			m.CloseTrove(step.Owner, StatusClosedByRedemption)
			m.must(m.Stable.Burn(m.GasPool.Holder(), m.params.GasCompensation))
			m.must(m.ActivePool.DecreaseDebt(m.params.GasCompensation))
			for _, e := range step.newColls.Entries() {
				m.must(m.ActivePool.SendCollateral(e.Token, e.Amount, m.Surplus.Holder(), ledger.JournalTypeCollateralSurplus))
				m.Surplus.AccountSurplus(step.Owner, e.Token, e.Amount)
			}
			continue
		}
		m.SetPosition(step.Owner, step.newColls, step.newDebt)
		m.UpdateStakeAndTotalStakes(step.Owner)
		m.ReInsertSorted(step.Owner, ps, req.UpperHint, req.LowerHint)
	}

	m.ApplyFeeUpdate(update)

	redeemer := ledger.UserHolder(req.Redeemer)
	m.must(m.Stable.Burn(redeemer, res.Redeemed))
	m.must(m.ActivePool.DecreaseDebt(res.Redeemed))
	for _, e := range res.Fee.Entries() {
		m.must(m.ActivePool.SendCollateral(e.Token, e.Amount, m.FeeVault.Holder(), ledger.JournalTypeRedemptionFee))
		m.FeeVault.IncreaseFees(e.Token, e.Amount)
	}
	for _, e := range res.Sent.Entries() {
		m.must(m.ActivePool.SendCollateral(e.Token, e.Amount, redeemer, ledger.JournalTypeRedemption))
	}

	m.outbox.Redemptions = append(m.outbox.Redemptions, *res)
	m.Logger.Info().
		Str("redeemer", req.Redeemer.Hex()).
		Str("redeemed", res.Redeemed.Dec()).
		Int("troves", len(res.Troves)).
		Str("base_rate", update.BaseRate.Dec()).
		Msg("redemption")
}
