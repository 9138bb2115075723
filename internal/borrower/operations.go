// Package borrower validates and executes every user-facing trove mutation.
// Each operation checks all preconditions against a single price set
// before it touches any state.
package borrower

import (
	"context"
	"fmt"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/trove"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Operations is the mutation guard in front of a trove manager.
type Operations struct {
	troves *trove.Manager
	params trove.Params
	logger zerolog.Logger
}

func NewOperations(troves *trove.Manager, logger zerolog.Logger) *Operations {
	return &Operations{
		troves: troves,
		params: troves.Params(),
		logger: logger,
	}
}

// OpenRequest opens a trove borrowing DebtAmount against Colls.
type OpenRequest struct {
	Owner      common.Address
	Colls      collateral.Basket
	DebtAmount *uint256.Int
	MaxFee     *uint256.Int
	UpperHint  common.Address
	LowerHint  common.Address
}

// AdjustRequest changes collateral and/or debt of an active trove.
type AdjustRequest struct {
	Owner          common.Address
	CollsIn        collateral.Basket
	CollsOut       collateral.Basket
	DebtChange     *uint256.Int
	IsDebtIncrease bool
	MaxFee         *uint256.Int
	UpperHint      common.Address
	LowerHint      common.Address
}

// Result is the position after a successful mutation.
type Result struct {
	Owner common.Address
	Debt  *uint256.Int
	Colls collateral.Basket
	Fee   *uint256.Int
	ICR   *uint256.Int
}

// OpenTrove creates a trove with debt = DebtAmount + fee + gas reserve.
func (o *Operations) OpenTrove(ctx context.Context, req OpenRequest) (*Result, error) {
	m := o.troves
	if m.IsActive(req.Owner) {
		return nil, ErrTroveActive
	}
	if m.Sorted.IsFull() {
		return nil, ErrListFull
	}
	if req.DebtAmount == nil {
		req.DebtAmount = new(uint256.Int)
	}

	ps := m.Prices(ctx)
	if err := o.requireDeposits(ps, req.Owner, req.Colls, true); err != nil {
		return nil, err
	}
	recovery := m.CheckRecoveryMode(ps)
	if !recovery {
		if err := o.requireValidMaxFee(req.MaxFee); err != nil {
			return nil, err
		}
	}

	fee := new(uint256.Int)
	if !recovery {
		fee = m.BorrowingFee(req.DebtAmount)
		if err := o.requireUserAcceptsFee(fee, req.DebtAmount, req.MaxFee); err != nil {
			return nil, err
		}
	}
	netDebt := new(uint256.Int).Add(req.DebtAmount, fee)
	if netDebt.Lt(o.params.MinNetDebt) {
		return nil, fmt.Errorf("%w: net=%s, min=%s", ErrNetDebtBelowMin, netDebt.Dec(), o.params.MinNetDebt.Dec())
	}
	compositeDebt := m.CompositeDebt(netDebt)

	icr := m.ComputeICR(req.Colls, compositeDebt, ps)
	newTCR := o.newTCR(ps, req.Colls, collateral.Basket{}, compositeDebt, true)
	if recovery {
		if icr.Lt(o.params.CCR) {
			return nil, ErrICRBelowCCR
		}
	} else {
		if icr.Lt(o.params.MCR) {
			return nil, ErrICRBelowMCR
		}
		if newTCR.Lt(o.params.CCR) {
			return nil, ErrTCRBelowCCR
		}
	}
	update := m.Fees().PreviewBump(compositeDebt, new(uint256.Int).Add(m.EntireSystemDebt(), compositeDebt), m.Clock.Now())

	// effects
	m.ApplyFeeUpdate(update)
	m.ActivateTrove(req.Owner, req.Colls, compositeDebt)
	m.UpdateRewardSnapshots(req.Owner)
	m.UpdateStakeAndTotalStakes(req.Owner)
	m.InsertSorted(req.Owner, ps, req.UpperHint, req.LowerHint)

	user := ledger.UserHolder(req.Owner)
	for _, e := range req.Colls.Entries() {
		must(m.ActivePool.ReceiveCollateral(e.Token, e.Amount, user, ledger.JournalTypeCollateralDeposit))
	}
	m.ActivePool.IncreaseDebt(compositeDebt)
	o.mintDebt(req.Owner, req.DebtAmount, fee)
	must(m.Stable.Transfer(ledger.IssuanceHolder(), m.GasPool.Holder(), o.params.GasCompensation, ledger.JournalTypeGasCompensation))
	m.CommitPrices(ps)

	o.logger.Debug().
		Str("owner", req.Owner.Hex()).
		Str("debt", compositeDebt.Dec()).
		Str("fee", fee.Dec()).
		Str("icr", icr.Dec()).
		Msg("trove opened")

	return &Result{Owner: req.Owner, Debt: compositeDebt, Colls: req.Colls.Clone(), Fee: fee, ICR: icr}, nil
}

// AddColl deposits collateral into an active trove.
func (o *Operations) AddColl(ctx context.Context, owner common.Address, colls collateral.Basket, upperHint, lowerHint common.Address) (*Result, error) {
	return o.AdjustTrove(ctx, AdjustRequest{Owner: owner, CollsIn: colls, UpperHint: upperHint, LowerHint: lowerHint})
}

// WithdrawColl withdraws collateral from an active trove.
func (o *Operations) WithdrawColl(ctx context.Context, owner common.Address, colls collateral.Basket, upperHint, lowerHint common.Address) (*Result, error) {
	return o.AdjustTrove(ctx, AdjustRequest{Owner: owner, CollsOut: colls, UpperHint: upperHint, LowerHint: lowerHint})
}

// WithdrawDebt borrows more stablecoin against an active trove.
func (o *Operations) WithdrawDebt(ctx context.Context, owner common.Address, amount, maxFee *uint256.Int, upperHint, lowerHint common.Address) (*Result, error) {
	return o.AdjustTrove(ctx, AdjustRequest{
		Owner:          owner,
		DebtChange:     amount,
		IsDebtIncrease: true,
		MaxFee:         maxFee,
		UpperHint:      upperHint,
		LowerHint:      lowerHint,
	})
}

// RepayDebt repays stablecoin into an active trove.
func (o *Operations) RepayDebt(ctx context.Context, owner common.Address, amount *uint256.Int, upperHint, lowerHint common.Address) (*Result, error) {
	return o.AdjustTrove(ctx, AdjustRequest{Owner: owner, DebtChange: amount, UpperHint: upperHint, LowerHint: lowerHint})
}

// AdjustTrove is the general mutation: deposit CollsIn, withdraw CollsOut,
// and increase or decrease debt by DebtChange.
func (o *Operations) AdjustTrove(ctx context.Context, req AdjustRequest) (*Result, error) {
	m := o.troves
	if !m.IsActive(req.Owner) {
		return nil, fmt.Errorf("%w: %s", trove.ErrTroveNotActive, req.Owner.Hex())
	}
	if req.DebtChange == nil {
		req.DebtChange = new(uint256.Int)
	}
	if req.CollsIn.IsZero() && req.CollsOut.IsZero() && req.DebtChange.IsZero() {
		return nil, ErrNoChange
	}
	if req.IsDebtIncrease && req.DebtChange.IsZero() {
		return nil, ErrZeroAmount
	}
	for _, token := range req.CollsIn.Tokens() {
		if req.CollsOut.Has(token) {
			return nil, fmt.Errorf("%w: %s", ErrOverlappingColl, token.Hex())
		}
	}

	ps := m.Prices(ctx)
	if req.CollsIn.Len() > 0 {
		if err := o.requireDeposits(ps, req.Owner, req.CollsIn, false); err != nil {
			return nil, err
		}
	}
	recovery := m.CheckRecoveryMode(ps)
	if recovery && !req.CollsOut.IsZero() {
		return nil, ErrCollWithdrawalInRecovery
	}
	if req.IsDebtIncrease && !recovery {
		if err := o.requireValidMaxFee(req.MaxFee); err != nil {
			return nil, err
		}
	}

	pos := m.EntirePosition(req.Owner)
	for _, e := range req.CollsOut.Entries() {
		if e.Amount.IsZero() {
			return nil, ErrZeroAmount
		}
		if pos.Colls.Get(e.Token).Lt(e.Amount) {
			return nil, fmt.Errorf("%w: cannot withdraw more than the trove holds of %s", ErrInsufficientCollateral, e.Token.Hex())
		}
	}

	fee := new(uint256.Int)
	debtDelta := new(uint256.Int).Set(req.DebtChange)
	newDebt := new(uint256.Int).Set(pos.Debt)
	if req.IsDebtIncrease {
		if !recovery {
			fee = m.BorrowingFee(req.DebtChange)
			if err := o.requireUserAcceptsFee(fee, req.DebtChange, req.MaxFee); err != nil {
				return nil, err
			}
		}
		debtDelta.Add(debtDelta, fee)
		newDebt.Add(newDebt, debtDelta)
	} else if !req.DebtChange.IsZero() {
		if req.DebtChange.Gt(m.NetDebt(pos.Debt)) {
			return nil, ErrRepayExceedsDebt
		}
		if bal := m.Stable.BalanceOf(ledger.UserHolder(req.Owner)); bal.Lt(req.DebtChange) {
			return nil, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientStablecoin, bal.Dec(), req.DebtChange.Dec())
		}
		newDebt.Sub(newDebt, req.DebtChange)
	}
	if net := m.NetDebt(newDebt); net.Lt(o.params.MinNetDebt) {
		return nil, fmt.Errorf("%w: net=%s, min=%s", ErrNetDebtBelowMin, net.Dec(), o.params.MinNetDebt.Dec())
	}

	newColls := pos.Colls.Clone()
	newColls.AddBasket(req.CollsIn)
	for _, e := range req.CollsOut.Entries() {
		must(newColls.Sub(e.Token, e.Amount))
	}
	newColls.Compact()

	oldICR := m.ComputeICR(pos.Colls, pos.Debt, ps)
	newICR := m.ComputeICR(newColls, newDebt, ps)
	if err := o.requireValidAdjustment(ps, recovery, req, debtDelta, oldICR, newICR); err != nil {
		return nil, err
	}

	// The bump uses what the system debt grows by: the fee-inclusive delta
	// here, the composite debt (reserve included) on open.
	var update trove.FeeUpdate
	if req.IsDebtIncrease {
		update = m.Fees().PreviewBump(debtDelta, new(uint256.Int).Add(m.EntireSystemDebt(), debtDelta), m.Clock.Now())
	}

	// effects
	must(m.ApplyPendingRewards(req.Owner))
	if req.IsDebtIncrease {
		m.ApplyFeeUpdate(update)
	}
	m.SetPosition(req.Owner, newColls, newDebt)
	m.UpdateStakeAndTotalStakes(req.Owner)
	m.UpdateRewardSnapshots(req.Owner)
	m.ReInsertSorted(req.Owner, ps, req.UpperHint, req.LowerHint)

	user := ledger.UserHolder(req.Owner)
	for _, e := range req.CollsIn.Entries() {
		must(m.ActivePool.ReceiveCollateral(e.Token, e.Amount, user, ledger.JournalTypeCollateralDeposit))
	}
	for _, e := range req.CollsOut.Entries() {
		must(m.ActivePool.SendCollateral(e.Token, e.Amount, user, ledger.JournalTypeCollateralWithdrawal))
	}
	if req.IsDebtIncrease {
		m.ActivePool.IncreaseDebt(debtDelta)
		o.mintDebt(req.Owner, req.DebtChange, fee)
	} else if !req.DebtChange.IsZero() {
		must(m.ActivePool.DecreaseDebt(req.DebtChange))
		must(m.Stable.Transfer(user, ledger.IssuanceHolder(), req.DebtChange, ledger.JournalTypeRepay))
	}
	m.CommitPrices(ps)

	return &Result{Owner: req.Owner, Debt: newDebt, Colls: newColls, Fee: fee, ICR: newICR}, nil
}

// CloseTrove repays the net debt from the owner's balance, burns the gas
// reserve and returns all collateral.
func (o *Operations) CloseTrove(ctx context.Context, owner common.Address) (*Result, error) {
	m := o.troves
	if !m.IsActive(owner) {
		return nil, fmt.Errorf("%w: %s", trove.ErrTroveNotActive, owner.Hex())
	}
	if m.OwnersCount() <= 1 {
		return nil, ErrOnlyOneTrove
	}

	ps := m.Prices(ctx)
	if m.CheckRecoveryMode(ps) {
		return nil, ErrCloseInRecovery
	}
	pos := m.EntirePosition(owner)
	if o.newTCR(ps, collateral.Basket{}, pos.Colls, pos.Debt, false).Lt(o.params.CCR) {
		return nil, ErrTCRBelowCCR
	}
	repay := m.NetDebt(pos.Debt)
	if bal := m.Stable.BalanceOf(ledger.UserHolder(owner)); bal.Lt(repay) {
		return nil, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientStablecoin, bal.Dec(), repay.Dec())
	}

	// effects
	must(m.ApplyPendingRewards(owner))
	m.CloseTrove(owner, trove.StatusClosedByOwner)

	user := ledger.UserHolder(owner)
	must(m.Stable.Transfer(user, ledger.IssuanceHolder(), repay, ledger.JournalTypeRepay))
	must(m.Stable.Burn(m.GasPool.Holder(), o.params.GasCompensation))
	must(m.ActivePool.DecreaseDebt(pos.Debt))
	for _, e := range pos.Colls.Entries() {
		must(m.ActivePool.SendCollateral(e.Token, e.Amount, user, ledger.JournalTypeCollateralWithdrawal))
	}
	m.CommitPrices(ps)

	o.logger.Debug().Str("owner", owner.Hex()).Str("repaid", repay.Dec()).Msg("trove closed")
	return &Result{Owner: owner, Debt: new(uint256.Int), Colls: pos.Colls, Fee: new(uint256.Int), ICR: fpmath.MaxUint()}, nil
}

// ClaimCollateral pays out the owner's collateral surplus.
func (o *Operations) ClaimCollateral(owner common.Address) (map[common.Address]*uint256.Int, error) {
	paid, err := o.troves.Surplus.Claim(owner)
	if err != nil {
		return nil, err
	}
	o.troves.MarkTouched(owner)
	return paid, nil
}

// requireDeposits checks a basket of deposits against registry, prices and
// the owner's balances.
func (o *Operations) requireDeposits(ps *trove.PriceSet, owner common.Address, colls collateral.Basket, opening bool) error {
	if opening && (colls.Len() == 0 || colls.IsZero()) {
		return ErrEmptyCollateral
	}
	m := o.troves
	tracker := m.Book.Tracker()
	for _, e := range colls.Entries() {
		if !m.Registry.IsValid(e.Token) {
			return fmt.Errorf("%w: %s", ErrInvalidCollateral, e.Token.Hex())
		}
		if !ps.Has(e.Token) {
			return fmt.Errorf("%w: %s", trove.ErrPriceUnavailable, e.Token.Hex())
		}
		if e.Amount.IsZero() {
			return ErrZeroAmount
		}
		bal := tracker.GetBalance(ledger.NewAccountKey(ledger.UserHolder(owner), e.Token))
		if bal.Lt(e.Amount) {
			return fmt.Errorf("%w: %s have=%s, need=%s", ErrInsufficientCollateral, m.Registry.Symbol(e.Token), bal.Dec(), e.Amount.Dec())
		}
	}
	return nil
}

func (o *Operations) requireValidMaxFee(maxFee *uint256.Int) error {
	if maxFee == nil || maxFee.Lt(o.params.BorrowingFeeFloor) || maxFee.Gt(fpmath.One()) {
		return ErrMaxFeeOutOfRange
	}
	return nil
}

func (o *Operations) requireUserAcceptsFee(fee, amount, maxFee *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	pct := fpmath.MulDiv(fee, fpmath.One(), amount, fpmath.RoundDown)
	if pct.Gt(maxFee) {
		return fmt.Errorf("%w: fee=%s, max=%s", ErrFeeExceedsMax, pct.Dec(), maxFee.Dec())
	}
	return nil
}

// requireValidAdjustment applies the mode-dependent solvency rules.
func (o *Operations) requireValidAdjustment(ps *trove.PriceSet, recovery bool, req AdjustRequest, debtDelta, oldICR, newICR *uint256.Int) error {
	newTCR := o.newTCR(ps, req.CollsIn, req.CollsOut, debtDelta, req.IsDebtIncrease)
	if !recovery {
		if newICR.Lt(o.params.MCR) {
			return ErrICRBelowMCR
		}
		if newTCR.Lt(o.params.CCR) {
			return ErrTCRBelowCCR
		}
		return nil
	}

	if req.IsDebtIncrease {
		if newICR.Lt(o.params.CCR) {
			return ErrICRBelowCCR
		}
		return nil
	}
	if !newICR.Lt(o.params.CCR) {
		return nil
	}
	if !newICR.Gt(oldICR) {
		return ErrICRDecreased
	}
	if newTCR.Lt(o.troves.TCR(ps)) {
		return ErrTCRDecreased
	}
	return nil
}

// newTCR is the system ratio after adding collsIn, removing collsOut and
// changing debt by debtDelta.
func (o *Operations) newTCR(ps *trove.PriceSet, collsIn, collsOut collateral.Basket, debtDelta *uint256.Int, increase bool) *uint256.Int {
	m := o.troves
	colls := m.EntireSystemColl()
	colls.AddBasket(collsIn)
	for _, e := range collsOut.Entries() {
		must(colls.Sub(e.Token, e.Amount))
	}
	debt := m.EntireSystemDebt()
	if increase {
		debt.Add(debt, debtDelta)
	} else {
		debt = fpmath.SubOrZero(debt, debtDelta)
	}
	return fpmath.ComputeCR(ps.VC(colls), debt)
}

func (o *Operations) mintDebt(owner common.Address, amount, fee *uint256.Int) {
	m := o.troves
	must(m.Stable.Transfer(ledger.IssuanceHolder(), ledger.UserHolder(owner), amount, ledger.JournalTypeBorrow))
	if !fee.IsZero() {
		must(m.Stable.Transfer(ledger.IssuanceHolder(), m.FeeVault.Holder(), fee, ledger.JournalTypeBorrowingFee))
		m.FeeVault.IncreaseFees(m.Stable.Address(), fee)
	}
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
}
