package trove_test

import (
	"errors"
	"testing"

	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/testutil"
	"TroveLedger/internal/trove"
	"TroveLedger/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func provide(t *testing.T, f *testutil.Fixture, owner common.Address, amount string) {
	t.Helper()
	if _, err := f.ProvideToSP(owner, D(amount)); err != nil {
		t.Fatalf("provide %s: %v", owner.Hex(), err)
	}
}

// ==========================================
// Normal mode
// ==========================================

func TestLiquidate_FullStabilityPoolOffset(t *testing.T) {
	f, ids := threeTroves(t)
	b, c := ids[1], ids[2]
	provide(t, f, b, "4000")
	debtC := f.Troves.EntirePosition(c).Debt

	res, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, c)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(res.Troves) != 1 || res.Troves[0].Owner != c {
		t.Fatalf("liquidated: got %d troves", len(res.Troves))
	}
	if !res.DebtOffset.Eq(debtC) || !res.DebtRedistributed.IsZero() {
		t.Errorf("offset/redistributed: got %s/%s, want %s/0", res.DebtOffset.Dec(), res.DebtRedistributed.Dec(), debtC.Dec())
	}
	if got := res.CollToSP.Get(weth); !got.Eq(D("1.99")) {
		t.Errorf("coll to SP: got %s, want 1.99", got.Dec())
	}
	if got := f.Stability.HeldCollateral(weth); !got.Eq(D("1.99")) {
		t.Errorf("SP held weth: got %s, want 1.99", got.Dec())
	}
	wantDeposits := new(uint256.Int).Sub(D("4000"), debtC)
	if got := f.Stability.TotalDeposits(); !got.Eq(wantDeposits) {
		t.Errorf("SP deposits: got %s, want %s", got.Dec(), wantDeposits.Dec())
	}
	if !f.DefaultPool.Debt().IsZero() {
		t.Errorf("default pool debt: got %s, want 0", f.DefaultPool.Debt().Dec())
	}
	if got := f.Troves.Status(c); got != trove.StatusClosedByLiquidation {
		t.Errorf("status: got %s, want %s", got, trove.StatusClosedByLiquidation)
	}
	if f.Sorted.Contains(c) {
		t.Error("liquidated trove still indexed")
	}
	f.RequireInvariants()
}

func TestLiquidate_PartialOffsetRedistributesRest(t *testing.T) {
	f, ids := threeTroves(t)
	b, c := ids[1], ids[2]
	provide(t, f, b, "1000")
	debtC := f.Troves.EntirePosition(c).Debt

	res, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, c)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.DebtOffset.Eq(D("1000")) {
		t.Errorf("offset: got %s, want 1000", res.DebtOffset.Dec())
	}
	wantRedist := new(uint256.Int).Sub(debtC, D("1000"))
	if !res.DebtRedistributed.Eq(wantRedist) {
		t.Errorf("redistributed: got %s, want %s", res.DebtRedistributed.Dec(), wantRedist.Dec())
	}
	wantToSP := fpmath.MulDiv(D("1.99"), D("1000"), debtC, fpmath.RoundDown)
	if got := res.CollToSP.Get(weth); !got.Eq(wantToSP) {
		t.Errorf("coll to SP: got %s, want %s", got.Dec(), wantToSP.Dec())
	}
	sum := new(uint256.Int).Add(res.CollToSP.Get(weth), res.CollRedistributed.Get(weth))
	if !sum.Eq(D("1.99")) {
		t.Errorf("coll split leaks: %s", sum.Dec())
	}
	if !f.Stability.TotalDeposits().IsZero() {
		t.Errorf("SP deposits: got %s, want 0", f.Stability.TotalDeposits().Dec())
	}
	if !f.DefaultPool.Debt().Eq(wantRedist) {
		t.Errorf("default pool debt: got %s, want %s", f.DefaultPool.Debt().Dec(), wantRedist.Dec())
	}
	f.RequireInvariants()
}

func TestLiquidate_HealthyTroveRejected(t *testing.T) {
	f, ids := threeTroves(t)
	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, ids[0]); !errors.Is(err, trove.ErrNothingToLiquidate) {
		t.Fatalf("got %v, want %v", err, trove.ErrNothingToLiquidate)
	}
}

func TestLiquidate_UnknownTrove(t *testing.T) {
	f, _ := threeTroves(t)
	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, testutil.Addr(99)); !errors.Is(err, trove.ErrTroveNotActive) {
		t.Fatalf("got %v, want %v", err, trove.ErrTroveNotActive)
	}
}

func TestLiquidate_LastTroveSkipped(t *testing.T) {
	f := testutil.NewFixture(t)
	a := testutil.Addr(1)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	f.SetPrice(weth, "100")

	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, a); !errors.Is(err, trove.ErrNothingToLiquidate) {
		t.Fatalf("got %v, want %v", err, trove.ErrNothingToLiquidate)
	}
	if !f.Troves.IsActive(a) {
		t.Error("last trove was closed")
	}
}

func TestLiquidate_NoRedistributionTargetLeavesStateUntouched(t *testing.T) {
	f := testutil.NewFixture(t)
	a, c := testutil.Addr(1), testutil.Addr(3)
	f.Open(a, testutil.Basket(wbtc, testutil.BTC("1")), D("2000"))
	f.Settle()
	f.Open(c, testutil.Basket(weth, D("2")), D("3000"))
	f.SetPrice(weth, "1700")

	debtBefore := f.Troves.EntireSystemDebt()
	_, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, c)
	if !errors.Is(err, trove.ErrNoRedistributionTarget) {
		t.Fatalf("got %v, want %v", err, trove.ErrNoRedistributionTarget)
	}
	if !f.Troves.IsActive(c) || !f.Sorted.Contains(c) {
		t.Error("trove closed by failed liquidation")
	}
	if got := f.ActivePool.Collateral(weth); !got.Eq(D("2")) {
		t.Errorf("active weth: got %s, want 2", got.Dec())
	}
	if !f.DefaultPool.Debt().IsZero() || !f.Troves.EntireSystemDebt().Eq(debtBefore) {
		t.Error("debt moved by failed liquidation")
	}
	if !f.Balance(testutil.Liquidator, weth).IsZero() {
		t.Error("gas compensation paid by failed liquidation")
	}
	f.RequireInvariants()
}

// ==========================================
// Sweeps and batches
// ==========================================

func fourTroves(t *testing.T) (*testutil.Fixture, [4]common.Address) {
	t.Helper()
	f := testutil.NewFixture(t)
	ids := [4]common.Address{testutil.Addr(1), testutil.Addr(2), testutil.Addr(3), testutil.Addr(4)}
	f.Open(ids[0], testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()
	f.Open(ids[1], testutil.Basket(weth, D("5"), wbtc, testutil.BTC("1")), D("4000"))
	f.Settle()
	f.Open(ids[2], testutil.Basket(weth, D("2")), D("3000"))
	f.Settle()
	f.Open(ids[3], testutil.Basket(weth, D("2")), D("2950"))
	f.SetPrice(weth, "1700")
	return f, ids
}

func TestLiquidateTroves_WorstFirst(t *testing.T) {
	f, ids := fourTroves(t)

	res, err := f.Troves.LiquidateTroves(f.Ctx, testutil.Liquidator, 1)
	if err != nil {
		t.Fatalf("liquidate troves: %v", err)
	}
	if len(res.Troves) != 1 || res.Troves[0].Owner != ids[2] {
		t.Fatalf("first sweep: got %v, want [%s]", res.Troves, ids[2].Hex())
	}

	res, err = f.Troves.LiquidateTroves(f.Ctx, testutil.Liquidator, 10)
	if err != nil {
		t.Fatalf("liquidate troves: %v", err)
	}
	if len(res.Troves) != 1 || res.Troves[0].Owner != ids[3] {
		t.Fatalf("second sweep: got %d troves, want [%s]", len(res.Troves), ids[3].Hex())
	}
	if got := f.Troves.OwnersCount(); got != 2 {
		t.Errorf("owners: got %d, want 2", got)
	}

	if _, err := f.Troves.LiquidateTroves(f.Ctx, testutil.Liquidator, 10); !errors.Is(err, trove.ErrNothingToLiquidate) {
		t.Errorf("third sweep: got %v, want %v", err, trove.ErrNothingToLiquidate)
	}
	f.RequireInvariants()
}

func TestBatchLiquidateTroves_SkipsDuplicatesAndInactive(t *testing.T) {
	f, ids := fourTroves(t)

	if _, err := f.Troves.BatchLiquidateTroves(f.Ctx, testutil.Liquidator, nil); !errors.Is(err, trove.ErrEmptyBatch) {
		t.Fatalf("empty batch: got %v, want %v", err, trove.ErrEmptyBatch)
	}

	batch := []common.Address{ids[2], ids[2], testutil.Addr(99), ids[0], ids[3]}
	res, err := f.Troves.BatchLiquidateTroves(f.Ctx, testutil.Liquidator, batch)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(res.Troves) != 2 {
		t.Fatalf("liquidated: got %d, want 2", len(res.Troves))
	}
	if !res.GasComp.Eq(D("400")) {
		t.Errorf("gas comp: got %s, want 400", res.GasComp.Dec())
	}
	if got := f.Balance(testutil.Liquidator, testutil.Stablecoin); !got.Eq(D("400")) {
		t.Errorf("liquidator stablecoin: got %s, want 400", got.Dec())
	}
	if !f.Troves.IsActive(ids[0]) {
		t.Error("healthy trove liquidated")
	}
	f.RequireInvariants()
}

// ==========================================
// Recovery mode
// ==========================================

func TestLiquidate_RecoveryModeCapsCollateralAtMCR(t *testing.T) {
	f := testutil.NewFixture(t)
	a, c := testutil.Addr(1), testutil.Addr(3)
	f.Open(a, testutil.Basket(weth, D("4")), D("3000"))
	f.Settle()
	f.Open(c, testutil.Basket(weth, D("3")), D("3000"))
	provide(t, f, a, "3000")
	provide(t, f, c, "1000")

	f.SetPrice(weth, "1300")
	ps := f.Prices()
	if !f.Troves.CheckRecoveryMode(ps) {
		t.Fatalf("expected recovery mode, tcr %s", f.Troves.TCR(ps).Dec())
	}

	res, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, c)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	lt := res.Troves[0]
	if !lt.RecoveryMode || !lt.DebtToRedistribute.IsZero() {
		t.Fatalf("expected capped recovery liquidation, got %+v", lt)
	}
	toOffset := fpmath.MulDiv(D("3"), f.Troves.Params().MCR, lt.ICR, fpmath.RoundDown)
	wantSurplus := new(uint256.Int).Sub(D("3"), toOffset)
	if got := lt.CollSurplus.Get(weth); !got.Eq(wantSurplus) {
		t.Errorf("surplus: got %s, want %s", got.Dec(), wantSurplus.Dec())
	}
	if wantSurplus.Lt(D("0.27")) || wantSurplus.Gt(D("0.29")) {
		t.Errorf("surplus out of expected range: %s", wantSurplus.Dec())
	}
	if got := f.Surplus.Total(weth); !got.Eq(wantSurplus) {
		t.Errorf("surplus pool: got %s, want %s", got.Dec(), wantSurplus.Dec())
	}

	paid, err := f.Borrower.ClaimCollateral(c)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !paid[weth].Eq(wantSurplus) {
		t.Errorf("claimed: got %s, want %s", paid[weth].Dec(), wantSurplus.Dec())
	}
	if _, err := f.Borrower.ClaimCollateral(c); !errors.Is(err, vault.ErrNothingToClaim) {
		t.Errorf("second claim: got %v, want %v", err, vault.ErrNothingToClaim)
	}
	f.RequireInvariants()
}

func TestLiquidate_RecoveryModeSkipsTroveAboveTCR(t *testing.T) {
	f := testutil.NewFixture(t)
	a, c := testutil.Addr(1), testutil.Addr(3)
	f.Open(a, testutil.Basket(weth, D("4")), D("3000"))
	f.Settle()
	f.Open(c, testutil.Basket(weth, D("3")), D("3000"))
	provide(t, f, a, "3000")
	provide(t, f, c, "1000")
	f.SetPrice(weth, "1300")

	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, a); !errors.Is(err, trove.ErrNothingToLiquidate) {
		t.Fatalf("got %v, want %v", err, trove.ErrNothingToLiquidate)
	}
}

// ==========================================
// Re-sorting
// ==========================================

func TestUpdateTroves_RestoresOrder(t *testing.T) {
	f := testutil.NewFixture(t)
	a, b := testutil.Addr(1), testutil.Addr(2)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()
	f.Open(b, testutil.Basket(wbtc, testutil.BTC("1")), D("10000"))
	if f.Sorted.First() != a || f.Sorted.Last() != b {
		t.Fatalf("initial order wrong")
	}

	f.SetPrice(weth, "500")
	if err := f.Troves.UpdateTroves(f.Ctx, []common.Address{a, b}); err != nil {
		t.Fatalf("update troves: %v", err)
	}
	if f.Sorted.First() != b || f.Sorted.Last() != a {
		t.Errorf("order after update: first %s, last %s", f.Sorted.First().Hex(), f.Sorted.Last().Hex())
	}

	if err := f.Troves.UpdateTroves(f.Ctx, nil); !errors.Is(err, trove.ErrEmptyBatch) {
		t.Errorf("empty: got %v, want %v", err, trove.ErrEmptyBatch)
	}
	if err := f.Troves.UpdateTroves(f.Ctx, []common.Address{a, testutil.Addr(99)}); !errors.Is(err, trove.ErrTroveNotActive) {
		t.Errorf("inactive: got %v, want %v", err, trove.ErrTroveNotActive)
	}
}
