package trove_test

import (
	"testing"

	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/testutil"
	"TroveLedger/internal/trove"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	weth = testutil.WETH
	wbtc = testutil.WBTC
	D    = testutil.D
)

func within(t *testing.T, name string, got, want *uint256.Int, tolerance uint64) {
	t.Helper()
	if diff := fpmath.AbsDiff(got, want); diff.Gt(uint256.NewInt(tolerance)) {
		t.Errorf("%s: got %s, want %s (diff %s)", name, got.Dec(), want.Dec(), diff.Dec())
	}
}

// threeTroves opens A (10 WETH), B (5 WETH + 1 WBTC) and C (2 WETH, risky)
// with floor fees, then drops WETH to 1700 so only C is below MCR.
func threeTroves(t *testing.T) (*testutil.Fixture, [3]common.Address) {
	t.Helper()
	f := testutil.NewFixture(t)
	a, b, c := testutil.Addr(1), testutil.Addr(2), testutil.Addr(3)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()
	f.Open(b, testutil.Basket(weth, D("5"), wbtc, testutil.BTC("1")), D("4000"))
	f.Settle()
	f.Open(c, testutil.Basket(weth, D("2")), D("3000"))
	f.SetPrice(weth, "1700")
	return f, [3]common.Address{a, b, c}
}

// ==========================================
// Recovery mode boundary
// ==========================================

func TestRecoveryMode_TCREqualToCCRIsNormal(t *testing.T) {
	f := testutil.NewFixture(t)
	a := testutil.Addr(1)
	res := f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	if want := D("2210"); !res.Debt.Eq(want) {
		t.Fatalf("debt: got %s, want %s", res.Debt.Dec(), want.Dec())
	}

	// 10 * 331.5 / 2210 = 1.5
	f.SetPrice(weth, "331.5")
	ps := f.Prices()
	if got := f.Troves.TCR(ps); !got.Eq(D("1.5")) {
		t.Fatalf("tcr: got %s, want 1.5", got.Dec())
	}
	if f.Troves.CheckRecoveryMode(ps) {
		t.Error("TCR == CCR classified as recovery mode")
	}

	debt := new(uint256.Int).AddUint64(f.Troves.EntireSystemDebt(), 1)
	if !f.Troves.CheckPotentialRecoveryMode(f.Troves.EntireSystemColl(), debt, ps) {
		t.Error("TCR one unit below CCR classified as normal mode")
	}
}

// ==========================================
// Redistribution
// ==========================================

func TestRedistribution_LazyMatchesEager(t *testing.T) {
	f, ids := threeTroves(t)
	a, b, c := ids[0], ids[1], ids[2]

	posC := f.Troves.EntirePosition(c)
	before := [2]trove.Position{f.Troves.EntirePosition(a), f.Troves.EntirePosition(b)}

	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, c); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// C held WETH only, so all of its debt lands on WETH stakes (10 and 5).
	collRedist := new(uint256.Int).Sub(posC.Colls.Get(weth), D("0.01"))
	stakes := []uint64{10, 5}
	for i, owner := range []common.Address{a, b} {
		gotPos := f.Troves.EntirePosition(owner)
		wantColl := fpmath.MulDiv(collRedist, uint256.NewInt(stakes[i]), uint256.NewInt(15), fpmath.RoundDown)
		wantColl.Add(wantColl, before[i].Colls.Get(weth))
		wantDebt := fpmath.MulDiv(posC.Debt, uint256.NewInt(stakes[i]), uint256.NewInt(15), fpmath.RoundDown)
		wantDebt.Add(wantDebt, before[i].Debt)

		within(t, "coll", gotPos.Colls.Get(weth), wantColl, 100)
		within(t, "debt", gotPos.Debt, wantDebt, 100)
	}

	if got := f.Troves.EntirePosition(b).Colls.Get(wbtc); !got.Eq(testutil.BTC("1")) {
		t.Errorf("wbtc unaffected: got %s, want 1e8", got.Dec())
	}
}

func TestRedistribution_ConservesCollateral(t *testing.T) {
	f, ids := threeTroves(t)
	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, ids[2]); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	pooled := new(uint256.Int).Add(f.ActivePool.Collateral(weth), f.DefaultPool.Collateral(weth))
	if want := D("16.99"); !pooled.Eq(want) {
		t.Errorf("pooled weth: got %s, want %s", pooled.Dec(), want.Dec())
	}
	held := new(uint256.Int)
	for _, owner := range f.Troves.Owners() {
		held.Add(held, f.Troves.EntirePosition(owner).Colls.Get(weth))
	}
	if held.Gt(pooled) {
		t.Fatalf("troves claim more than pooled: %s > %s", held.Dec(), pooled.Dec())
	}
	within(t, "held vs pooled", held, pooled, 100)

	if got := f.Balance(testutil.Liquidator, weth); !got.Eq(D("0.01")) {
		t.Errorf("liquidator weth: got %s, want 0.01", got.Dec())
	}
	if got := f.Balance(testutil.Liquidator, testutil.Stablecoin); !got.Eq(D("200")) {
		t.Errorf("liquidator stablecoin: got %s, want 200", got.Dec())
	}
	f.RequireInvariants()
}

func TestApplyPendingRewards_MovesDefaultPoolToActive(t *testing.T) {
	f, ids := threeTroves(t)
	a := ids[0]
	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, ids[2]); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	want := f.Troves.EntirePosition(a)
	if !f.Troves.HasPendingRewards(a) {
		t.Fatal("expected pending rewards")
	}

	if err := f.Troves.ApplyPendingRewards(a); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.Troves.HasPendingRewards(a) {
		t.Error("pending rewards left after apply")
	}
	tr, _ := f.Troves.Trove(a)
	if !tr.Debt.Eq(want.Debt) {
		t.Errorf("stored debt: got %s, want %s", tr.Debt.Dec(), want.Debt.Dec())
	}
	if !tr.Colls.Get(weth).Eq(want.Colls.Get(weth)) {
		t.Errorf("stored weth: got %s, want %s", tr.Colls.Get(weth).Dec(), want.Colls.Get(weth).Dec())
	}
	f.RequireInvariants()
}

func TestL_NeverDecreases(t *testing.T) {
	f, ids := threeTroves(t)
	collBefore, debtBefore := f.Troves.L(weth)
	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, ids[2]); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	collAfter, debtAfter := f.Troves.L(weth)
	if !collAfter.Gt(collBefore) || !debtAfter.Gt(debtBefore) {
		t.Errorf("accumulators did not advance: coll %s -> %s, debt %s -> %s",
			collBefore.Dec(), collAfter.Dec(), debtBefore.Dec(), debtAfter.Dec())
	}
	if c, d := f.Troves.L(wbtc); !c.IsZero() || !d.IsZero() {
		t.Errorf("wbtc accumulators moved: %s, %s", c.Dec(), d.Dec())
	}
}

// ==========================================
// Lifecycle
// ==========================================

func TestCloseAndReopen_ResetsToBaseline(t *testing.T) {
	f, ids := threeTroves(t)
	a, b := ids[0], ids[1]
	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, ids[2]); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if err := f.Transfer(a, b, D("2000")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := f.Borrower.CloseTrove(f.Ctx, b); err != nil {
		t.Fatalf("close: %v", err)
	}

	tr, ok := f.Troves.Trove(b)
	if !ok || tr.Status != trove.StatusClosedByOwner {
		t.Fatalf("status: got %s, want %s", tr.Status, trove.StatusClosedByOwner)
	}
	if tr.Stakes.Len() != 0 || len(tr.Snapshots) != 0 || !tr.Debt.IsZero() {
		t.Errorf("closed trove keeps state: stakes=%d snapshots=%d debt=%s", tr.Stakes.Len(), len(tr.Snapshots), tr.Debt.Dec())
	}
	if f.Sorted.Contains(b) {
		t.Error("closed trove still indexed")
	}
	stakeA, _ := f.Troves.Trove(a)
	if got := f.Troves.TotalStakes(weth); !got.Eq(stakeA.Stakes.Get(weth)) {
		t.Errorf("total stakes: got %s, want %s", got.Dec(), stakeA.Stakes.Get(weth).Dec())
	}

	fresh := testutil.Addr(9)
	f.Settle()
	f.Open(b, testutil.Basket(weth, D("5")), D("2000"))
	f.Settle()
	f.Open(fresh, testutil.Basket(weth, D("5")), D("2000"))

	reopened, _ := f.Troves.Trove(b)
	baseline, _ := f.Troves.Trove(fresh)
	if reopened.Status != trove.StatusActive {
		t.Fatalf("reopened status: got %s", reopened.Status)
	}
	if !reopened.Stakes.Get(weth).Eq(baseline.Stakes.Get(weth)) {
		t.Errorf("stake: got %s, want %s", reopened.Stakes.Get(weth).Dec(), baseline.Stakes.Get(weth).Dec())
	}
	lColl, lDebt := f.Troves.L(weth)
	snap := reopened.Snapshots[weth]
	if !snap.CollPerStake.Eq(lColl) || !snap.DebtPerStake.Eq(lDebt) {
		t.Errorf("snapshot not anchored to current accumulators")
	}
	if f.Troves.HasPendingRewards(b) {
		t.Error("reopened trove inherits old rewards")
	}
	f.RequireInvariants()
}

func TestOwners_SwapWithLastOnRemoval(t *testing.T) {
	f := testutil.NewFixture(t)
	owners := []common.Address{testutil.Addr(1), testutil.Addr(2), testutil.Addr(3)}
	for _, o := range owners {
		f.Open(o, testutil.Basket(weth, D("10")), D("2000"))
		f.Settle()
	}
	if err := f.Transfer(owners[1], owners[0], D("1000")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := f.Borrower.CloseTrove(f.Ctx, owners[0]); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := f.Troves.Owners()
	if len(got) != 2 || got[0] != owners[2] || got[1] != owners[1] {
		t.Fatalf("owners: got %v, want [%s %s]", got, owners[2].Hex(), owners[1].Hex())
	}
	moved, _ := f.Troves.Trove(owners[2])
	if moved.ArrayIndex != 0 {
		t.Errorf("moved index: got %d, want 0", moved.ArrayIndex)
	}
	f.RequireInvariants()
}

func TestCloseTrove_LastTrovePanics(t *testing.T) {
	f := testutil.NewFixture(t)
	a := testutil.Addr(1)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))

	defer func() {
		if recover() == nil {
			t.Error("expected panic closing the only trove")
		}
	}()
	f.Troves.CloseTrove(a, trove.StatusClosedByOwner)
}
