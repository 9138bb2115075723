package borrower_test

import (
	"errors"
	"testing"

	"TroveLedger/internal/borrower"
	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/testutil"
	"TroveLedger/internal/trove"
	"TroveLedger/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	weth = testutil.WETH
	wbtc = testutil.WBTC
	D    = testutil.D
)

func fundAndOpen(f *testutil.Fixture, req borrower.OpenRequest) (*borrower.Result, error) {
	for _, e := range req.Colls.Entries() {
		f.Fund(req.Owner, e.Token, e.Amount)
	}
	return f.Borrower.OpenTrove(f.Ctx, req)
}

func gasPoolBalance(f *testutil.Fixture) *uint256.Int {
	return f.Tracker.GetBalance(ledger.NewAccountKey(f.GasPool.Holder(), testutil.Stablecoin))
}

// requireSorted walks the index head to tail and checks ICRs never increase.
func requireSorted(t *testing.T, f *testutil.Fixture) {
	t.Helper()
	ps := f.Prices()
	var prev *uint256.Int
	n := 0
	for id := f.Sorted.First(); id != (common.Address{}); id = f.Sorted.Next(id) {
		icr := f.Troves.CurrentICR(id, ps)
		if prev != nil && icr.Gt(prev) {
			t.Fatalf("index out of order at %s: %s > %s", id.Hex(), icr.Dec(), prev.Dec())
		}
		prev = icr
		n++
	}
	if n != f.Troves.OwnersCount() {
		t.Fatalf("index size: got %d, want %d", n, f.Troves.OwnersCount())
	}
}

// ==========================================
// OpenTrove
// ==========================================

func TestOpenTrove_Bookkeeping(t *testing.T) {
	f := testutil.NewFixture(t)
	a := testutil.Addr(1)
	res := f.Open(a, testutil.Basket(weth, D("10")), D("2000"))

	if !res.Fee.Eq(D("10")) || !res.Debt.Eq(D("2210")) {
		t.Fatalf("fee/debt: got %s/%s, want 10/2210", res.Fee.Dec(), res.Debt.Dec())
	}
	if got := f.Balance(a, testutil.Stablecoin); !got.Eq(D("2000")) {
		t.Errorf("borrower stablecoin: got %s, want 2000", got.Dec())
	}
	if got := f.Balance(a, weth); !got.IsZero() {
		t.Errorf("borrower weth: got %s, want 0", got.Dec())
	}
	if got := f.FeeVault.Collected(testutil.Stablecoin); !got.Eq(D("10")) {
		t.Errorf("fee vault: got %s, want 10", got.Dec())
	}
	if got := gasPoolBalance(f); !got.Eq(D("200")) {
		t.Errorf("gas pool: got %s, want 200", got.Dec())
	}
	if got := f.ActivePool.Debt(); !got.Eq(D("2210")) {
		t.Errorf("active debt: got %s, want 2210", got.Dec())
	}
	if got := f.ActivePool.Collateral(weth); !got.Eq(D("10")) {
		t.Errorf("active weth: got %s, want 10", got.Dec())
	}
	if got := f.Stable.TotalSupply(); !got.Eq(D("2210")) {
		t.Errorf("supply: got %s, want 2210", got.Dec())
	}
	// The whole system debt is new, so the bump is 1/beta.
	if got := f.Troves.Fees().BaseRate(); !got.Eq(D("0.5")) {
		t.Errorf("base rate: got %s, want 0.5", got.Dec())
	}
	if !f.Sorted.Contains(a) {
		t.Error("trove not indexed")
	}
	tr, _ := f.Troves.Trove(a)
	if !tr.Stakes.Get(weth).Eq(D("10")) {
		t.Errorf("stake: got %s, want 10", tr.Stakes.Get(weth).Dec())
	}
	f.RequireInvariants()
}

func TestOpenTrove_Validation(t *testing.T) {
	unknown := common.HexToAddress("0xdead")
	tests := []struct {
		name   string
		colls  collateral.Basket
		debt   string
		maxFee *uint256.Int
		want   error
	}{
		{"empty collateral", collateral.Basket{}, "2000", fpmath.One(), borrower.ErrEmptyCollateral},
		{"unknown collateral", testutil.Basket(unknown, D("1")), "2000", fpmath.One(), borrower.ErrInvalidCollateral},
		{"zero entry", testutil.Basket(weth, D("10"), wbtc, D("0")), "2000", fpmath.One(), borrower.ErrZeroAmount},
		{"max fee below floor", testutil.Basket(weth, D("10")), "2000", D("0.001"), borrower.ErrMaxFeeOutOfRange},
		{"max fee above one", testutil.Basket(weth, D("10")), "2000", D("1.5"), borrower.ErrMaxFeeOutOfRange},
		{"net debt below minimum", testutil.Basket(weth, D("10")), "1000", fpmath.One(), borrower.ErrNetDebtBelowMin},
		{"icr below mcr", testutil.Basket(weth, D("1")), "1800", fpmath.One(), borrower.ErrICRBelowMCR},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testutil.NewFixture(t)
			owner := testutil.Addr(1)
			if tt.colls.Has(weth) {
				f.Fund(owner, weth, tt.colls.Get(weth))
			}
			_, err := f.Borrower.OpenTrove(f.Ctx, borrower.OpenRequest{
				Owner:      owner,
				Colls:      tt.colls,
				DebtAmount: D(tt.debt),
				MaxFee:     tt.maxFee,
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if f.Troves.IsActive(owner) || !f.ActivePool.Debt().IsZero() {
				t.Error("rejected open changed state")
			}
		})
	}
}

func TestOpenTrove_InsufficientCollateralBalance(t *testing.T) {
	f := testutil.NewFixture(t)
	a := testutil.Addr(1)
	f.Fund(a, weth, D("1"))
	_, err := f.Borrower.OpenTrove(f.Ctx, borrower.OpenRequest{
		Owner:      a,
		Colls:      testutil.Basket(weth, D("10")),
		DebtAmount: D("2000"),
		MaxFee:     fpmath.One(),
	})
	if !errors.Is(err, borrower.ErrInsufficientCollateral) {
		t.Fatalf("got %v, want %v", err, borrower.ErrInsufficientCollateral)
	}
}

func TestOpenTrove_AlreadyActive(t *testing.T) {
	f := testutil.NewFixture(t)
	a := testutil.Addr(1)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	_, err := fundAndOpen(f, borrower.OpenRequest{
		Owner:      a,
		Colls:      testutil.Basket(weth, D("10")),
		DebtAmount: D("2000"),
		MaxFee:     fpmath.One(),
	})
	if !errors.Is(err, borrower.ErrTroveActive) {
		t.Fatalf("got %v, want %v", err, borrower.ErrTroveActive)
	}
}

func TestOpenTrove_FeeAboveMaxAfterBump(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Open(testutil.Addr(1), testutil.Basket(weth, D("10")), D("2000"))

	_, err := fundAndOpen(f, borrower.OpenRequest{
		Owner:      testutil.Addr(2),
		Colls:      testutil.Basket(weth, D("10")),
		DebtAmount: D("2000"),
		MaxFee:     D("0.01"),
	})
	if !errors.Is(err, borrower.ErrFeeExceedsMax) {
		t.Fatalf("got %v, want %v", err, borrower.ErrFeeExceedsMax)
	}

	f.Settle()
	if _, err := f.Borrower.OpenTrove(f.Ctx, borrower.OpenRequest{
		Owner:      testutil.Addr(2),
		Colls:      testutil.Basket(weth, D("10")),
		DebtAmount: D("2000"),
		MaxFee:     D("0.01"),
	}); err != nil {
		t.Fatalf("open after decay: %v", err)
	}
}

func TestOpenTrove_TCRBelowCCR(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Open(testutil.Addr(1), testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()

	_, err := fundAndOpen(f, borrower.OpenRequest{
		Owner:      testutil.Addr(2),
		Colls:      testutil.Basket(weth, D("100")),
		DebtAmount: D("175000"),
		MaxFee:     fpmath.One(),
	})
	if !errors.Is(err, borrower.ErrTCRBelowCCR) {
		t.Fatalf("got %v, want %v", err, borrower.ErrTCRBelowCCR)
	}
}

func TestOpenTrove_ListFull(t *testing.T) {
	params := trove.DefaultParams()
	params.MaxTroves = 1
	f := testutil.NewFixtureWithParams(t, params)
	f.Open(testutil.Addr(1), testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()

	_, err := fundAndOpen(f, borrower.OpenRequest{
		Owner:      testutil.Addr(2),
		Colls:      testutil.Basket(weth, D("10")),
		DebtAmount: D("2000"),
		MaxFee:     fpmath.One(),
	})
	if !errors.Is(err, borrower.ErrListFull) {
		t.Fatalf("got %v, want %v", err, borrower.ErrListFull)
	}
}

// ==========================================
// AdjustTrove
// ==========================================

func TestAdjustTrove_Validation(t *testing.T) {
	f := testutil.NewFixture(t)
	a := testutil.Addr(1)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	f.Open(testutil.Addr(2), testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()
	f.Fund(a, weth, D("1"))

	tests := []struct {
		name string
		req  borrower.AdjustRequest
		want error
	}{
		{"inactive", borrower.AdjustRequest{Owner: testutil.Addr(9), CollsIn: testutil.Basket(weth, D("1"))}, trove.ErrTroveNotActive},
		{"no change", borrower.AdjustRequest{Owner: a}, borrower.ErrNoChange},
		{"zero debt increase", borrower.AdjustRequest{Owner: a, CollsIn: testutil.Basket(weth, D("1")), IsDebtIncrease: true, MaxFee: fpmath.One()}, borrower.ErrZeroAmount},
		{"overlap", borrower.AdjustRequest{Owner: a, CollsIn: testutil.Basket(weth, D("1")), CollsOut: testutil.Basket(weth, D("1"))}, borrower.ErrOverlappingColl},
		{"withdraw more than held", borrower.AdjustRequest{Owner: a, CollsOut: testutil.Basket(weth, D("11"))}, borrower.ErrInsufficientCollateral},
		{"withdraw below mcr", borrower.AdjustRequest{Owner: a, CollsOut: testutil.Basket(weth, D("9"))}, borrower.ErrICRBelowMCR},
		{"repay above net debt", borrower.AdjustRequest{Owner: a, DebtChange: D("2011")}, borrower.ErrRepayExceedsDebt},
		{"repay below minimum", borrower.AdjustRequest{Owner: a, DebtChange: D("300")}, borrower.ErrNetDebtBelowMin},
		{"max fee out of range", borrower.AdjustRequest{Owner: a, DebtChange: D("100"), IsDebtIncrease: true, MaxFee: D("0.001")}, borrower.ErrMaxFeeOutOfRange},
		{"deposit unfunded", borrower.AdjustRequest{Owner: a, CollsIn: testutil.Basket(wbtc, testutil.BTC("1"))}, borrower.ErrInsufficientCollateral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.Borrower.AdjustTrove(f.Ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	tr, _ := f.Troves.Trove(a)
	if !tr.Debt.Eq(D("2210")) || !tr.Colls.Get(weth).Eq(D("10")) {
		t.Errorf("rejected adjustments changed trove: debt %s, weth %s", tr.Debt.Dec(), tr.Colls.Get(weth).Dec())
	}
}

func TestAdjustTrove_DepositWithdrawBorrowRepay(t *testing.T) {
	f := testutil.NewFixture(t)
	a := testutil.Addr(1)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	f.Open(testutil.Addr(2), testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()

	f.Fund(a, wbtc, testutil.BTC("1"))
	res, err := f.Borrower.AddColl(f.Ctx, a, testutil.Basket(wbtc, testutil.BTC("1")), common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("add coll: %v", err)
	}
	if !res.Colls.Get(wbtc).Eq(testutil.BTC("1")) {
		t.Errorf("wbtc: got %s", res.Colls.Get(wbtc).Dec())
	}

	res, err = f.Borrower.WithdrawColl(f.Ctx, a, testutil.Basket(weth, D("4")), common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("withdraw coll: %v", err)
	}
	if !res.Colls.Get(weth).Eq(D("6")) || !f.Balance(a, weth).Eq(D("4")) {
		t.Errorf("weth after withdraw: trove %s, wallet %s", res.Colls.Get(weth).Dec(), f.Balance(a, weth).Dec())
	}

	rateBefore := f.Troves.Fees().DecayedBaseRate(f.Clock.Now())
	res, err = f.Borrower.WithdrawDebt(f.Ctx, a, D("1000"), fpmath.One(), common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("withdraw debt: %v", err)
	}
	if res.Fee.IsZero() {
		t.Error("borrowing fee not charged")
	}
	wantDebt := new(uint256.Int).Add(D("3210"), res.Fee)
	if !res.Debt.Eq(wantDebt) {
		t.Errorf("debt: got %s, want %s", res.Debt.Dec(), wantDebt.Dec())
	}
	// Bumped by what the system debt grew by, fee included, over the new total.
	delta := new(uint256.Int).Add(D("1000"), res.Fee)
	bump := fpmath.MulDiv(delta, fpmath.One(), f.ActivePool.Debt(), fpmath.RoundDown)
	bump.Div(bump, uint256.NewInt(f.Troves.Params().Beta))
	wantRate := fpmath.Min(new(uint256.Int).Add(rateBefore, bump), fpmath.One())
	if got := f.Troves.Fees().BaseRate(); !got.Eq(wantRate) {
		t.Errorf("base rate: got %s, want %s", got.Dec(), wantRate.Dec())
	}

	res, err = f.Borrower.RepayDebt(f.Ctx, a, D("500"), common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	wantDebt.Sub(wantDebt, D("500"))
	if !res.Debt.Eq(wantDebt) {
		t.Errorf("debt after repay: got %s, want %s", res.Debt.Dec(), wantDebt.Dec())
	}
	if got := f.Balance(a, testutil.Stablecoin); !got.Eq(D("2500")) {
		t.Errorf("wallet stablecoin: got %s, want 2500", got.Dec())
	}
	requireSorted(t, f)
	f.RequireInvariants()
}

func TestAdjustTrove_AppliesPendingRewards(t *testing.T) {
	f := testutil.NewFixture(t)
	a, b, c := testutil.Addr(1), testutil.Addr(2), testutil.Addr(3)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()
	f.Open(b, testutil.Basket(weth, D("10")), D("2000"))
	f.Settle()
	f.Open(c, testutil.Basket(weth, D("2")), D("3000"))
	f.SetPrice(weth, "1700")
	if _, err := f.Troves.Liquidate(f.Ctx, testutil.Liquidator, c); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	want := f.Troves.EntirePosition(a)
	f.Fund(a, weth, D("1"))
	res, err := f.Borrower.AddColl(f.Ctx, a, testutil.Basket(weth, D("1")), common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("add coll: %v", err)
	}
	wantColl := new(uint256.Int).Add(want.Colls.Get(weth), D("1"))
	if !res.Colls.Get(weth).Eq(wantColl) || !res.Debt.Eq(want.Debt) {
		t.Errorf("position: got %s/%s, want %s/%s", res.Colls.Get(weth).Dec(), res.Debt.Dec(), wantColl.Dec(), want.Debt.Dec())
	}
	if f.Troves.HasPendingRewards(a) {
		t.Error("pending rewards survive adjustment")
	}
	f.RequireInvariants()
}

// ==========================================
// Recovery mode
// ==========================================

func recoveryFixture(t *testing.T) (*testutil.Fixture, common.Address, common.Address) {
	t.Helper()
	f := testutil.NewFixture(t)
	a, c := testutil.Addr(1), testutil.Addr(3)
	f.Open(a, testutil.Basket(weth, D("4")), D("3000"))
	f.Settle()
	f.Open(c, testutil.Basket(weth, D("3")), D("3000"))
	f.Settle()
	f.SetPrice(weth, "1300")
	if !f.Troves.CheckRecoveryMode(f.Prices()) {
		t.Fatal("expected recovery mode")
	}
	return f, a, c
}

func TestRecoveryMode_CollateralWithdrawalBlocked(t *testing.T) {
	f, a, _ := recoveryFixture(t)
	_, err := f.Borrower.WithdrawColl(f.Ctx, a, testutil.Basket(weth, D("0.1")), common.Address{}, common.Address{})
	if !errors.Is(err, borrower.ErrCollWithdrawalInRecovery) {
		t.Fatalf("got %v, want %v", err, borrower.ErrCollWithdrawalInRecovery)
	}
}

func TestRecoveryMode_BorrowBelowCCRBlocked(t *testing.T) {
	f, _, c := recoveryFixture(t)
	_, err := f.Borrower.WithdrawDebt(f.Ctx, c, D("100"), nil, common.Address{}, common.Address{})
	if !errors.Is(err, borrower.ErrICRBelowCCR) {
		t.Fatalf("got %v, want %v", err, borrower.ErrICRBelowCCR)
	}
}

func TestRecoveryMode_BorrowAllowedAboveCCR(t *testing.T) {
	f, a, _ := recoveryFixture(t)
	before := f.Troves.CurrentICR(a, f.Prices())
	res, err := f.Borrower.WithdrawDebt(f.Ctx, a, D("10"), nil, common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("withdraw debt: %v", err)
	}
	if !res.ICR.Lt(before) || res.ICR.Lt(f.Troves.Params().CCR) {
		t.Errorf("icr: got %s, want below %s and at least CCR", res.ICR.Dec(), before.Dec())
	}
	if !res.Fee.IsZero() {
		t.Errorf("fee: got %s, want 0", res.Fee.Dec())
	}
	f.RequireInvariants()
}

func TestRecoveryMode_RepayAllowedBelowCCR(t *testing.T) {
	f, _, c := recoveryFixture(t)
	before := f.Troves.CurrentICR(c, f.Prices())
	res, err := f.Borrower.RepayDebt(f.Ctx, c, D("100"), common.Address{}, common.Address{})
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !res.ICR.Gt(before) {
		t.Errorf("icr: got %s, want > %s", res.ICR.Dec(), before.Dec())
	}
}

func TestRecoveryMode_OpenRequiresCCRAndChargesNoFee(t *testing.T) {
	f, _, _ := recoveryFixture(t)
	d, e := testutil.Addr(4), testutil.Addr(5)

	_, err := fundAndOpen(f, borrower.OpenRequest{Owner: d, Colls: testutil.Basket(weth, D("2")), DebtAmount: D("2000")})
	if !errors.Is(err, borrower.ErrICRBelowCCR) {
		t.Fatalf("got %v, want %v", err, borrower.ErrICRBelowCCR)
	}

	rateBefore := f.Troves.Fees().DecayedBaseRate(f.Clock.Now())
	res, err := fundAndOpen(f, borrower.OpenRequest{Owner: e, Colls: testutil.Basket(weth, D("10")), DebtAmount: D("2000")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !res.Fee.IsZero() || !res.Debt.Eq(D("2200")) {
		t.Errorf("fee/debt: got %s/%s, want 0/2200", res.Fee.Dec(), res.Debt.Dec())
	}
	if !f.Troves.Fees().BaseRate().Gt(rateBefore) {
		t.Error("base rate not bumped in recovery mode")
	}
	f.RequireInvariants()
}

func TestRecoveryMode_CloseBlocked(t *testing.T) {
	f, a, _ := recoveryFixture(t)
	if _, err := f.Borrower.CloseTrove(f.Ctx, a); !errors.Is(err, borrower.ErrCloseInRecovery) {
		t.Fatalf("got %v, want %v", err, borrower.ErrCloseInRecovery)
	}
}

// ==========================================
// CloseTrove and claims
// ==========================================

func TestCloseTrove(t *testing.T) {
	f := testutil.NewFixture(t)
	a, b := testutil.Addr(1), testutil.Addr(2)
	f.Open(a, testutil.Basket(weth, D("10")), D("2000"))
	if _, err := f.Borrower.CloseTrove(f.Ctx, a); !errors.Is(err, borrower.ErrOnlyOneTrove) {
		t.Fatalf("only trove: got %v, want %v", err, borrower.ErrOnlyOneTrove)
	}

	f.Settle()
	resB := f.Open(b, testutil.Basket(weth, D("10")), D("2000"))
	if _, err := f.Borrower.CloseTrove(f.Ctx, a); !errors.Is(err, borrower.ErrInsufficientStablecoin) {
		t.Fatalf("short balance: got %v, want %v", err, borrower.ErrInsufficientStablecoin)
	}

	if err := f.Transfer(b, a, D("10")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := f.Borrower.CloseTrove(f.Ctx, a); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.Troves.Status(a) != trove.StatusClosedByOwner {
		t.Errorf("status: got %s", f.Troves.Status(a))
	}
	if got := f.Balance(a, weth); !got.Eq(D("10")) {
		t.Errorf("returned weth: got %s, want 10", got.Dec())
	}
	if got := f.Balance(a, testutil.Stablecoin); !got.IsZero() {
		t.Errorf("stablecoin left: got %s, want 0", got.Dec())
	}
	if got := gasPoolBalance(f); !got.Eq(D("200")) {
		t.Errorf("gas pool: got %s, want 200", got.Dec())
	}
	if got := f.ActivePool.Debt(); !got.Eq(resB.Debt) {
		t.Errorf("active debt: got %s, want %s", got.Dec(), resB.Debt.Dec())
	}
	if got := f.Stable.TotalSupply(); !got.Eq(resB.Debt) {
		t.Errorf("supply: got %s, want %s", got.Dec(), resB.Debt.Dec())
	}
	f.RequireInvariants()
}

func TestClaimCollateral_NothingToClaim(t *testing.T) {
	f := testutil.NewFixture(t)
	if _, err := f.Borrower.ClaimCollateral(testutil.Addr(1)); !errors.Is(err, vault.ErrNothingToClaim) {
		t.Fatalf("got %v, want %v", err, vault.ErrNothingToClaim)
	}
}

// ==========================================
// Index ordering
// ==========================================

func TestIndexStaysSortedAcrossOperations(t *testing.T) {
	f := testutil.NewFixture(t)
	debts := []string{"2000", "5000", "3000", "8000", "2500", "4000"}
	owners := make([]common.Address, len(debts))
	for i, debt := range debts {
		owners[i] = testutil.Addr(i + 1)
		res, err := fundAndOpen(f, borrower.OpenRequest{
			Owner:      owners[i],
			Colls:      testutil.Basket(weth, D("10")),
			DebtAmount: D(debt),
			MaxFee:     fpmath.One(),
			// Deliberately stale hints; the index must recover.
			UpperHint: owners[0],
			LowerHint: owners[0],
		})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if !f.Sorted.Contains(res.Owner) {
			t.Fatalf("open %d not indexed", i)
		}
		requireSorted(t, f)
		f.Settle()
	}

	f.Fund(owners[3], weth, D("5"))
	if _, err := f.Borrower.AddColl(f.Ctx, owners[3], testutil.Basket(weth, D("5")), owners[1], owners[2]); err != nil {
		t.Fatalf("add coll: %v", err)
	}
	requireSorted(t, f)

	if _, err := f.Borrower.WithdrawDebt(f.Ctx, owners[0], D("4000"), fpmath.One(), common.Address{}, common.Address{}); err != nil {
		t.Fatalf("withdraw debt: %v", err)
	}
	requireSorted(t, f)

	f.SetPrice(weth, "1500")
	requireSorted(t, f)
}
