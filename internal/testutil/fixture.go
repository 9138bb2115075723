package testutil

import (
	"context"
	"testing"
	"time"

	"TroveLedger/internal/borrower"
	"TroveLedger/internal/clock"
	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/system"
	"TroveLedger/internal/trove"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	Stablecoin = common.HexToAddress("0x5000000000000000000000000000000000000001")
	WETH       = common.HexToAddress("0xc000000000000000000000000000000000000001")
	WBTC       = common.HexToAddress("0xc000000000000000000000000000000000000002")
	Liquidator = common.HexToAddress("0x1100000000000000000000000000000000000001")
)

// Start is the fixture's initial clock reading.
var Start = time.Unix(1_700_000_000, 0)

// Addr returns a deterministic user address.
func Addr(n int) common.Address {
	return common.BigToAddress(new(uint256.Int).SetUint64(uint64(0xa000 + n)).ToBig())
}

// D parses an 18-decimal string, failing the process on bad input.
func D(s string) *uint256.Int {
	return fpmath.MustParseDecimal(s)
}

// Basket builds a basket from token/amount pairs.
func Basket(pairs ...any) collateral.Basket {
	var b collateral.Basket
	for i := 0; i+1 < len(pairs); i += 2 {
		b.Add(pairs[i].(common.Address), pairs[i+1].(*uint256.Int))
	}
	return b
}

// Fixture is a full protocol instance with WETH (18 decimals) and WBTC
// (8 decimals) registered and priced at 2000 and 30000.
type Fixture struct {
	*system.System
	t      *testing.T
	Ctx    context.Context
	prices map[common.Address]string
}

func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	return NewFixtureWithParams(t, trove.DefaultParams())
}

func NewFixtureWithParams(t *testing.T, params trove.Params) *Fixture {
	t.Helper()
	clk := clock.NewManualClock(Start)
	sys, err := system.New(system.Config{
		Stablecoin: Stablecoin,
		Params:     params,
		Oracle:     oracle.DefaultParams(),
	}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("new system: %v", err)
	}

	f := &Fixture{System: sys, t: t, Ctx: context.Background(), prices: make(map[common.Address]string)}
	specs := []system.CollateralSpec{
		{Token: WETH, Symbol: "WETH", Decimals: 18, SafetyRatio: fpmath.One(), Whitelisted: true, PrimaryDecimals: 8, SecondaryDecimals: 6},
		{Token: WBTC, Symbol: "WBTC", Decimals: 8, SafetyRatio: fpmath.One(), Whitelisted: true, PrimaryDecimals: 8, SecondaryDecimals: 6},
	}
	for _, spec := range specs {
		if err := sys.AddCollateral(spec); err != nil {
			t.Fatalf("add collateral %s: %v", spec.Symbol, err)
		}
	}
	sys.Book.Begin("fixture", 0, Start.UnixMicro())

	f.SetPrice(WETH, "2000")
	f.SetPrice(WETH, "2000")
	f.SetPrice(WBTC, "30000")
	f.SetPrice(WBTC, "30000")
	for _, spec := range specs {
		feeds, _ := sys.Feeds(spec.Token)
		if _, err := feeds.Aggregator.FetchPrice(f.Ctx); err != nil {
			t.Fatalf("init oracle %s: %v", spec.Symbol, err)
		}
	}
	return f
}

// SetPrice publishes price to both feeds of token at the current time.
func (f *Fixture) SetPrice(token common.Address, price string) {
	f.t.Helper()
	feeds, ok := f.Feeds(token)
	if !ok {
		f.t.Fatalf("no feeds for %s", token.Hex())
	}
	now := f.Clock.Now().Unix()
	primary, err := fpmath.ParseUnits(price, feeds.PrimaryDecimals)
	if err != nil {
		f.t.Fatalf("parse price: %v", err)
	}
	secondary, err := fpmath.ParseUnits(price, feeds.SecondaryDecimals)
	if err != nil {
		f.t.Fatalf("parse price: %v", err)
	}
	err = feeds.Primary.Push(oracle.PrimaryRound{
		RoundID:   feeds.Primary.LatestID() + 1,
		Answer:    primary.ToBig(),
		UpdatedAt: now,
		Decimals:  feeds.PrimaryDecimals,
	})
	if err != nil {
		f.t.Fatalf("push round: %v", err)
	}
	feeds.Secondary.Set(oracle.SecondaryReading{Value: secondary, Timestamp: now, Decimals: feeds.SecondaryDecimals})
	f.prices[token] = price
}

// Advance moves the clock forward and republishes the last prices so the
// feeds stay live.
func (f *Fixture) Advance(d time.Duration) {
	f.t.Helper()
	f.Clock.Advance(d)
	for _, token := range f.Registry.Tokens() {
		if price, ok := f.prices[token]; ok {
			f.SetPrice(token, price)
		}
	}
}

// Fund mints collateral to owner.
func (f *Fixture) Fund(owner, token common.Address, amount *uint256.Int) {
	f.t.Helper()
	if err := f.MintCollateral(token, owner, amount); err != nil {
		f.t.Fatalf("fund %s: %v", owner.Hex(), err)
	}
}

// Open funds owner with colls and opens a trove borrowing debt at max fee 100%.
func (f *Fixture) Open(owner common.Address, colls collateral.Basket, debt *uint256.Int) *borrower.Result {
	f.t.Helper()
	for _, e := range colls.Entries() {
		f.Fund(owner, e.Token, e.Amount)
	}
	res, err := f.Borrower.OpenTrove(f.Ctx, borrower.OpenRequest{
		Owner:      owner,
		Colls:      colls,
		DebtAmount: debt,
		MaxFee:     fpmath.One(),
	})
	if err != nil {
		f.t.Fatalf("open trove %s: %v", owner.Hex(), err)
	}
	return res
}

// Balance is owner's wallet balance of asset.
func (f *Fixture) Balance(owner, asset common.Address) *uint256.Int {
	return f.Tracker.GetBalance(ledger.NewAccountKey(ledger.UserHolder(owner), asset))
}

// Prices returns a fresh price set.
func (f *Fixture) Prices() *trove.PriceSet {
	return f.Troves.Prices(f.Ctx)
}

// RequireInvariants fails the test if any system invariant is broken.
func (f *Fixture) RequireInvariants() {
	f.t.Helper()
	if err := f.CheckInvariants(); err != nil {
		f.t.Fatalf("invariant: %v", err)
	}
}

// BTC parses an 8-decimal WBTC amount.
func BTC(s string) *uint256.Int {
	v, err := fpmath.ParseUnits(s, 8)
	if err != nil {
		panic(err)
	}
	return v
}

// Settle advances a week so the base rate decays back under the fee floor.
func (f *Fixture) Settle() {
	f.t.Helper()
	f.Advance(7 * 24 * time.Hour)
}
