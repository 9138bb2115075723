package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	alice = common.HexToAddress("0xa000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xa000000000000000000000000000000000000002")
	weth  = common.HexToAddress("0xc000000000000000000000000000000000000001")
	wbtc  = common.HexToAddress("0xc000000000000000000000000000000000000002")
)

type tokens struct{}

func (tokens) Symbol(token common.Address) string {
	switch token {
	case weth:
		return "WETH"
	case wbtc:
		return "WBTC"
	}
	return token.Hex()
}

func (tokens) Decimals(token common.Address) (uint8, error) {
	switch token {
	case weth:
		return 18, nil
	case wbtc:
		return 8, nil
	}
	return 0, collateral.ErrUnknownCollateral
}

func newService(t *testing.T) (*query.QueryService, *projection.TroveView, *projection.LiquidationHistory) {
	t.Helper()
	view := projection.NewTroveView()
	history := projection.NewLiquidationHistory(100)
	return query.NewQueryService(nil, view, history, tokens{}, nil), view, history
}

func output(seq int64, status *core.SystemStatus, events ...event.DomainEvent) core.CoreOutput {
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: seq, Timestamp: time.UnixMicro(seq * 1_000_000)},
		Batch:    &ledger.Batch{},
		Events:   events,
		Status:   status,
	}
}

func openTrove(seq int64, owner common.Address, icr string, colls ...collateral.Entry) *event.TroveUpdated {
	return &event.TroveUpdated{
		Sequence:  seq,
		Owner:     owner,
		Status:    "active",
		Debt:      fpmath.Units(2210),
		Colls:     colls,
		ICR:       fpmath.MustParseDecimal(icr),
		Operation: event.CommandTypeOpenTrove,
	}
}

// ============================================================================
// Troves
// ============================================================================

func TestGetTroveFormatsAmounts(t *testing.T) {
	qs, view, _ := newService(t)
	view.Apply(output(1, nil, openTrove(1, alice, "2.5",
		collateral.Entry{Token: wbtc, Amount: uint256.NewInt(12_345_678)},
		collateral.Entry{Token: weth, Amount: fpmath.Units(3)},
	)))

	resp, err := qs.GetTrove(alice)
	if err != nil {
		t.Fatalf("get trove: %v", err)
	}
	if resp.Debt != "2210" {
		t.Errorf("debt: got %s, want 2210", resp.Debt)
	}
	if resp.ICR != "2.5" {
		t.Errorf("icr: got %s, want 2.5", resp.ICR)
	}
	if len(resp.Collateral) != 2 {
		t.Fatalf("collateral: got %d entries, want 2", len(resp.Collateral))
	}
	if c := resp.Collateral[0]; c.Symbol != "WBTC" || c.Amount != "0.12345678" {
		t.Errorf("wbtc: got %+v", c)
	}
	if c := resp.Collateral[1]; c.Symbol != "WETH" || c.Amount != "3" {
		t.Errorf("weth: got %+v", c)
	}
	if resp.LastOperation != event.CommandTypeOpenTrove.String() {
		t.Errorf("operation: got %s", resp.LastOperation)
	}
	if resp.AsOfSequence != 1 {
		t.Errorf("as of: got %d, want 1", resp.AsOfSequence)
	}
}

func TestGetTroveNotFound(t *testing.T) {
	qs, _, _ := newService(t)
	if _, err := qs.GetTrove(bob); !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListTrovesRiskiestFirst(t *testing.T) {
	qs, view, _ := newService(t)
	view.Apply(output(1, nil, openTrove(1, alice, "3")))
	view.Apply(output(2, nil, openTrove(2, bob, "1.2")))

	list, err := qs.ListTroves("active", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d troves, want 2", len(list))
	}
	if list[0].Owner != bob.Hex() {
		t.Errorf("first: got %s, want %s", list[0].Owner, bob.Hex())
	}
}

// ============================================================================
// System status
// ============================================================================

func TestSystemStatusNotReady(t *testing.T) {
	qs, _, _ := newService(t)
	if _, err := qs.GetSystemStatus(); !errors.Is(err, query.ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
}

func TestSystemStatusFormatted(t *testing.T) {
	qs, view, _ := newService(t)
	status := &core.SystemStatus{
		Sequence:          4,
		StateHash:         [32]byte{0xab},
		ActiveTroves:      1,
		TotalDebt:         fpmath.Units(2210),
		TotalColl:         []collateral.Entry{{Token: weth, Amount: fpmath.Units(10)}},
		TCR:               fpmath.MustParseDecimal("9.04"),
		BaseRate:          fpmath.Zero(),
		StabilityDeposits: fpmath.Zero(),
		StablecoinSupply:  fpmath.Units(2210),
		Collateral: []core.CollateralStatus{
			{Token: weth, Symbol: "WETH", Decimals: 18, Price: fpmath.Units(2000), OracleStatus: "primary_working"},
			{Token: wbtc, Symbol: "WBTC", Decimals: 8, OracleStatus: "both_untrusted"},
		},
	}
	view.Apply(output(4, status))

	resp, err := qs.GetSystemStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.AsOfSequence != 4 || resp.ActiveTroves != 1 {
		t.Errorf("got sequence %d troves %d", resp.AsOfSequence, resp.ActiveTroves)
	}
	if resp.TotalDebt != "2210" || resp.TCR != "9.04" {
		t.Errorf("debt %s tcr %s", resp.TotalDebt, resp.TCR)
	}
	if len(resp.TotalCollateral) != 1 || resp.TotalCollateral[0].Amount != "10" {
		t.Errorf("total collateral: got %+v", resp.TotalCollateral)
	}
	if resp.StateHash[:2] != "ab" {
		t.Errorf("state hash: got %s", resp.StateHash)
	}
	if resp.Collateral[0].Price != "2000" {
		t.Errorf("weth price: got %s, want 2000", resp.Collateral[0].Price)
	}
	if resp.Collateral[1].Price != "" {
		t.Errorf("wbtc price: got %s, want empty", resp.Collateral[1].Price)
	}
}

// ============================================================================
// Liquidations
// ============================================================================

func TestGetLiquidationsByOwnerAndRecent(t *testing.T) {
	qs, _, history := newService(t)
	for i, owner := range []common.Address{alice, bob, alice} {
		history.Add(projection.LiquidationEntry{
			Sequence:          int64(i + 1),
			Owner:             owner,
			Liquidator:        bob,
			ICR:               fpmath.MustParseDecimal("1.05"),
			Debt:              fpmath.Units(2210),
			Colls:             []collateral.Entry{{Token: weth, Amount: fpmath.Units(1)}},
			DebtOffset:        fpmath.Units(2210),
			DebtRedistributed: fpmath.Zero(),
		})
	}

	mine, err := qs.GetLiquidations(&alice, 10)
	if err != nil {
		t.Fatalf("by owner: %v", err)
	}
	if len(mine) != 2 || mine[0].Sequence != 3 {
		t.Fatalf("by owner: got %d entries", len(mine))
	}
	if mine[0].ICR != "1.05" || mine[0].DebtOffset != "2210" {
		t.Errorf("formatting: got %+v", mine[0])
	}

	recent, err := qs.GetLiquidations(nil, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Sequence != 3 || recent[1].Sequence != 2 {
		t.Errorf("recent: got %+v", recent)
	}
}

// ============================================================================
// Database-backed queries
// ============================================================================

func TestDatabaseQueriesRequireDB(t *testing.T) {
	qs, _, _ := newService(t)
	ctx := context.Background()

	if _, err := qs.GetBalance(ctx, alice, weth); !errors.Is(err, query.ErrNoDatabase) {
		t.Errorf("balance: got %v", err)
	}
	if _, err := qs.GetJournalHistory(ctx, alice, 10, nil); !errors.Is(err, query.ErrNoDatabase) {
		t.Errorf("journal: got %v", err)
	}
	if _, err := qs.VerifyIntegrity(ctx); !errors.Is(err, query.ErrNoDatabase) {
		t.Errorf("integrity: got %v", err)
	}
}
