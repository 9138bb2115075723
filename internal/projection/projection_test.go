package projection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	"TroveLedger/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	alice = common.HexToAddress("0xa000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xa000000000000000000000000000000000000002")
)

func output(seq int64, events ...event.DomainEvent) core.CoreOutput {
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: seq, Timestamp: time.UnixMicro(seq * 1_000_000)},
		Batch:    &ledger.Batch{},
		Events:   events,
		Status:   &core.SystemStatus{Sequence: seq, ActiveTroves: 2},
	}
}

func updated(seq int64, owner common.Address, icr uint64) *event.TroveUpdated {
	return &event.TroveUpdated{
		Sequence:  seq,
		Owner:     owner,
		Status:    "active",
		Debt:      uint256.NewInt(2210),
		ICR:       uint256.NewInt(icr),
		Operation: event.CommandTypeOpenTrove,
	}
}

// ============================================================================
// TroveView
// ============================================================================

func TestTroveViewAppliesUpdates(t *testing.T) {
	view := projection.NewTroveView()
	view.Apply(output(1, updated(1, alice, 300)))
	view.Apply(output(2, updated(2, bob, 150)))

	rec, ok := view.Trove(alice)
	if !ok {
		t.Fatal("alice missing")
	}
	if rec.LastSequence != 1 || rec.Status != "active" {
		t.Errorf("got %+v", rec)
	}
	if view.LastSequence() != 2 {
		t.Errorf("last sequence: got %d, want 2", view.LastSequence())
	}
	if st := view.Status(); st == nil || st.Sequence != 2 {
		t.Errorf("status: got %+v", st)
	}

	list := view.Troves("active", 0)
	if len(list) != 2 || list[0].Owner != bob {
		t.Fatalf("riskiest first: got %d troves, first %s", len(list), list[0].Owner.Hex())
	}
	if got := view.Troves("active", 1); len(got) != 1 {
		t.Errorf("limit: got %d, want 1", len(got))
	}
	if got := view.Troves("closed_by_owner", 0); len(got) != 0 {
		t.Errorf("status filter: got %d, want 0", len(got))
	}
}

func TestTroveViewIgnoresRejectedAndStale(t *testing.T) {
	view := projection.NewTroveView()
	view.Apply(output(2, updated(2, alice, 300)))

	stale := output(1, updated(1, alice, 100))
	view.Apply(stale)

	rejected := output(3, updated(3, alice, 100))
	rejected.Err = errors.New("rejected")
	view.Apply(rejected)

	rec, _ := view.Trove(alice)
	if rec.LastSequence != 2 {
		t.Errorf("last sequence: got %d, want 2", rec.LastSequence)
	}
	if view.LastSequence() != 2 {
		t.Errorf("view sequence: got %d, want 2", view.LastSequence())
	}
}

// ============================================================================
// LiquidationHistory
// ============================================================================

func TestLiquidationHistoryBounded(t *testing.T) {
	h := projection.NewLiquidationHistory(3)
	for i := int64(1); i <= 5; i++ {
		owner := alice
		if i%2 == 0 {
			owner = bob
		}
		h.Add(projection.LiquidationEntry{Sequence: i, Owner: owner})
	}

	if h.Len() != 3 {
		t.Fatalf("len: got %d, want 3", h.Len())
	}
	recent := h.Recent(10)
	if recent[0].Sequence != 5 || recent[2].Sequence != 3 {
		t.Errorf("recent: got %d..%d, want 5..3", recent[0].Sequence, recent[2].Sequence)
	}
	// alice liquidated at 1, 3, 5; 1 was evicted
	if got := h.ByOwner(alice, 10); len(got) != 2 {
		t.Errorf("by owner: got %d, want 2", len(got))
	}
}

// ============================================================================
// Worker
// ============================================================================

func TestWorkerFeedsInMemoryProjections(t *testing.T) {
	view := projection.NewTroveView()
	history := projection.NewLiquidationHistory(10)
	in := make(chan core.CoreOutput, 4)
	w := projection.NewProjectionWorker(nil, view, history, in, nil, zerolog.Nop())

	in <- output(1, updated(1, alice, 300))
	in <- output(2, &event.TroveLiquidated{Sequence: 2, Owner: bob, Liquidator: alice}, &event.TroveUpdated{
		Sequence: 2, Owner: bob, Status: "closed_by_liquidation", Debt: new(uint256.Int), ICR: new(uint256.Int),
	})
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec, _ := view.Trove(bob); rec.Status != "closed_by_liquidation" {
		t.Errorf("bob: got %s, want closed_by_liquidation", rec.Status)
	}
	if got := history.ByOwner(bob, 5); len(got) != 1 || got[0].Liquidator != alice {
		t.Errorf("history: got %+v", got)
	}
}
