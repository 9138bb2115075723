package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/testutil"
	"TroveLedger/internal/trove"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

// harness drives an engine over a fixture the way the shell does, keeping
// the upstream counters and the resulting command log.
type harness struct {
	t       *testing.T
	f       *testutil.Fixture
	eng     *core.Engine
	persist chan core.CoreOutput

	userSeq   int64
	adminSeq  int64
	secondary map[common.Address]int64
	now       time.Time
	log       []core.LoggedCommand
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, configure func(*core.Options)) *harness {
	t.Helper()
	f := testutil.NewFixture(t)
	// Fixture setup is not part of any command.
	f.Book.Drain()
	f.Troves.Drain()

	persist := make(chan core.CoreOutput, 256)
	opts := core.Options{
		PersistChan:         persist,
		IdempotencyCapacity: 1024,
		Logger:              zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}
	eng, err := core.NewEngine(f.System, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{
		t:         t,
		f:         f,
		eng:       eng,
		persist:   persist,
		userSeq:   1,
		adminSeq:  1,
		secondary: make(map[common.Address]int64),
		now:       testutil.Start,
	}
}

func (h *harness) tick() int64 {
	h.now = h.now.Add(time.Second)
	return h.now.UnixMicro()
}

func (h *harness) userMeta() event.Meta {
	m := event.Meta{RequestID: uuid.New(), Sequence: h.userSeq, Timestamp: h.tick()}
	h.userSeq++
	return m
}

func (h *harness) adminMeta() event.Meta {
	m := event.Meta{RequestID: uuid.New(), Sequence: h.adminSeq, Timestamp: h.tick()}
	h.adminSeq++
	return m
}

// process requires cmd to be recorded and appends it to the log.
func (h *harness) process(cmd event.Command) *core.CoreOutput {
	h.t.Helper()
	out, err := h.eng.Process(context.Background(), cmd)
	if err != nil {
		h.t.Fatalf("process %s: %v", cmd.CommandType(), err)
	}
	if out == nil {
		h.t.Fatalf("process %s: not recorded", cmd.CommandType())
	}
	h.log = append(h.log, core.LoggedCommand{
		Sequence:  out.Envelope.Sequence,
		Command:   cmd,
		StateHash: out.Envelope.StateHash,
	})
	return out
}

func (h *harness) apply(cmd event.Command) *core.CoreOutput {
	h.t.Helper()
	out := h.process(cmd)
	if out.Err != nil {
		h.t.Fatalf("%s rejected: %v", cmd.CommandType(), out.Err)
	}
	return out
}

func (h *harness) mint(owner common.Address, amount *uint256.Int) *core.CoreOutput {
	h.t.Helper()
	return h.apply(&event.MintCollateral{Meta: h.adminMeta(), Token: testutil.WETH, To: owner, Amount: amount})
}

// open funds owner with weth and opens a trove borrowing debt.
func (h *harness) open(owner common.Address, weth, debt string) *core.CoreOutput {
	h.t.Helper()
	coll := testutil.D(weth)
	h.mint(owner, coll)
	return h.apply(&event.OpenTrove{
		Meta:       h.userMeta(),
		Owner:      owner,
		Colls:      []collateral.Entry{{Token: testutil.WETH, Amount: coll}},
		DebtAmount: testutil.D(debt),
		MaxFee:     fpmath.One(),
	})
}

// setPrice publishes price for token on both sources through the engine.
func (h *harness) setPrice(token common.Address, price string) {
	h.t.Helper()
	feeds, _ := h.f.Feeds(token)
	primary, _ := fpmath.ParseUnits(price, feeds.PrimaryDecimals)
	secondary, _ := fpmath.ParseUnits(price, feeds.SecondaryDecimals)

	ts := h.tick()
	h.apply(&event.PrimaryRound{
		Token:     token,
		RoundID:   feeds.Primary.LatestID() + 1,
		Answer:    primary.ToBig(),
		Decimals:  feeds.PrimaryDecimals,
		UpdatedAt: ts / 1_000_000,
		Timestamp: ts,
	})
	h.secondary[token]++
	h.apply(&event.SecondaryValue{
		Token:       token,
		Sequence:    h.secondary[token],
		Value:       secondary,
		Decimals:    feeds.SecondaryDecimals,
		ReadingTime: ts / 1_000_000,
		Timestamp:   ts,
	})
}

// scenario runs a mix of applied and rejected commands.
func scenario(h *harness) {
	alice, bob := testutil.Addr(1), testutil.Addr(2)
	h.open(alice, "10", "2000")
	h.process(&event.CloseTrove{Meta: h.userMeta(), Owner: bob}) // rejected: no trove
	h.open(bob, "1.5", "2000")
	h.setPrice(testutil.WETH, "1500")
	h.apply(&event.Liquidate{Meta: h.userMeta(), Liquidator: testutil.Liquidator, Owner: bob})
}

// ============================================================================
// Pipeline
// ============================================================================

func TestProcessChainsStateHash(t *testing.T) {
	h := newHarness(t)

	first := h.mint(testutil.Addr(1), testutil.D("10"))
	if first.Envelope.Sequence != 1 {
		t.Fatalf("sequence: got %d, want 1", first.Envelope.Sequence)
	}
	if first.Envelope.PrevHash != core.GenesisHash() {
		t.Errorf("first command should chain from genesis")
	}
	if want := core.ChainHash(core.GenesisHash(), 1, first.StateDelta); first.Envelope.StateHash != want {
		t.Errorf("state hash: got %x, want %x", first.Envelope.StateHash, want)
	}
	if len(first.Batch.Journals) != 1 {
		t.Errorf("journals: got %d, want 1", len(first.Batch.Journals))
	}

	second := h.apply(&event.OpenTrove{
		Meta:       h.userMeta(),
		Owner:      testutil.Addr(1),
		Colls:      []collateral.Entry{{Token: testutil.WETH, Amount: testutil.D("10")}},
		DebtAmount: testutil.D("2000"),
		MaxFee:     fpmath.One(),
	})
	if second.Envelope.PrevHash != first.Envelope.StateHash {
		t.Errorf("second command should chain from the first")
	}
	if h.eng.GetSequence() != 2 {
		t.Errorf("engine sequence: got %d, want 2", h.eng.GetSequence())
	}
	if h.eng.GetStateHash() != second.Envelope.StateHash {
		t.Errorf("engine tip differs from last envelope")
	}
	if len(h.persist) != 2 {
		t.Errorf("persisted outputs: got %d, want 2", len(h.persist))
	}
}

func TestProcessEmitsTroveUpdated(t *testing.T) {
	h := newHarness(t)
	alice := testutil.Addr(1)
	out := h.open(alice, "10", "2000")

	var updated *event.TroveUpdated
	for _, evt := range out.Events {
		if u, ok := evt.(*event.TroveUpdated); ok && u.Owner == alice {
			updated = u
		}
	}
	if updated == nil {
		t.Fatalf("no TroveUpdated for %s in %d events", alice.Hex(), len(out.Events))
	}
	if updated.Status != "active" {
		t.Errorf("status: got %s, want active", updated.Status)
	}
	if updated.Operation != event.CommandTypeOpenTrove {
		t.Errorf("operation: got %s, want OpenTrove", updated.Operation)
	}
	// 2000 borrowed + 0.5% fee + 200 gas compensation
	if want := testutil.D("2210"); !updated.Debt.Eq(want) {
		t.Errorf("debt: got %s, want %s", updated.Debt, want)
	}
	if updated.ICR.IsZero() {
		t.Error("active trove should carry its ICR")
	}
}

func TestDuplicateCommandIgnored(t *testing.T) {
	h := newHarness(t)
	cmd := &event.MintCollateral{Meta: h.adminMeta(), Token: testutil.WETH, To: testutil.Addr(1), Amount: testutil.D("1")}
	h.apply(cmd)

	out, err := h.eng.Process(context.Background(), cmd)
	if err != nil || out != nil {
		t.Fatalf("duplicate: got (%v, %v), want (nil, nil)", out, err)
	}
	if h.eng.GetSequence() != 1 {
		t.Errorf("sequence: got %d, want 1", h.eng.GetSequence())
	}
	if want := testutil.D("1"); !h.f.Balance(testutil.Addr(1), testutil.WETH).Eq(want) {
		t.Errorf("duplicate was applied twice")
	}
}

func TestSequenceGapNotRecorded(t *testing.T) {
	h := newHarness(t)
	cmd := &event.CloseTrove{
		Meta:  event.Meta{RequestID: uuid.New(), Sequence: 2, Timestamp: h.tick()},
		Owner: testutil.Addr(1),
	}

	out, err := h.eng.Process(context.Background(), cmd)
	if out != nil {
		t.Fatal("out-of-sequence command should not be recorded")
	}
	var seqErr *core.ErrSequence
	if !errors.As(err, &seqErr) {
		t.Fatalf("got %v, want *core.ErrSequence", err)
	}
	if seqErr.Partition != event.CommandPartition || seqErr.Expected != 1 || seqErr.Got != 2 {
		t.Errorf("got %+v", seqErr)
	}
	if h.eng.GetSequence() != 0 {
		t.Errorf("sequence: got %d, want 0", h.eng.GetSequence())
	}
}

func TestPartitionsSequenceIndependently(t *testing.T) {
	h := newHarness(t)
	h.mint(testutil.Addr(1), testutil.D("1"))
	h.mint(testutil.Addr(1), testutil.D("1"))

	// user partition still starts at 1
	h.process(&event.CloseTrove{Meta: h.userMeta(), Owner: testutil.Addr(1)})
	if got := h.eng.ExpectedSequence(event.AdminPartition); got != 3 {
		t.Errorf("admin: got %d, want 3", got)
	}
	if got := h.eng.ExpectedSequence(event.CommandPartition); got != 2 {
		t.Errorf("commands: got %d, want 2", got)
	}
}

func TestRejectedCommandRecorded(t *testing.T) {
	h := newHarness(t)
	prev := h.eng.GetStateHash()

	out := h.process(&event.CloseTrove{Meta: h.userMeta(), Owner: testutil.Addr(1)})
	if out.Err == nil {
		t.Fatal("closing a missing trove should be rejected")
	}
	if !out.Envelope.Rejected() || out.Envelope.RejectReason != out.Err.Error() {
		t.Errorf("reject reason: got %q", out.Envelope.RejectReason)
	}
	if len(out.Batch.Journals) != 0 || len(out.Events) != 0 {
		t.Errorf("rejection produced %d journals and %d events", len(out.Batch.Journals), len(out.Events))
	}
	if want := core.ChainHash(prev, 1, nil); out.Envelope.StateHash != want {
		t.Errorf("rejected command should hash an empty digest")
	}

	// The source sequence was consumed.
	next := h.process(&event.CloseTrove{Meta: h.userMeta(), Owner: testutil.Addr(1)})
	if next.Envelope.Sequence != 2 {
		t.Errorf("sequence: got %d, want 2", next.Envelope.Sequence)
	}
}

func TestTimestampRegressionRejected(t *testing.T) {
	h := newHarness(t)
	h.mint(testutil.Addr(1), testutil.D("1"))

	earlier := h.now.Add(-time.Minute).UnixMicro()
	out := h.process(&event.MintCollateral{
		Meta:   event.Meta{RequestID: uuid.New(), Sequence: h.adminSeq, Timestamp: earlier},
		Token:  testutil.WETH,
		To:     testutil.Addr(1),
		Amount: testutil.D("1"),
	})
	if !errors.Is(out.Err, core.ErrTimestampRegression) {
		t.Fatalf("got %v, want %v", out.Err, core.ErrTimestampRegression)
	}
	if want := testutil.D("1"); !h.f.Balance(testutil.Addr(1), testutil.WETH).Eq(want) {
		t.Errorf("balance: got %s, want %s", h.f.Balance(testutil.Addr(1), testutil.WETH), want)
	}
	if !h.f.Clock.Now().Equal(h.now) {
		t.Errorf("clock moved backwards to %s", h.f.Clock.Now())
	}
}

// ============================================================================
// Prices
// ============================================================================

func TestStalePriceReadingDropped(t *testing.T) {
	h := newHarness(t)
	feeds, _ := h.f.Feeds(testutil.WETH)
	latest := feeds.Primary.LatestID()

	round := func(id uint64, price int64) *event.PrimaryRound {
		ts := h.tick()
		return &event.PrimaryRound{
			Token:     testutil.WETH,
			RoundID:   id,
			Answer:    new(uint256.Int).Mul(uint256.NewInt(uint64(price)), uint256.NewInt(100_000_000)).ToBig(),
			Decimals:  8,
			UpdatedAt: ts / 1_000_000,
			Timestamp: ts,
		}
	}

	h.apply(round(latest+2, 2100))
	out, err := h.eng.Process(context.Background(), round(latest+1, 1900))
	if err != nil || out != nil {
		t.Fatalf("stale round: got (%v, %v), want (nil, nil)", out, err)
	}
	// gaps are tolerated
	h.apply(round(latest+5, 2050))
	if got := feeds.Primary.LatestID(); got != latest+5 {
		t.Errorf("latest round: got %d, want %d", got, latest+5)
	}
	if h.eng.GetSequence() != 2 {
		t.Errorf("sequence: got %d, want 2", h.eng.GetSequence())
	}
}

func TestUnknownFeedRejected(t *testing.T) {
	h := newHarness(t)
	out := h.process(&event.SecondaryValue{
		Token:     testutil.Addr(77),
		Sequence:  1,
		Value:     uint256.NewInt(1),
		Decimals:  6,
		Timestamp: h.tick(),
	})
	if !errors.Is(out.Err, core.ErrUnknownFeed) {
		t.Fatalf("got %v, want %v", out.Err, core.ErrUnknownFeed)
	}
}

func TestLiquidationThroughEngine(t *testing.T) {
	h := newHarness(t)
	bob := testutil.Addr(2)
	h.open(testutil.Addr(1), "10", "2000")
	h.open(bob, "1.5", "2000")
	h.setPrice(testutil.WETH, "1500")

	out := h.apply(&event.Liquidate{Meta: h.userMeta(), Liquidator: testutil.Liquidator, Owner: bob})

	var liquidated *event.TroveLiquidated
	for _, evt := range out.Events {
		if l, ok := evt.(*event.TroveLiquidated); ok {
			liquidated = l
		}
	}
	if liquidated == nil {
		t.Fatal("no TroveLiquidated event")
	}
	if liquidated.Owner != bob || liquidated.Liquidator != testutil.Liquidator {
		t.Errorf("got owner %s liquidator %s", liquidated.Owner.Hex(), liquidated.Liquidator.Hex())
	}
	if got := h.f.Troves.Status(bob); got != trove.StatusClosedByLiquidation {
		t.Errorf("status: got %s, want %s", got, trove.StatusClosedByLiquidation)
	}
	h.f.RequireInvariants()
}

// ============================================================================
// Replay and checkpoints
// ============================================================================

func TestReplayReproducesChain(t *testing.T) {
	src := newHarness(t)
	scenario(src)
	cp := src.eng.Checkpoint()

	dst := newHarness(t)
	if err := dst.eng.Replay(context.Background(), src.log, &cp); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if dst.eng.GetStateHash() != src.eng.GetStateHash() {
		t.Errorf("state hash: got %x, want %x", dst.eng.GetStateHash(), src.eng.GetStateHash())
	}
	if dst.eng.GetSequence() != src.eng.GetSequence() {
		t.Errorf("sequence: got %d, want %d", dst.eng.GetSequence(), src.eng.GetSequence())
	}
	if got, want := dst.eng.Summary(), src.eng.Summary(); got.TotalDebt != want.TotalDebt || got.ActiveTroves != want.ActiveTroves {
		t.Errorf("summary: got %+v, want %+v", got, want)
	}
	if len(dst.persist) != 0 {
		t.Errorf("replay emitted %d outputs", len(dst.persist))
	}
}

func TestReplayObserverSeesOutputs(t *testing.T) {
	src := newHarness(t)
	scenario(src)

	var seen []core.CoreOutput
	dst := newHarnessWith(t, func(o *core.Options) {
		o.ReplayObserver = func(out core.CoreOutput) { seen = append(seen, out) }
	})
	if err := dst.eng.Replay(context.Background(), src.log, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(seen) != len(src.log) {
		t.Fatalf("observed %d outputs, want %d", len(seen), len(src.log))
	}
	for i, out := range seen {
		if out.Envelope.Sequence != src.log[i].Sequence {
			t.Errorf("output %d: got sequence %d, want %d", i, out.Envelope.Sequence, src.log[i].Sequence)
		}
	}
	if seen[2].Err == nil || seen[2].Status != nil {
		t.Errorf("rejected close: got err %v status %v", seen[2].Err, seen[2].Status)
	}
}

func TestReplayDetectsDivergence(t *testing.T) {
	src := newHarness(t)
	scenario(src)
	src.log[2].StateHash[0] ^= 0xff

	dst := newHarness(t)
	err := dst.eng.Replay(context.Background(), src.log, nil)
	if !errors.Is(err, core.ErrReplayDiverged) {
		t.Fatalf("got %v, want %v", err, core.ErrReplayDiverged)
	}
}

func TestReplayCheckpointMismatch(t *testing.T) {
	src := newHarness(t)
	scenario(src)
	cp := core.Checkpoint{Sequence: 3}

	dst := newHarness(t)
	err := dst.eng.Replay(context.Background(), src.log, &cp)
	if !errors.Is(err, core.ErrCheckpointMismatch) {
		t.Fatalf("got %v, want %v", err, core.ErrCheckpointMismatch)
	}
}

func TestReplayCheckpointAhead(t *testing.T) {
	src := newHarness(t)
	scenario(src)
	cp := src.eng.Checkpoint()
	cp.Sequence += 5

	dst := newHarness(t)
	err := dst.eng.Replay(context.Background(), src.log, &cp)
	if !errors.Is(err, core.ErrCheckpointAhead) {
		t.Fatalf("got %v, want %v", err, core.ErrCheckpointAhead)
	}
}

func TestProcessReportsSystemStatus(t *testing.T) {
	h := newHarness(t)
	out := h.open(testutil.Addr(1), "10", "2000")

	st := out.Status
	if st == nil {
		t.Fatal("applied command carries no status")
	}
	if st.Sequence != out.Envelope.Sequence || st.StateHash != out.Envelope.StateHash {
		t.Errorf("status pinned to sequence %d, envelope %d", st.Sequence, out.Envelope.Sequence)
	}
	if st.ActiveTroves != 1 {
		t.Errorf("active troves: got %d, want 1", st.ActiveTroves)
	}
	if got := fpmath.FormatDecimal(st.TotalDebt); got != "2210" {
		t.Errorf("total debt: got %s, want 2210", got)
	}
	if st.TCR == nil || st.RecoveryMode {
		t.Errorf("tcr %v recovery %v", st.TCR, st.RecoveryMode)
	}
	if len(st.Collateral) != 2 || st.Collateral[0].Symbol != "WETH" {
		t.Fatalf("collateral: got %+v", st.Collateral)
	}
	if got := fpmath.FormatDecimal(st.Collateral[0].Price); got != "2000" {
		t.Errorf("WETH price: got %s, want 2000", got)
	}
}

func TestSummary(t *testing.T) {
	h := newHarness(t)
	h.open(testutil.Addr(1), "10", "2000")

	s := h.eng.Summary()
	if s.ActiveTroves != 1 {
		t.Errorf("active troves: got %d, want 1", s.ActiveTroves)
	}
	if s.TotalDebt != "2210" {
		t.Errorf("total debt: got %s, want 2210", s.TotalDebt)
	}
	if s.Collateral["WETH"] != "10" {
		t.Errorf("WETH: got %s, want 10", s.Collateral["WETH"])
	}
}
