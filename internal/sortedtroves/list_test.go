package sortedtroves_test

import (
	"errors"
	"math/rand"
	"testing"

	"TroveLedger/internal/sortedtroves"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var zero = common.Address{}

// ratios is a test Metric backed by a map.
type ratios map[common.Address]*uint256.Int

func (r ratios) metric(id common.Address) *uint256.Int {
	return r[id]
}

func addr(i int) common.Address {
	return common.BigToAddress(uint256.NewInt(uint64(i + 1)).ToBig())
}

func assertSorted(t *testing.T, l *sortedtroves.List, r ratios) {
	t.Helper()
	ids := l.IDs()
	if uint64(len(ids)) != l.Size() {
		t.Fatalf("walk length %d != size %d", len(ids), l.Size())
	}
	for i := 1; i < len(ids); i++ {
		if r[ids[i-1]].Lt(r[ids[i]]) {
			t.Fatalf("order violated at %d: %s < %s", i, r[ids[i-1]].Dec(), r[ids[i]].Dec())
		}
		if l.Prev(ids[i]) != ids[i-1] || l.Next(ids[i-1]) != ids[i] {
			t.Fatalf("links inconsistent at %d", i)
		}
	}
	if len(ids) > 0 && (l.First() != ids[0] || l.Last() != ids[len(ids)-1]) {
		t.Fatal("head/tail do not match walk")
	}
}

// ============================================================================
// Test: Insert preconditions
// ============================================================================

func TestInsert_Preconditions(t *testing.T) {
	l := sortedtroves.New(2, 0)
	r := ratios{}

	if err := l.Insert(zero, uint256.NewInt(1), r.metric, zero, zero); !errors.Is(err, sortedtroves.ErrZeroID) {
		t.Errorf("zero id: got %v", err)
	}
	if err := l.Insert(addr(0), uint256.NewInt(0), r.metric, zero, zero); !errors.Is(err, sortedtroves.ErrZeroMetric) {
		t.Errorf("zero metric: got %v", err)
	}

	r[addr(0)] = uint256.NewInt(10)
	if err := l.Insert(addr(0), r[addr(0)], r.metric, zero, zero); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.Insert(addr(0), r[addr(0)], r.metric, zero, zero); !errors.Is(err, sortedtroves.ErrAlreadyExists) {
		t.Errorf("duplicate: got %v", err)
	}

	r[addr(1)] = uint256.NewInt(5)
	if err := l.Insert(addr(1), r[addr(1)], r.metric, zero, zero); err != nil {
		t.Fatalf("insert: %v", err)
	}
	r[addr(2)] = uint256.NewInt(7)
	if err := l.Insert(addr(2), r[addr(2)], r.metric, zero, zero); !errors.Is(err, sortedtroves.ErrListFull) {
		t.Errorf("full: got %v", err)
	}
}

func TestInsert_OrdersDescending(t *testing.T) {
	l := sortedtroves.New(100, 0)
	r := ratios{}
	for i, v := range []uint64{50, 10, 30, 70, 20} {
		r[addr(i)] = uint256.NewInt(v)
		if err := l.Insert(addr(i), r[addr(i)], r.metric, zero, zero); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	assertSorted(t, l, r)
	if l.First() != addr(3) || l.Last() != addr(1) {
		t.Errorf("head/tail: got %s/%s", l.First().Hex(), l.Last().Hex())
	}
}

func TestInsert_TieKeepsExistingOrder(t *testing.T) {
	l := sortedtroves.New(100, 0)
	r := ratios{addr(0): uint256.NewInt(10), addr(1): uint256.NewInt(20), addr(2): uint256.NewInt(10)}
	for i := 0; i < 3; i++ {
		if err := l.Insert(addr(i), r[addr(i)], r.metric, zero, zero); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	ids := l.IDs()
	// Existing members keep their relative order.
	if ids[0] != addr(1) {
		t.Fatalf("head: got %s", ids[0].Hex())
	}
	if ids[2] != addr(0) && ids[2] != addr(2) {
		t.Fatalf("tail: got %s", ids[2].Hex())
	}
	assertSorted(t, l, r)
}

// ============================================================================
// Test: hints
// ============================================================================

func TestFindInsertPosition_ExactHint(t *testing.T) {
	l := sortedtroves.New(100, 0)
	r := ratios{}
	for i := 0; i < 10; i++ {
		r[addr(i)] = uint256.NewInt(uint64(100 - i*10))
		if err := l.Insert(addr(i), r[addr(i)], r.metric, zero, zero); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	prev, next := l.FindInsertPosition(uint256.NewInt(55), r.metric, addr(4), addr(5))
	if prev != addr(4) || next != addr(5) {
		t.Errorf("got (%s, %s)", prev.Hex(), next.Hex())
	}
	if !l.ValidInsertPosition(uint256.NewInt(55), r.metric, prev, next) {
		t.Error("exact hint should be a valid position")
	}
}

func TestFindInsertPosition_WrongHintsStillCorrect(t *testing.T) {
	l := sortedtroves.New(100, 0)
	r := ratios{}
	for i := 0; i < 10; i++ {
		r[addr(i)] = uint256.NewInt(uint64(100 - i*10))
		if err := l.Insert(addr(i), r[addr(i)], r.metric, zero, zero); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	cases := []struct {
		name       string
		prev, next common.Address
	}{
		{"hints below position", addr(8), addr(9)},
		{"hints above position", addr(0), addr(1)},
		{"unknown hint", addr(40), addr(41)},
		{"next only", zero, addr(9)},
		{"prev only", addr(0), zero},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prev, next := l.FindInsertPosition(uint256.NewInt(55), r.metric, tc.prev, tc.next)
			if prev != addr(4) || next != addr(5) {
				t.Errorf("got (%s, %s), want (%s, %s)", prev.Hex(), next.Hex(), addr(4).Hex(), addr(5).Hex())
			}
		})
	}
}

func TestFindInsertPosition_HopBoundFallsBackToHead(t *testing.T) {
	l := sortedtroves.New(1000, 3)
	r := ratios{}
	for i := 0; i < 50; i++ {
		r[addr(i)] = uint256.NewInt(uint64(1000 - i*10))
		if err := l.Insert(addr(i), r[addr(i)], r.metric, zero, zero); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// The hint sits 19 members above the slot; the walk gives up after 3 hops.
	prev, next := l.FindInsertPosition(uint256.NewInt(755), r.metric, addr(5), zero)
	if prev != addr(24) || next != addr(25) {
		t.Errorf("got (%s, %s), want (%s, %s)", prev.Hex(), next.Hex(), addr(24).Hex(), addr(25).Hex())
	}

	prev, next = l.FindInsertPosition(uint256.NewInt(505), r.metric, zero, addr(2))
	if prev != addr(49) || next != zero {
		t.Errorf("tail slot: got (%s, %s)", prev.Hex(), next.Hex())
	}
}

// ============================================================================
// Test: remove / reinsert
// ============================================================================

func TestRemove(t *testing.T) {
	l := sortedtroves.New(100, 0)
	r := ratios{addr(0): uint256.NewInt(3), addr(1): uint256.NewInt(2), addr(2): uint256.NewInt(1)}
	for i := 0; i < 3; i++ {
		if err := l.Insert(addr(i), r[addr(i)], r.metric, zero, zero); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	for _, id := range []common.Address{addr(1), addr(0), addr(2)} {
		if err := l.Remove(id); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if l.Contains(id) {
			t.Fatalf("%s still present", id.Hex())
		}
		assertSorted(t, l, r)
	}
	if !l.IsEmpty() || l.First() != zero || l.Last() != zero {
		t.Error("list should be empty with zero head/tail")
	}
	if err := l.Remove(addr(0)); !errors.Is(err, sortedtroves.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestReInsert_MovesAndShortcuts(t *testing.T) {
	l := sortedtroves.New(100, 0)
	r := ratios{}
	for i := 0; i < 5; i++ {
		r[addr(i)] = uint256.NewInt(uint64(50 - i*10))
		if err := l.Insert(addr(i), r[addr(i)], r.metric, zero, zero); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// Small change that keeps the slot.
	r[addr(2)] = uint256.NewInt(31)
	if err := l.ReInsert(addr(2), r[addr(2)], r.metric, zero, zero); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if l.Prev(addr(2)) != addr(1) || l.Next(addr(2)) != addr(3) {
		t.Error("in-place reinsert should not move the node")
	}

	r[addr(4)] = uint256.NewInt(100)
	if err := l.ReInsert(addr(4), r[addr(4)], r.metric, addr(3), zero); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if l.First() != addr(4) {
		t.Errorf("head: got %s, want %s", l.First().Hex(), addr(4).Hex())
	}
	assertSorted(t, l, r)

	if err := l.ReInsert(addr(9), uint256.NewInt(1), r.metric, zero, zero); !errors.Is(err, sortedtroves.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestReInsertMany(t *testing.T) {
	l := sortedtroves.New(100, 0)
	r := ratios{}
	for i := 0; i < 8; i++ {
		r[addr(i)] = uint256.NewInt(uint64(80 - i*10))
		if err := l.Insert(addr(i), r[addr(i)], r.metric, zero, zero); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// Reverse the order of the whole list.
	ids := make([]common.Address, 0, 8)
	metrics := make([]*uint256.Int, 0, 8)
	for i := 7; i >= 0; i-- {
		r[addr(i)] = uint256.NewInt(uint64(10 + i*100))
	}
	for i := 7; i >= 0; i-- {
		ids = append(ids, addr(i))
		metrics = append(metrics, r[addr(i)])
	}
	if err := l.ReInsertMany(ids, metrics, r.metric, nil, nil); err != nil {
		t.Fatalf("reinsert many: %v", err)
	}
	assertSorted(t, l, r)
	if l.First() != addr(7) || l.Last() != addr(0) {
		t.Error("batch reinsert did not reverse the list")
	}

	if err := l.ReInsertMany(ids, metrics[:1], r.metric, nil, nil); !errors.Is(err, sortedtroves.ErrLengthMismatch) {
		t.Errorf("got %v, want ErrLengthMismatch", err)
	}
}

// ============================================================================
// Test: random operation sequences
// ============================================================================

func TestRandomOperationsKeepOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	l := sortedtroves.New(1000, 8)
	r := ratios{}
	members := map[common.Address]bool{}

	pickHint := func() common.Address {
		switch rng.Intn(3) {
		case 0:
			return zero
		case 1:
			return addr(rng.Intn(60)) // may be stale or absent
		default:
			ids := l.IDs()
			if len(ids) == 0 {
				return zero
			}
			return ids[rng.Intn(len(ids))]
		}
	}

	for step := 0; step < 2000; step++ {
		id := addr(rng.Intn(50))
		v := uint256.NewInt(uint64(rng.Intn(500) + 1))

		switch {
		case !members[id]:
			r[id] = v
			if err := l.Insert(id, v, r.metric, pickHint(), pickHint()); err != nil {
				t.Fatalf("step %d insert: %v", step, err)
			}
			members[id] = true
		case rng.Intn(3) == 0:
			if err := l.Remove(id); err != nil {
				t.Fatalf("step %d remove: %v", step, err)
			}
			delete(members, id)
		default:
			r[id] = v
			if err := l.ReInsert(id, v, r.metric, pickHint(), pickHint()); err != nil {
				t.Fatalf("step %d reinsert: %v", step, err)
			}
		}

		if uint64(len(members)) != l.Size() {
			t.Fatalf("step %d: size %d, members %d", step, l.Size(), len(members))
		}
		for m := range members {
			if !l.Contains(m) {
				t.Fatalf("step %d: member %s missing", step, m.Hex())
			}
		}
		assertSorted(t, l, r)
	}
}
