// Package sortedtroves keeps active trove ids ordered by descending
// collateral ratio. The list stores no ratios itself; callers pass a Metric
// that reads the live ratio of any member.
package sortedtroves

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DefaultMaxHintHops bounds how far a walk follows a stale hint before
// restarting from the head.
const DefaultMaxHintHops = 64

var (
	ErrListFull       = errors.New("sortedtroves: list is full")
	ErrAlreadyExists  = errors.New("sortedtroves: id already in list")
	ErrNotFound       = errors.New("sortedtroves: id not in list")
	ErrZeroID         = errors.New("sortedtroves: id is zero")
	ErrZeroMetric     = errors.New("sortedtroves: metric must be positive")
	ErrLengthMismatch = errors.New("sortedtroves: batch arrays differ in length")
)

// Metric returns the current ratio of a list member.
type Metric func(id common.Address) *uint256.Int

type node struct {
	prev common.Address
	next common.Address
}

// List is a doubly linked set kept in a map of id -> {prev, next}.
// The zero address is the head/tail sentinel. Not thread-safe.
type List struct {
	nodes   map[common.Address]*node
	head    common.Address
	tail    common.Address
	maxSize uint64
	maxHops int
}

func New(maxSize uint64, maxHops int) *List {
	if maxHops <= 0 {
		maxHops = DefaultMaxHintHops
	}
	return &List{
		nodes:   make(map[common.Address]*node),
		maxSize: maxSize,
		maxHops: maxHops,
	}
}

// Insert adds id at the position matching metric, starting the search from the hints.
func (l *List) Insert(id common.Address, metric *uint256.Int, icr Metric, prevHint, nextHint common.Address) error {
	if l.IsFull() {
		return ErrListFull
	}
	if l.Contains(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id.Hex())
	}
	if id == (common.Address{}) {
		return ErrZeroID
	}
	if metric == nil || metric.IsZero() {
		return ErrZeroMetric
	}

	prev, next := l.FindInsertPosition(metric, icr, prevHint, nextHint)
	l.link(id, prev, next)
	return nil
}

// Remove unlinks id.
func (l *List) Remove(id common.Address) error {
	n, ok := l.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}

	switch {
	case l.head == id && l.tail == id:
		l.head = common.Address{}
		l.tail = common.Address{}
	case l.head == id:
		l.head = n.next
		l.nodes[n.next].prev = common.Address{}
	case l.tail == id:
		l.tail = n.prev
		l.nodes[n.prev].next = common.Address{}
	default:
		l.nodes[n.prev].next = n.next
		l.nodes[n.next].prev = n.prev
	}
	delete(l.nodes, id)
	return nil
}

// ReInsert moves id to the position of its new metric. If the current
// position is still valid the list is left untouched.
func (l *List) ReInsert(id common.Address, metric *uint256.Int, icr Metric, prevHint, nextHint common.Address) error {
	n, ok := l.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if metric == nil || metric.IsZero() {
		return ErrZeroMetric
	}

	if l.fitsBetween(metric, icr, n.prev, n.next) {
		return nil
	}

	if err := l.Remove(id); err != nil {
		return err
	}
	prev, next := l.FindInsertPosition(metric, icr, prevHint, nextHint)
	l.link(id, prev, next)
	return nil
}

// ReInsertMany re-sorts several members at once. Hint slices may be nil.
// Each moved member becomes the starting hint for the next one whose own
// hints are empty, so a batch sorted by descending metric walks the list once.
func (l *List) ReInsertMany(ids []common.Address, metrics []*uint256.Int, icr Metric, prevHints, nextHints []common.Address) error {
	if len(metrics) != len(ids) {
		return ErrLengthMismatch
	}
	if (prevHints != nil && len(prevHints) != len(ids)) || (nextHints != nil && len(nextHints) != len(ids)) {
		return ErrLengthMismatch
	}
	for _, id := range ids {
		if !l.Contains(id) {
			return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
		}
	}

	var carry common.Address
	for i, id := range ids {
		var prevHint, nextHint common.Address
		if prevHints != nil {
			prevHint = prevHints[i]
		}
		if nextHints != nil {
			nextHint = nextHints[i]
		}
		if prevHint == (common.Address{}) && nextHint == (common.Address{}) && carry != id {
			prevHint = carry
		}
		if err := l.ReInsert(id, metrics[i], icr, prevHint, nextHint); err != nil {
			return err
		}
		carry = id
	}
	return nil
}

// link places id between prev and next as returned by FindInsertPosition.
func (l *List) link(id, prev, next common.Address) {
	zero := common.Address{}
	n := &node{}
	l.nodes[id] = n

	switch {
	case len(l.nodes) == 1:
		l.head = id
		l.tail = id
	case prev == zero && next == l.head:
		n.next = l.head
		l.nodes[l.head].prev = id
		l.head = id
	case next == zero && prev == l.tail:
		n.prev = l.tail
		l.nodes[l.tail].next = id
		l.tail = id
	case prev != zero && next != zero:
		n.prev = prev
		n.next = next
		l.nodes[prev].next = id
		l.nodes[next].prev = id
	default:
		// Walk found no valid slot: the list holds members whose metric has
		// moved since they were sorted. Append at the tail.
		n.prev = l.tail
		l.nodes[l.tail].next = id
		l.tail = id
	}
}

// --- queries ---

func (l *List) Contains(id common.Address) bool {
	_, ok := l.nodes[id]
	return ok
}

func (l *List) IsFull() bool {
	return uint64(len(l.nodes)) >= l.maxSize
}

func (l *List) IsEmpty() bool {
	return len(l.nodes) == 0
}

func (l *List) Size() uint64 {
	return uint64(len(l.nodes))
}

func (l *List) MaxSize() uint64 {
	return l.maxSize
}

// First returns the member with the highest ratio.
func (l *List) First() common.Address {
	return l.head
}

// Last returns the member with the lowest ratio.
func (l *List) Last() common.Address {
	return l.tail
}

func (l *List) Next(id common.Address) common.Address {
	if n, ok := l.nodes[id]; ok {
		return n.next
	}
	return common.Address{}
}

func (l *List) Prev(id common.Address) common.Address {
	if n, ok := l.nodes[id]; ok {
		return n.prev
	}
	return common.Address{}
}

// IDs returns members from head to tail.
func (l *List) IDs() []common.Address {
	out := make([]common.Address, 0, len(l.nodes))
	for id := l.head; id != (common.Address{}); id = l.nodes[id].next {
		out = append(out, id)
	}
	return out
}

// --- position search ---

// ValidInsertPosition reports whether metric fits between prev and next.
func (l *List) ValidInsertPosition(metric *uint256.Int, icr Metric, prev, next common.Address) bool {
	zero := common.Address{}
	switch {
	case prev == zero && next == zero:
		return l.IsEmpty()
	case prev == zero:
		return l.head == next && !metric.Lt(icr(next))
	case next == zero:
		return l.tail == prev && !metric.Gt(icr(prev))
	default:
		n, ok := l.nodes[prev]
		return ok && n.next == next && !icr(prev).Lt(metric) && !metric.Lt(icr(next))
	}
}

// fitsBetween is ValidInsertPosition for a member that currently sits
// between prev and next.
func (l *List) fitsBetween(metric *uint256.Int, icr Metric, prev, next common.Address) bool {
	zero := common.Address{}
	if prev != zero && icr(prev).Lt(metric) {
		return false
	}
	if next != zero && metric.Lt(icr(next)) {
		return false
	}
	return true
}

// FindInsertPosition returns the (prev, next) pair metric belongs between.
// Hints that are missing or on the wrong side of metric are discarded.
func (l *List) FindInsertPosition(metric *uint256.Int, icr Metric, prevHint, nextHint common.Address) (common.Address, common.Address) {
	zero := common.Address{}
	prev, next := prevHint, nextHint

	if prev != zero && (!l.Contains(prev) || metric.Gt(icr(prev))) {
		prev = zero
	}
	if next != zero && (!l.Contains(next) || metric.Lt(icr(next))) {
		next = zero
	}

	var (
		p, n common.Address
		ok   bool
	)
	switch {
	case prev == zero && next == zero:
		p, n, _ = l.descend(metric, icr, l.head, 0)
		return p, n
	case prev == zero:
		p, n, ok = l.ascend(metric, icr, next, l.maxHops)
	default:
		p, n, ok = l.descend(metric, icr, prev, l.maxHops)
	}
	if ok {
		return p, n
	}
	p, n, _ = l.descend(metric, icr, l.head, 0)
	return p, n
}

// descend walks toward the tail from start. hops <= 0 means unbounded.
func (l *List) descend(metric *uint256.Int, icr Metric, start common.Address, hops int) (common.Address, common.Address, bool) {
	zero := common.Address{}
	if l.IsEmpty() {
		return zero, zero, true
	}
	if start == zero {
		start = l.head
	}
	if l.head == start && !metric.Lt(icr(start)) {
		return zero, start, true
	}

	prev := start
	next := l.Next(prev)
	for steps := 0; prev != zero && !l.ValidInsertPosition(metric, icr, prev, next); steps++ {
		if hops > 0 && steps >= hops {
			return zero, zero, false
		}
		prev = l.Next(prev)
		next = l.Next(prev)
	}
	return prev, next, true
}

// ascend walks toward the head from start.
func (l *List) ascend(metric *uint256.Int, icr Metric, start common.Address, hops int) (common.Address, common.Address, bool) {
	zero := common.Address{}
	if l.IsEmpty() {
		return zero, zero, true
	}
	if l.tail == start && !metric.Gt(icr(start)) {
		return start, zero, true
	}

	next := start
	prev := l.Prev(next)
	for steps := 0; next != zero && !l.ValidInsertPosition(metric, icr, prev, next); steps++ {
		if hops > 0 && steps >= hops {
			return zero, zero, false
		}
		next = l.Prev(next)
		prev = l.Prev(next)
	}
	return prev, next, true
}
