package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrRoundNotFound = errors.New("oracle: round not found")
	ErrNoReading     = errors.New("oracle: no reading")
	ErrStaleRound    = errors.New("oracle: round id not increasing")
)

// PrimaryRound is one answer of a round-based price source.
type PrimaryRound struct {
	RoundID   uint64
	Answer    *big.Int // signed; non-positive answers mark the source broken
	UpdatedAt int64    // unix seconds
	Decimals  uint8
}

// PrimaryOracle is a round-based source (aggregator style).
type PrimaryOracle interface {
	LatestRound(ctx context.Context) (PrimaryRound, error)
	RoundByID(ctx context.Context, roundID uint64) (PrimaryRound, error)
}

// SecondaryReading is one value of a value-based source.
type SecondaryReading struct {
	Value     *uint256.Int
	Timestamp int64 // unix seconds
	Decimals  uint8
}

// SecondaryOracle is a value-based source with no round history.
type SecondaryOracle interface {
	Current(ctx context.Context) (SecondaryReading, error)
}

// RoundFeed is an in-memory PrimaryOracle fed by ingested price rounds.
type RoundFeed struct {
	mu      sync.RWMutex
	rounds  map[uint64]PrimaryRound
	latest  uint64
	failure error
}

func NewRoundFeed() *RoundFeed {
	return &RoundFeed{rounds: make(map[uint64]PrimaryRound)}
}

// Push records a round. Round ids must increase.
func (f *RoundFeed) Push(r PrimaryRound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.RoundID <= f.latest && len(f.rounds) > 0 {
		return fmt.Errorf("%w: latest=%d, got=%d", ErrStaleRound, f.latest, r.RoundID)
	}
	f.rounds[r.RoundID] = r
	f.latest = r.RoundID
	return nil
}

// LatestID is the id of the newest pushed round, 0 when empty.
func (f *RoundFeed) LatestID() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest
}

// SetFailure makes every call fail with err until cleared with nil.
func (f *RoundFeed) SetFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure = err
}

func (f *RoundFeed) LatestRound(ctx context.Context) (PrimaryRound, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failure != nil {
		return PrimaryRound{}, f.failure
	}
	if len(f.rounds) == 0 {
		return PrimaryRound{}, ErrNoReading
	}
	return f.rounds[f.latest], nil
}

func (f *RoundFeed) RoundByID(ctx context.Context, roundID uint64) (PrimaryRound, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failure != nil {
		return PrimaryRound{}, f.failure
	}
	r, ok := f.rounds[roundID]
	if !ok {
		return PrimaryRound{}, fmt.Errorf("%w: %d", ErrRoundNotFound, roundID)
	}
	return r, nil
}

// ValueFeed is an in-memory SecondaryOracle.
type ValueFeed struct {
	mu      sync.RWMutex
	current *SecondaryReading
	failure error
}

func NewValueFeed() *ValueFeed {
	return &ValueFeed{}
}

func (f *ValueFeed) Set(r SecondaryReading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = &r
}

func (f *ValueFeed) SetFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure = err
}

func (f *ValueFeed) Current(ctx context.Context) (SecondaryReading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failure != nil {
		return SecondaryReading{}, f.failure
	}
	if f.current == nil {
		return SecondaryReading{}, ErrNoReading
	}
	return *f.current, nil
}
