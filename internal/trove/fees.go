package trove

import (
	"time"

	fpmath "TroveLedger/internal/math"

	"github.com/holiman/uint256"
)

const secondsPerMinute = 60

// FeeSchedule holds the decaying base rate shared by borrowing and redemption fees.
type FeeSchedule struct {
	params        Params
	baseRate      *uint256.Int
	lastFeeOpTime int64 // unix seconds
}

// FeeUpdate is a pending change to the schedule.
type FeeUpdate struct {
	BaseRate      *uint256.Int
	LastFeeOpTime int64
}

func NewFeeSchedule(params Params, start time.Time) *FeeSchedule {
	return &FeeSchedule{
		params:        params,
		baseRate:      new(uint256.Int),
		lastFeeOpTime: start.Unix(),
	}
}

func (f *FeeSchedule) BaseRate() *uint256.Int {
	return new(uint256.Int).Set(f.baseRate)
}

func (f *FeeSchedule) LastFeeOperationTime() int64 {
	return f.lastFeeOpTime
}

func (f *FeeSchedule) minutesPassed(now time.Time) uint64 {
	elapsed := now.Unix() - f.lastFeeOpTime
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / secondsPerMinute)
}

// DecayedBaseRate is the base rate after whole minutes elapsed since the last fee operation.
func (f *FeeSchedule) DecayedBaseRate(now time.Time) *uint256.Int {
	factor := fpmath.DecPow(f.params.MinuteDecayFactor, f.minutesPassed(now))
	return fpmath.DecMul(f.baseRate, factor)
}

// BorrowingRate is max(decayed base rate, floor), capped at MaxBorrowingFee.
func (f *FeeSchedule) BorrowingRate(now time.Time) *uint256.Int {
	return f.borrowingRateFor(f.DecayedBaseRate(now))
}

func (f *FeeSchedule) borrowingRateFor(baseRate *uint256.Int) *uint256.Int {
	rate := fpmath.Max(baseRate, f.params.BorrowingFeeFloor)
	return fpmath.Min(rate, f.params.MaxBorrowingFee)
}

// BorrowingFee is the fee on a debt increase at the current rate.
func (f *FeeSchedule) BorrowingFee(debt *uint256.Int, now time.Time) *uint256.Int {
	return fpmath.MulUnits(debt, f.BorrowingRate(now))
}

// RedemptionRate is min(floor + base rate, 1) for a given base rate.
func (f *FeeSchedule) RedemptionRate(baseRate *uint256.Int) *uint256.Int {
	rate := new(uint256.Int).Add(f.params.RedemptionFeeFloor, baseRate)
	return fpmath.Min(rate, fpmath.One())
}

// PreviewBump returns the schedule after decaying and adding
// amount/total/beta, capped at 1.0.
func (f *FeeSchedule) PreviewBump(amount, total *uint256.Int, now time.Time) FeeUpdate {
	rate := f.DecayedBaseRate(now)
	if !total.IsZero() {
		fraction := fpmath.MulDiv(amount, fpmath.One(), total, fpmath.RoundDown)
		fraction.Div(fraction, uint256.NewInt(f.params.Beta))
		rate.Add(rate, fraction)
	}
	rate = fpmath.Min(rate, fpmath.One())

	return FeeUpdate{BaseRate: rate, LastFeeOpTime: f.nextFeeOpTime(now)}
}

// nextFeeOpTime advances by whole minutes only, carrying the remainder.
func (f *FeeSchedule) nextFeeOpTime(now time.Time) int64 {
	minutes := f.minutesPassed(now)
	if minutes == 0 {
		return f.lastFeeOpTime
	}
	return f.lastFeeOpTime + int64(minutes)*secondsPerMinute
}

func (f *FeeSchedule) Apply(u FeeUpdate) {
	f.baseRate = new(uint256.Int).Set(u.BaseRate)
	f.lastFeeOpTime = u.LastFeeOpTime
}
