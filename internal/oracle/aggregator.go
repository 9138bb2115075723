package oracle

import (
	"context"
	"errors"
	"time"

	"TroveLedger/internal/clock"
	fpmath "TroveLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrNoPrice is returned only before a first trusted primary price exists.
// Once initialized, source faults never surface as errors.
var ErrNoPrice = errors.New("oracle: no trusted price available yet")

// Params are the trust thresholds of the state machine.
type Params struct {
	PrimaryTimeout   time.Duration
	SecondaryTimeout time.Duration
	MaxDeviation     *uint256.Int // max relative move between consecutive primary rounds
	MaxDifference    *uint256.Int // max relative gap between primary and secondary to count as similar
}

func DefaultParams() Params {
	return Params{
		PrimaryTimeout:   4 * time.Hour,
		SecondaryTimeout: 3 * time.Hour,
		MaxDeviation:     fpmath.Percent(50),
		MaxDifference:    fpmath.Percent(5),
	}
}

// Quote is the outcome of one evaluation of the state machine. Nothing is
// committed until it is passed to Apply.
type Quote struct {
	Price      *uint256.Int
	Status     Status
	PrevStatus Status
	Stored     bool // Price is a fresh trusted reading and replaces lastGoodPrice
	initialize bool
}

func (q Quote) StatusChanged() bool {
	return q.Status != q.PrevStatus
}

// Aggregator derives one price from a primary and a secondary source.
// Not thread-safe; the engine serializes access.
type Aggregator struct {
	primary   PrimaryOracle
	secondary SecondaryOracle
	clock     clock.Clock
	params    Params
	logger    zerolog.Logger

	initialized   bool
	status        Status
	lastGoodPrice *uint256.Int
}

func NewAggregator(primary PrimaryOracle, secondary SecondaryOracle, clk clock.Clock, params Params, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		primary:       primary,
		secondary:     secondary,
		clock:         clk,
		params:        params,
		logger:        logger,
		status:        StatusPrimaryWorking,
		lastGoodPrice: new(uint256.Int),
	}
}

func (a *Aggregator) Status() Status {
	return a.status
}

// LastGoodPrice returns the cached price without consulting the sources.
func (a *Aggregator) LastGoodPrice() *uint256.Int {
	return new(uint256.Int).Set(a.lastGoodPrice)
}

func (a *Aggregator) Initialized() bool {
	return a.initialized
}

// FetchPrice evaluates and commits in one step.
func (a *Aggregator) FetchPrice(ctx context.Context) (*uint256.Int, error) {
	q, err := a.Preview(ctx)
	if err != nil {
		return nil, err
	}
	a.Apply(q)
	return q.Price, nil
}

// Apply commits a quote produced by Preview.
func (a *Aggregator) Apply(q Quote) {
	if q.initialize {
		a.initialized = true
	}
	if q.Stored {
		a.lastGoodPrice = new(uint256.Int).Set(q.Price)
	}
	if q.Status != a.status {
		a.logger.Warn().
			Str("from", a.status.String()).
			Str("to", q.Status.String()).
			Str("price", fpmath.FormatDecimal(q.Price)).
			Msg("oracle status changed")
		a.status = q.Status
	}
}

// primaryResponse is a primary round rescaled to 18 decimals.
type primaryResponse struct {
	ok        bool
	roundID   uint64
	answer    *uint256.Int
	timestamp int64
}

type secondaryResponse struct {
	ok        bool
	value     *uint256.Int
	timestamp int64
}

// Preview evaluates the state machine against the current readings.
func (a *Aggregator) Preview(ctx context.Context) (Quote, error) {
	now := a.clock.Now().Unix()
	cur := a.currentPrimary(ctx)
	prev := a.previousPrimary(ctx, cur.roundID)
	sec := a.currentSecondary(ctx)

	q := Quote{Status: a.status, PrevStatus: a.status, Price: a.LastGoodPrice()}

	if !a.initialized {
		if a.primaryBroken(cur, prev, now) || a.primaryFrozen(cur, now) {
			return Quote{}, ErrNoPrice
		}
		q.initialize = true
		return q.store(StatusPrimaryWorking, cur.answer), nil
	}

	switch a.status {
	case StatusPrimaryWorking:
		if a.primaryBroken(cur, prev, now) {
			if a.secondaryBroken(sec, now) {
				return q.keep(StatusBothUntrusted), nil
			}
			if a.secondaryFrozen(sec, now) {
				return q.keep(StatusUsingSecondaryPrimaryUntrusted), nil
			}
			return q.store(StatusUsingSecondaryPrimaryUntrusted, sec.value), nil
		}

		if a.primaryFrozen(cur, now) {
			if a.secondaryBroken(sec, now) {
				return q.keep(StatusUsingPrimarySecondaryUntrusted), nil
			}
			if a.secondaryFrozen(sec, now) {
				return q.keep(StatusUsingSecondaryPrimaryFrozen), nil
			}
			return q.store(StatusUsingSecondaryPrimaryFrozen, sec.value), nil
		}

		if a.priceChangeAboveMax(cur, prev) {
			if a.secondaryBroken(sec, now) {
				return q.keep(StatusBothUntrusted), nil
			}
			if a.secondaryFrozen(sec, now) {
				return q.keep(StatusUsingSecondaryPrimaryUntrusted), nil
			}
			if a.similar(cur.answer, sec.value) {
				return q.store(StatusPrimaryWorking, cur.answer), nil
			}
			return q.store(StatusUsingSecondaryPrimaryUntrusted, sec.value), nil
		}

		if a.secondaryBroken(sec, now) {
			return q.store(StatusUsingPrimarySecondaryUntrusted, cur.answer), nil
		}
		return q.store(StatusPrimaryWorking, cur.answer), nil

	case StatusUsingSecondaryPrimaryUntrusted:
		if a.bothLiveUnbrokenAndSimilar(cur, prev, sec, now) {
			return q.store(StatusPrimaryWorking, cur.answer), nil
		}
		if a.secondaryBroken(sec, now) {
			return q.keep(StatusBothUntrusted), nil
		}
		if a.secondaryFrozen(sec, now) {
			return q.keep(a.status), nil
		}
		return q.store(a.status, sec.value), nil

	case StatusBothUntrusted:
		if a.bothLiveUnbrokenAndSimilar(cur, prev, sec, now) {
			return q.store(StatusPrimaryWorking, cur.answer), nil
		}
		return q.keep(a.status), nil

	case StatusUsingSecondaryPrimaryFrozen:
		if a.primaryBroken(cur, prev, now) {
			if a.secondaryBroken(sec, now) {
				return q.keep(StatusBothUntrusted), nil
			}
			if a.secondaryFrozen(sec, now) {
				return q.keep(StatusUsingSecondaryPrimaryUntrusted), nil
			}
			return q.store(StatusUsingSecondaryPrimaryUntrusted, sec.value), nil
		}

		if a.primaryFrozen(cur, now) {
			if a.secondaryBroken(sec, now) {
				return q.keep(StatusUsingPrimarySecondaryUntrusted), nil
			}
			if a.secondaryFrozen(sec, now) {
				return q.keep(a.status), nil
			}
			return q.store(a.status, sec.value), nil
		}

		// Primary is live again.
		if a.secondaryBroken(sec, now) {
			return q.store(StatusUsingPrimarySecondaryUntrusted, cur.answer), nil
		}
		if a.secondaryFrozen(sec, now) {
			return q.keep(a.status), nil
		}
		if a.similar(cur.answer, sec.value) {
			return q.store(StatusPrimaryWorking, cur.answer), nil
		}
		return q.store(StatusUsingSecondaryPrimaryUntrusted, sec.value), nil

	case StatusUsingPrimarySecondaryUntrusted:
		if a.primaryBroken(cur, prev, now) {
			return q.keep(StatusBothUntrusted), nil
		}
		if a.primaryFrozen(cur, now) {
			return q.keep(a.status), nil
		}
		if a.bothLiveUnbrokenAndSimilar(cur, prev, sec, now) {
			return q.store(StatusPrimaryWorking, cur.answer), nil
		}
		if a.priceChangeAboveMax(cur, prev) {
			return q.keep(StatusBothUntrusted), nil
		}
		return q.store(a.status, cur.answer), nil
	}

	return q, nil
}

func (q Quote) keep(status Status) Quote {
	q.Status = status
	q.Stored = false
	return q
}

func (q Quote) store(status Status, price *uint256.Int) Quote {
	q.Status = status
	q.Price = new(uint256.Int).Set(price)
	q.Stored = true
	return q
}

// --- source reads ---

func (a *Aggregator) currentPrimary(ctx context.Context) primaryResponse {
	r, err := a.primary.LatestRound(ctx)
	if err != nil {
		return primaryResponse{}
	}
	return toPrimaryResponse(r)
}

func (a *Aggregator) previousPrimary(ctx context.Context, roundID uint64) primaryResponse {
	if roundID == 0 {
		return primaryResponse{}
	}
	r, err := a.primary.RoundByID(ctx, roundID-1)
	if err != nil {
		return primaryResponse{}
	}
	return toPrimaryResponse(r)
}

func toPrimaryResponse(r PrimaryRound) primaryResponse {
	resp := primaryResponse{ok: true, roundID: r.RoundID, timestamp: r.UpdatedAt}
	if r.Answer == nil || r.Answer.Sign() <= 0 {
		resp.answer = new(uint256.Int)
		return resp
	}
	answer, overflow := uint256.FromBig(r.Answer)
	if overflow {
		resp.ok = false
		return resp
	}
	resp.answer = fpmath.ScaleDecimals(answer, r.Decimals)
	return resp
}

func (a *Aggregator) currentSecondary(ctx context.Context) secondaryResponse {
	r, err := a.secondary.Current(ctx)
	if err != nil || r.Value == nil {
		return secondaryResponse{}
	}
	return secondaryResponse{ok: true, value: fpmath.ScaleDecimals(r.Value, r.Decimals), timestamp: r.Timestamp}
}

// --- health predicates ---

func (a *Aggregator) primaryBroken(cur, prev primaryResponse, now int64) bool {
	return badPrimaryResponse(cur, now) || badPrimaryResponse(prev, now)
}

func badPrimaryResponse(r primaryResponse, now int64) bool {
	if !r.ok || r.roundID == 0 || r.timestamp == 0 || r.timestamp > now {
		return true
	}
	return r.answer == nil || r.answer.IsZero()
}

func (a *Aggregator) primaryFrozen(cur primaryResponse, now int64) bool {
	return now-cur.timestamp > int64(a.params.PrimaryTimeout/time.Second)
}

func (a *Aggregator) secondaryBroken(sec secondaryResponse, now int64) bool {
	if !sec.ok || sec.timestamp == 0 || sec.timestamp > now {
		return true
	}
	return sec.value.IsZero()
}

func (a *Aggregator) secondaryFrozen(sec secondaryResponse, now int64) bool {
	return now-sec.timestamp > int64(a.params.SecondaryTimeout/time.Second)
}

// priceChangeAboveMax reports (max-min)/max strictly above MaxDeviation.
func (a *Aggregator) priceChangeAboveMax(cur, prev primaryResponse) bool {
	hi := fpmath.Max(cur.answer, prev.answer)
	lo := fpmath.Min(cur.answer, prev.answer)
	deviation := fpmath.DecDiv(new(uint256.Int).Sub(hi, lo), hi)
	return deviation.Gt(a.params.MaxDeviation)
}

// similar reports (max-min)/min at or below MaxDifference.
func (a *Aggregator) similar(primary, secondary *uint256.Int) bool {
	hi := fpmath.Max(primary, secondary)
	lo := fpmath.Min(primary, secondary)
	diff := fpmath.DecDiv(new(uint256.Int).Sub(hi, lo), lo)
	return !diff.Gt(a.params.MaxDifference)
}

func (a *Aggregator) bothLiveUnbrokenAndSimilar(cur, prev primaryResponse, sec secondaryResponse, now int64) bool {
	if a.secondaryBroken(sec, now) || a.secondaryFrozen(sec, now) {
		return false
	}
	if a.primaryBroken(cur, prev, now) || a.primaryFrozen(cur, now) {
		return false
	}
	return a.similar(cur.answer, sec.value)
}
