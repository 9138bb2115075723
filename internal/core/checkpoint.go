package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"
)

var (
	ErrReplayDiverged     = errors.New("core: replayed state hash differs from the log")
	ErrCheckpointMismatch = errors.New("core: replayed state hash differs from the checkpoint")
	ErrCheckpointAhead    = errors.New("core: checkpoint is beyond the end of the log")
)

// Checkpoint pins the hash chain at a sequence, with protocol totals for
// operators. State is never restored from it; replay must reproduce it.
type Checkpoint struct {
	Sequence  int64
	StateHash [32]byte
	Summary   Summary
}

// Summary is a human-readable digest of protocol totals.
type Summary struct {
	ActiveTroves      int               `json:"active_troves"`
	TotalDebt         string            `json:"total_debt"`
	StablecoinSupply  string            `json:"stablecoin_supply"`
	StabilityDeposits string            `json:"stability_deposits"`
	BaseRate          string            `json:"base_rate"`
	LastFeeOperation  int64             `json:"last_fee_operation"`
	Collateral        map[string]string `json:"collateral"` // symbol -> active + default pool
	ClockUnix         int64             `json:"clock_unix"`
}

// Checkpoint captures the current chain tip.
func (e *Engine) Checkpoint() Checkpoint {
	return Checkpoint{
		Sequence:  e.GetSequence(),
		StateHash: e.GetStateHash(),
		Summary:   e.Summary(),
	}
}

func (e *Engine) Summary() Summary {
	troves := e.sys.Troves
	s := Summary{
		ActiveTroves:      troves.OwnersCount(),
		TotalDebt:         fpmath.FormatDecimal(troves.EntireSystemDebt()),
		StablecoinSupply:  fpmath.FormatDecimal(e.sys.Stable.TotalSupply()),
		StabilityDeposits: fpmath.FormatDecimal(e.sys.Stability.TotalDeposits()),
		BaseRate:          fpmath.FormatDecimal(troves.Fees().BaseRate()),
		LastFeeOperation:  troves.Fees().LastFeeOperationTime(),
		Collateral:        make(map[string]string),
		ClockUnix:         e.sys.Clock.Now().Unix(),
	}
	coll := troves.EntireSystemColl()
	for _, token := range e.sys.Registry.Tokens() {
		decimals, err := e.sys.Registry.Decimals(token)
		if err != nil {
			continue
		}
		s.Collateral[e.sys.Registry.Symbol(token)] = fpmath.FormatUnits(coll.Get(token), decimals)
	}
	return s
}

// LoggedCommand is one row of the command log.
type LoggedCommand struct {
	Sequence  int64
	Command   event.Command
	StateHash [32]byte
}

// Replay re-applies the command log from genesis. Every recomputed hash must
// equal the logged one, and cp, when given, must lie on the replayed chain.
// Outputs are not re-emitted.
func (e *Engine) Replay(ctx context.Context, cmds []LoggedCommand, cp *Checkpoint) error {
	start := time.Now()
	e.replaying = true
	defer func() { e.replaying = false }()

	for _, lc := range cmds {
		if lc.Sequence != e.sequence {
			return fmt.Errorf("replay: log sequence %d, expected %d", lc.Sequence, e.sequence)
		}
		out, err := e.Process(ctx, lc.Command)
		if err != nil {
			return fmt.Errorf("replay sequence %d: %w", lc.Sequence, err)
		}
		if out == nil {
			return fmt.Errorf("replay sequence %d: command was not recorded", lc.Sequence)
		}
		if out.Envelope.StateHash != lc.StateHash {
			return fmt.Errorf("%w: sequence %d", ErrReplayDiverged, lc.Sequence)
		}
		if cp != nil && lc.Sequence == cp.Sequence && lc.StateHash != cp.StateHash {
			return fmt.Errorf("%w: sequence %d", ErrCheckpointMismatch, cp.Sequence)
		}
		if e.metrics != nil {
			e.metrics.ReplayCommandsTotal.Inc()
		}
	}

	if cp != nil && cp.Sequence > e.GetSequence() {
		return fmt.Errorf("%w: checkpoint %d, log ends at %d", ErrCheckpointAhead, cp.Sequence, e.GetSequence())
	}
	if e.metrics != nil {
		e.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	e.logger.Info().
		Int("commands", len(cmds)).
		Int64("sequence", e.GetSequence()).
		Dur("elapsed", time.Since(start)).
		Msg("replay complete")
	return nil
}
