package core

import (
	"context"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/trove"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// domainEvents turns the manager outbox into outbound events, in a fixed
// order: oracle transitions, liquidations, redistributions, redemptions,
// base rate changes, then one TroveUpdated per touched trove.
func (e *Engine) domainEvents(ctx context.Context, seq int64, cmd event.Command, outbox trove.Outbox) []event.DomainEvent {
	var events []event.DomainEvent

	for _, oc := range outbox.OracleChanges {
		events = append(events, &event.OracleStatusChanged{
			Sequence: seq,
			Token:    oc.Token,
			From:     oc.From.String(),
			To:       oc.To.String(),
			Price:    oc.Price,
		})
	}

	liquidator := liquidatorOf(cmd)
	for _, lt := range outbox.Liquidations {
		events = append(events, &event.TroveLiquidated{
			Sequence:          seq,
			Owner:             lt.Owner,
			Liquidator:        liquidator,
			RecoveryMode:      lt.RecoveryMode,
			ICR:               lt.ICR,
			Debt:              lt.Debt,
			Colls:             lt.Colls.Entries(),
			DebtOffset:        lt.DebtToOffset,
			DebtRedistributed: lt.DebtToRedistribute,
			CollSurplus:       lt.CollSurplus.Entries(),
		})
	}

	for _, rd := range outbox.Redistributions {
		events = append(events, &event.Redistribution{
			Sequence:     seq,
			Debt:         rd.Debt,
			Colls:        rd.Colls.Entries(),
			CollPerStake: e.perToken(rd.CollPerStake),
			DebtPerStake: e.perToken(rd.DebtPerStake),
		})
	}

	for _, rr := range outbox.Redemptions {
		troves := make([]common.Address, len(rr.Troves))
		for i, t := range rr.Troves {
			troves[i] = t.Owner
		}
		events = append(events, &event.Redemption{
			Sequence: seq,
			Redeemer: rr.Redeemer,
			Redeemed: rr.Redeemed,
			Drawn:    rr.Drawn.Entries(),
			Fee:      rr.Fee.Entries(),
			BaseRate: rr.BaseRate,
			Troves:   troves,
		})
	}

	for _, rate := range outbox.BaseRates {
		events = append(events, &event.BaseRateUpdated{Sequence: seq, BaseRate: rate})
	}

	if len(outbox.Touched) == 0 {
		return events
	}
	ps := e.sys.Troves.Prices(ctx)
	for _, owner := range outbox.Touched {
		t, _ := e.sys.Troves.Trove(owner)
		updated := &event.TroveUpdated{
			Sequence:  seq,
			Owner:     owner,
			Status:    t.Status.String(),
			Debt:      new(uint256.Int),
			ICR:       new(uint256.Int),
			Operation: cmd.CommandType(),
		}
		if t.IsActive() {
			pos := e.sys.Troves.EntirePosition(owner)
			updated.Debt = pos.Debt
			updated.Colls = pos.Colls.Entries()
			updated.ICR = e.sys.Troves.CurrentICR(owner, ps)
		}
		events = append(events, updated)
	}
	return events
}

// perToken lists a per-type map in registry order, skipping absent types.
func (e *Engine) perToken(m map[common.Address]*uint256.Int) []collateral.Entry {
	var out []collateral.Entry
	for _, token := range e.sys.Registry.Tokens() {
		if v, ok := m[token]; ok {
			out = append(out, collateral.Entry{Token: token, Amount: new(uint256.Int).Set(v)})
		}
	}
	return out
}

func liquidatorOf(cmd event.Command) common.Address {
	switch c := cmd.(type) {
	case *event.Liquidate:
		return c.Liquidator
	case *event.LiquidateTroves:
		return c.Liquidator
	case *event.BatchLiquidateTroves:
		return c.Liquidator
	}
	return common.Address{}
}

// updateGauges refreshes the protocol gauges after an applied command.
func (e *Engine) updateGauges(out CoreOutput) {
	m := e.metrics
	st := out.Status
	m.ActiveTroves.Set(float64(st.ActiveTroves))
	m.TotalDebt.Set(toFloat(st.TotalDebt))
	m.BaseRate.Set(toFloat(st.BaseRate))
	m.StabilityDeposits.Set(toFloat(st.StabilityDeposits))
	for _, cs := range st.Collateral {
		if t, err := e.sys.Registry.Get(cs.Token); err == nil {
			m.OracleStatus.WithLabelValues(cs.Symbol).Set(float64(t.Oracle.Status()))
		}
	}

	for _, ev := range out.Events {
		switch ev := ev.(type) {
		case *event.TroveLiquidated:
			mode := "normal"
			if ev.RecoveryMode {
				mode = "recovery"
			}
			m.TrovesLiquidated.WithLabelValues(mode).Inc()
		case *event.Redistribution:
			m.Redistributions.Inc()
		case *event.Redemption:
			m.Redemptions.Inc()
		}
	}

	if st.TCR == nil {
		return
	}
	m.TCR.Set(toFloat(st.TCR))
	if st.RecoveryMode {
		m.RecoveryMode.Set(1)
	} else {
		m.RecoveryMode.Set(0)
	}
}

func toFloat(v *uint256.Int) float64 {
	return decimal.NewFromBigInt(v.ToBig(), -fpmath.DecimalPlaces).InexactFloat64()
}
