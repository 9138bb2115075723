package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ProjectionWorker updates the read models from processed commands. The
// projection channel is non-blocking with drop; projections can be rebuilt
// from the command log.
type ProjectionWorker struct {
	db        *sql.DB // nil keeps projections in memory only
	view      *TroveView
	history   *LiquidationHistory
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	view *TroveView,
	history *LiquidationHistory,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		view:      view,
		history:   history,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.Apply(ctx, output)
		}
	}
}

// Apply updates every projection from one output. Failed table writes are
// logged; projections are eventually consistent.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) {
	if output.Envelope == nil || output.Err != nil {
		return
	}
	start := time.Now()
	pw.view.Apply(output)
	pw.observe("troves", start)

	ts := output.Envelope.Timestamp.UnixMicro()
	for _, evt := range output.Events {
		if l, ok := evt.(*event.TroveLiquidated); ok {
			pw.history.Add(LiquidationEntry{
				Sequence:          l.Sequence,
				Owner:             l.Owner,
				Liquidator:        l.Liquidator,
				RecoveryMode:      l.RecoveryMode,
				ICR:               l.ICR,
				Debt:              l.Debt,
				Colls:             l.Colls,
				DebtOffset:        l.DebtOffset,
				DebtRedistributed: l.DebtRedistributed,
				CollSurplus:       l.CollSurplus,
				Timestamp:         ts,
			})
		}
	}

	if pw.db == nil {
		return
	}
	start = time.Now()
	if err := pw.processOutput(ctx, output); err != nil {
		pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
		if pw.metrics != nil {
			pw.metrics.ProjectionDrops.WithLabelValues("postgres").Inc()
		}
		return
	}
	pw.observe("postgres", start)
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Batch.Journals {
		asset := strings.ToLower(j.Asset.Hex())
		amount := j.Amount.Dec()
		if err := updateBalance(ctx, tx, j.DebitAccount.AccountPath(), asset, amount, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
		if err := updateBalance(ctx, tx, j.CreditAccount.AccountPath(), asset, "-"+amount, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, evt := range output.Events {
		switch e := evt.(type) {
		case *event.TroveUpdated:
			if err := upsertTrove(ctx, tx, e, output.Envelope.Timestamp); err != nil {
				return fmt.Errorf("trove projection: %w", err)
			}
		case *event.TroveLiquidated:
			if err := insertLiquidation(ctx, tx, e, output.Envelope.Timestamp); err != nil {
				return fmt.Errorf("liquidation projection: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Debit accounts increase, credit accounts decrease.
func updateBalance(ctx context.Context, tx *sql.Tx, path, asset, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3::NUMERIC, last_sequence = $4
	`, path, asset, delta, seq)
	return err
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

type collRow struct {
	Token  string `json:"token"`
	Amount string `json:"amount"` // base units
}

func collsJSON(entries []collateral.Entry) ([]byte, error) {
	rows := make([]collRow, len(entries))
	for i, e := range entries {
		rows[i] = collRow{Token: strings.ToLower(e.Token.Hex()), Amount: dec(e.Amount)}
	}
	return json.Marshal(rows)
}

func upsertTrove(ctx context.Context, tx *sql.Tx, e *event.TroveUpdated, ts time.Time) error {
	colls, err := collsJSON(e.Colls)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.troves (owner, status, debt, colls, icr, last_operation, last_sequence, updated_at)
		VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7, $8)
		ON CONFLICT (owner) DO UPDATE SET
			status = $2, debt = $3::NUMERIC, colls = $4, icr = $5::NUMERIC,
			last_operation = $6, last_sequence = $7, updated_at = $8
	`, strings.ToLower(e.Owner.Hex()), e.Status, dec(e.Debt), string(colls), dec(e.ICR), e.Operation.String(), e.Sequence, ts)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, e *event.TroveLiquidated, ts time.Time) error {
	colls, err := collsJSON(e.Colls)
	if err != nil {
		return err
	}
	surplus, err := collsJSON(e.CollSurplus)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, owner, liquidator, recovery_mode, icr, debt, colls, debt_offset, debt_redistributed, coll_surplus, timestamp)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)
		ON CONFLICT (sequence, owner) DO NOTHING
	`, e.Sequence, strings.ToLower(e.Owner.Hex()), strings.ToLower(e.Liquidator.Hex()), e.RecoveryMode,
		dec(e.ICR), dec(e.Debt), string(colls), dec(e.DebtOffset), dec(e.DebtRedistributed), string(surplus), ts)
	return err
}

// RebuildBalances recomputes projections.balances from the journal. Trove
// and liquidation projections are rebuilt by replaying the command log
// through a fresh worker.
func RebuildBalances(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	if _, err := db.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	logger.Info().Msg("balance projection rebuild complete")
	return nil
}
