package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/collateral"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotFound   = errors.New("query: not found")
	ErrNotReady   = errors.New("query: no command applied yet")
	ErrNoDatabase = errors.New("query: no database configured")
)

// TokenInfo resolves display metadata for collateral tokens.
// *collateral.Registry implements it.
type TokenInfo interface {
	Symbol(token common.Address) string
	Decimals(token common.Address) (uint8, error)
}

// QueryService provides read-only access to the projections. Trove and
// system queries are served from the in-memory view fed by the projection
// worker; balance, journal and integrity queries read PostgreSQL. Responses
// carry as_of_sequence for freshness.
type QueryService struct {
	db      *sql.DB
	view    *projection.TroveView
	history *projection.LiquidationHistory
	tokens  TokenInfo
	metrics *observability.Metrics
}

// NewQueryService creates a query service. db may be nil, in which case
// only the in-memory queries are available.
func NewQueryService(
	db *sql.DB,
	view *projection.TroveView,
	history *projection.LiquidationHistory,
	tokens TokenInfo,
	metrics *observability.Metrics,
) *QueryService {
	return &QueryService{db: db, view: view, history: history, tokens: tokens, metrics: metrics}
}

// GetTrove returns the last published state of owner's trove.
func (qs *QueryService) GetTrove(owner common.Address) (resp *TroveResponse, err error) {
	defer qs.observe("get_trove", time.Now(), &err)

	t, ok := qs.view.Trove(owner)
	if !ok {
		return nil, fmt.Errorf("trove %s: %w", owner.Hex(), ErrNotFound)
	}
	r := qs.troveResponse(t)
	return &r, nil
}

// ListTroves returns troves with the given status (all when empty),
// lowest ICR first.
func (qs *QueryService) ListTroves(status string, limit int) (resp []TroveResponse, err error) {
	defer qs.observe("list_troves", time.Now(), &err)

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	records := qs.view.Troves(status, limit)
	resp = make([]TroveResponse, 0, len(records))
	for _, t := range records {
		resp = append(resp, qs.troveResponse(t))
	}
	return resp, nil
}

// GetSystemStatus returns the protocol-wide view after the last applied
// command.
func (qs *QueryService) GetSystemStatus() (resp *SystemStatusResponse, err error) {
	defer qs.observe("system_status", time.Now(), &err)

	st := qs.view.Status()
	if st == nil {
		return nil, ErrNotReady
	}

	resp = &SystemStatusResponse{
		StateHash:         hex.EncodeToString(st.StateHash[:]),
		Timestamp:         st.Timestamp,
		ActiveTroves:      st.ActiveTroves,
		TotalDebt:         fpmath.FormatDecimal(st.TotalDebt),
		TotalCollateral:   qs.amounts(st.TotalColl),
		RecoveryMode:      st.RecoveryMode,
		BaseRate:          fpmath.FormatDecimal(st.BaseRate),
		StabilityDeposits: fpmath.FormatDecimal(st.StabilityDeposits),
		StablecoinSupply:  fpmath.FormatDecimal(st.StablecoinSupply),
		AsOfSequence:      st.Sequence,
	}
	if st.TCR != nil {
		resp.TCR = fpmath.FormatDecimal(st.TCR)
	}
	for _, c := range st.Collateral {
		cs := CollateralStatusResponse{
			Token:        c.Token.Hex(),
			Symbol:       c.Symbol,
			Decimals:     c.Decimals,
			OracleStatus: c.OracleStatus,
		}
		if c.Price != nil {
			cs.Price = fpmath.FormatDecimal(c.Price)
		}
		resp.Collateral = append(resp.Collateral, cs)
	}
	return resp, nil
}

// GetLiquidations returns recent liquidations, newest first. A nil owner
// lists across all troves.
func (qs *QueryService) GetLiquidations(owner *common.Address, limit int) (resp []LiquidationResponse, err error) {
	defer qs.observe("liquidations", time.Now(), &err)

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entries []projection.LiquidationEntry
	if owner != nil {
		entries = qs.history.ByOwner(*owner, limit)
	} else {
		entries = qs.history.Recent(limit)
	}

	resp = make([]LiquidationResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, LiquidationResponse{
			Sequence:          e.Sequence,
			Owner:             e.Owner.Hex(),
			Liquidator:        e.Liquidator.Hex(),
			RecoveryMode:      e.RecoveryMode,
			ICR:               fpmath.FormatDecimal(e.ICR),
			Debt:              fpmath.FormatDecimal(e.Debt),
			Collateral:        qs.amounts(e.Colls),
			DebtOffset:        fpmath.FormatDecimal(e.DebtOffset),
			DebtRedistributed: fpmath.FormatDecimal(e.DebtRedistributed),
			CollSurplus:       qs.amounts(e.CollSurplus),
			Timestamp:         e.Timestamp,
		})
	}
	return resp, nil
}

// GetBalance returns the projected wallet balance of owner in asset, in
// base units.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	owner common.Address,
	asset common.Address,
) (resp *BalanceResponse, err error) {
	defer qs.observe("get_balance", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewAccountKey(ledger.UserHolder(owner), asset).AccountPath()
	balance, err := qs.getProjectedBalance(ctx, path, strings.ToLower(asset.Hex()))
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Owner:        owner.Hex(),
		Asset:        asset.Hex(),
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetJournalHistory returns journal entries touching owner's wallet with
// cursor pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journal_history", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, command_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CommandRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the command hash chain and that every asset's
// balances sum to zero across all accounts.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		LEFT JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.sequence > 1
		  AND (c2.sequence IS NULL OR c1.prev_hash != c2.state_hash)
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::TEXT
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) troveResponse(t projection.TroveRecord) TroveResponse {
	return TroveResponse{
		Owner:         t.Owner.Hex(),
		Status:        t.Status,
		Debt:          fpmath.FormatDecimal(t.Debt),
		Collateral:    qs.amounts(t.Colls),
		ICR:           fpmath.FormatDecimal(t.ICR),
		LastOperation: t.LastOperation.String(),
		LastSequence:  t.LastSequence,
		UpdatedAt:     t.UpdatedAt,
		AsOfSequence:  qs.view.LastSequence(),
	}
}

func (qs *QueryService) amounts(entries []collateral.Entry) []CollateralAmount {
	out := make([]CollateralAmount, 0, len(entries))
	for _, e := range entries {
		out = append(out, CollateralAmount{
			Token:  e.Token.Hex(),
			Symbol: qs.tokens.Symbol(e.Token),
			Amount: qs.formatUnits(e.Token, e.Amount),
		})
	}
	return out
}

func (qs *QueryService) formatUnits(token common.Address, v *uint256.Int) string {
	decimals, err := qs.tokens.Decimals(token)
	if err != nil {
		return v.Dec()
	}
	return fpmath.FormatUnits(v, decimals)
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
		code := "internal"
		switch {
		case errors.Is(*err, ErrNotFound):
			code = "not_found"
		case errors.Is(*err, ErrNotReady), errors.Is(*err, ErrNoDatabase):
			code = "unavailable"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath, asset string) (string, error) {
	var balance string
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, accountPath, asset).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return "0", nil
	}
	return balance, err
}
