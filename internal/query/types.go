package query

// CollateralAmount is one collateral holding formatted in token units.
type CollateralAmount struct {
	Token  string `json:"token"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

// TroveResponse represents a trove for API queries.
type TroveResponse struct {
	Owner         string             `json:"owner"`
	Status        string             `json:"status"`
	Debt          string             `json:"debt"`
	Collateral    []CollateralAmount `json:"collateral"`
	ICR           string             `json:"icr"` // as of last_sequence
	LastOperation string             `json:"last_operation"`
	LastSequence  int64              `json:"last_sequence"`
	UpdatedAt     int64              `json:"updated_at"`
	AsOfSequence  int64              `json:"as_of_sequence"`
}

// CollateralStatusResponse is the oracle state of one collateral type.
type CollateralStatusResponse struct {
	Token        string `json:"token"`
	Symbol       string `json:"symbol"`
	Decimals     uint8  `json:"decimals"`
	Price        string `json:"price,omitempty"`
	OracleStatus string `json:"oracle_status"`
}

// SystemStatusResponse is the protocol-wide view.
type SystemStatusResponse struct {
	StateHash         string                     `json:"state_hash"`
	Timestamp         int64                      `json:"timestamp"`
	ActiveTroves      int                        `json:"active_troves"`
	TotalDebt         string                     `json:"total_debt"`
	TotalCollateral   []CollateralAmount         `json:"total_collateral"`
	TCR               string                     `json:"tcr,omitempty"`
	RecoveryMode      bool                       `json:"recovery_mode"`
	BaseRate          string                     `json:"base_rate"`
	StabilityDeposits string                     `json:"stability_deposits"`
	StablecoinSupply  string                     `json:"stablecoin_supply"`
	Collateral        []CollateralStatusResponse `json:"collateral"`
	AsOfSequence      int64                      `json:"as_of_sequence"`
}

// LiquidationResponse represents one liquidated trove.
type LiquidationResponse struct {
	Sequence          int64              `json:"sequence"`
	Owner             string             `json:"owner"`
	Liquidator        string             `json:"liquidator"`
	RecoveryMode      bool               `json:"recovery_mode"`
	ICR               string             `json:"icr"`
	Debt              string             `json:"debt"`
	Collateral        []CollateralAmount `json:"collateral"`
	DebtOffset        string             `json:"debt_offset"`
	DebtRedistributed string             `json:"debt_redistributed"`
	CollSurplus       []CollateralAmount `json:"coll_surplus,omitempty"`
	Timestamp         int64              `json:"timestamp"`
}

// BalanceResponse is a projected wallet balance in base units.
type BalanceResponse struct {
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	CommandRef    string `json:"command_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
