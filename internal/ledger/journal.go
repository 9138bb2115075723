package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeBurn
	JournalTypeCollateralDeposit
	JournalTypeCollateralWithdrawal
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeBorrowingFee
	JournalTypeGasCompensation
	JournalTypeLiquidationOffset
	JournalTypeRedistribution
	JournalTypeRewardPickup
	JournalTypeCollateralSurplus
	JournalTypeRedemption
	JournalTypeRedemptionFee
	JournalTypeStabilityDeposit
	JournalTypeStabilityWithdrawal
	JournalTypeStabilityGain
	JournalTypeTransfer
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeCollateralDeposit:
		return "collateral_deposit"
	case JournalTypeCollateralWithdrawal:
		return "collateral_withdrawal"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeBorrowingFee:
		return "borrowing_fee"
	case JournalTypeGasCompensation:
		return "gas_compensation"
	case JournalTypeLiquidationOffset:
		return "liquidation_offset"
	case JournalTypeRedistribution:
		return "redistribution"
	case JournalTypeRewardPickup:
		return "reward_pickup"
	case JournalTypeCollateralSurplus:
		return "collateral_surplus"
	case JournalTypeRedemption:
		return "redemption"
	case JournalTypeRedemptionFee:
		return "redemption_fee"
	case JournalTypeStabilityDeposit:
		return "stability_deposit"
	case JournalTypeStabilityWithdrawal:
		return "stability_withdrawal"
	case JournalTypeStabilityGain:
		return "stability_gain"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups entries of one command
	EventRef      string         // Idempotency key of source command
	Sequence      int64          // Global command sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Asset         common.Address // Token being moved
	Amount        *uint256.Int   // 18-decimal amount (ALWAYS positive)
	JournalType   JournalType    // Entry type
	Timestamp     int64          // Versioned input timestamp (epoch microseconds)
}

// Batch represents the balanced set of journal entries of one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit account to its debit account, so every entry is
// balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
