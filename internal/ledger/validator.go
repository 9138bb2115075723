package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies every asset sums to zero
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, total := range v.tracker.ComputeGlobalBalance() {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset.Hex(), total.Dec())
		}
	}
	return nil
}

// ValidateNoNegativeHolders checks that only issuance accounts are below zero
func (v *InvariantValidator) ValidateNoNegativeHolders() error {
	for _, key := range v.tracker.Keys() {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBacking checks that a vault's ledger balance equals what it books internally
func (v *InvariantValidator) ValidateBacking(holder Holder, asset common.Address, booked *uint256.Int) error {
	actual := v.tracker.GetBalance(NewAccountKey(holder, asset))
	if !actual.Eq(booked) {
		return fmt.Errorf("%s backing mismatch for %s: ledger=%s, booked=%s",
			holder.String(), asset.Hex(), actual.Dec(), booked.Dec())
	}
	return nil
}
