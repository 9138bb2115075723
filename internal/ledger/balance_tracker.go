package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are kept
// modulo 2^256 so the issuance account can sit below zero; Sign() reads the
// two's complement sign.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.entry(j.DebitAccount).Add(bt.entry(j.DebitAccount), j.Amount)
	bt.entry(j.CreditAccount).Sub(bt.entry(j.CreditAccount), j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

func (bt *BalanceTracker) entry(key AccountKey) *uint256.Int {
	v, ok := bt.balances[key]
	if !ok {
		v = new(uint256.Int)
		bt.balances[key] = v
	}
	return v
}

// GetBalance returns the raw balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// IsNegative reports whether an account is below zero
func (bt *BalanceTracker) IsNegative(key AccountKey) bool {
	v, ok := bt.balances[key]
	return ok && v.Sign() < 0
}

// ValidateSufficient checks holder has at least amount of asset
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, amount *uint256.Int) error {
	if key.Scope == AccountScopeExternal {
		return nil
	}
	balance := bt.GetBalance(key)
	if balance.Lt(amount) {
		return fmt.Errorf("insufficient balance in %s: have=%s, need=%s", key.AccountPath(), balance.Dec(), amount.Dec())
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if bt.IsNegative(key) {
		return fmt.Errorf("account %s has negative balance", key.AccountPath())
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(uint256.Int)
			totals[key.Asset] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// TotalSupply is the negated balance of the issuance account
func (bt *BalanceTracker) TotalSupply(asset common.Address) *uint256.Int {
	issued := bt.GetBalance(NewAccountKey(IssuanceHolder(), asset))
	return new(uint256.Int).Neg(issued)
}

// Keys returns all tracked accounts ordered by path, for deterministic hashing
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(uint256.Int).Set(v)
	}
	return snapshot
}
