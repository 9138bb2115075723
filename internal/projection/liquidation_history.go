package projection

import (
	"sync"

	"TroveLedger/internal/collateral"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LiquidationEntry is one liquidated trove
type LiquidationEntry struct {
	Sequence          int64
	Owner             common.Address
	Liquidator        common.Address
	RecoveryMode      bool
	ICR               *uint256.Int
	Debt              *uint256.Int
	Colls             []collateral.Entry
	DebtOffset        *uint256.Int
	DebtRedistributed *uint256.Int
	CollSurplus       []collateral.Entry
	Timestamp         int64 // epoch microseconds
}

// LiquidationHistory keeps the most recent liquidations in memory, bounded
// by capacity. Safe for concurrent use.
type LiquidationHistory struct {
	mu       sync.RWMutex
	entries  []LiquidationEntry
	capacity int
}

func NewLiquidationHistory(capacity int) *LiquidationHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &LiquidationHistory{
		entries:  make([]LiquidationEntry, 0, 64),
		capacity: capacity,
	}
}

// Add records a liquidation, evicting the oldest beyond capacity
func (h *LiquidationHistory) Add(entry LiquidationEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if over := len(h.entries) - h.capacity; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

// ByOwner returns liquidations of owner, newest first
func (h *LiquidationHistory) ByOwner(owner common.Address, limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].Owner == owner {
			result = append(result, h.entries[i])
		}
	}
	return result
}

// Recent returns the latest liquidations across all troves, newest first
func (h *LiquidationHistory) Recent(limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0, min(limit, len(h.entries)))
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, h.entries[i])
	}
	return result
}

func (h *LiquidationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
