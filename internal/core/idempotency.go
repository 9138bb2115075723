package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultIdempotencyCapacity bounds the in-memory tier.
const DefaultIdempotencyCapacity = 1_000_000

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an LRU of recent
// keys in front of the command log.
type IdempotencyChecker struct {
	cache     *lru.Cache
	dbChecker DBIdempotencyChecker
	metrics   *IdempotencyMetrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	return &IdempotencyChecker{
		cache:     cache,
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}, nil
}

func compositeKey(commandType, idempotencyKey string) string {
	return commandType + ":" + idempotencyKey
}

// IsDuplicate checks if a command has been processed (two-tier lookup).
// A tier-2 failure is counted and treated as not seen.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	key := compositeKey(commandType, idempotencyKey)

	if ic.cache.Contains(key) {
		ic.metrics.RecordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
	if err != nil {
		ic.metrics.RecordTier2Error()
		return false
	}
	if isDup {
		ic.metrics.RecordDuplicate(commandType, "postgres")
		ic.cache.Add(key, struct{}{})
		return true
	}
	return false
}

// MarkProcessed adds key to the LRU once the command is recorded
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	ic.cache.Add(compositeKey(commandType, idempotencyKey), struct{}{})
}

// Warm loads recently processed composite keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.cache.Add(key, struct{}{})
	}
}

// Size returns current number of cached keys
func (ic *IdempotencyChecker) Size() int {
	return ic.cache.Len()
}

func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // command_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(commandType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[commandType]++
	} else {
		m.duplicatesPostgres[commandType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(commandType string) (fromLRU int64, fromPostgres int64) {
	return m.duplicatesLRU[commandType], m.duplicatesPostgres[commandType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
