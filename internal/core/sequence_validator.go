package core

import (
	"fmt"
)

// firstSourceSequence is the sequence an upstream partition starts at.
const firstSourceSequence = 1

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ErrSequence reports a gap or an out-of-order command. The command is not
// applied and can be redelivered.
type ErrSequence struct {
	Partition string
	Expected  int64
	Got       int64
}

func (e *ErrSequence) Error() string {
	if e.Got > e.Expected {
		return fmt.Sprintf("sequence gap: partition=%s, expected=%d, got=%d", e.Partition, e.Expected, e.Got)
	}
	return fmt.Sprintf("out-of-order command: partition=%s, expected=%d, got=%d", e.Partition, e.Expected, e.Got)
}

// ValidateSequence checks strict source sequence ordering. Duplicates below
// the expected sequence pass so they can be skipped by the caller.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.GetExpectedSequence(partition)

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return &ErrSequence{Partition: partition, Expected: expected, Got: sourceSequence}
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.RecordGap(partition)
	return &ErrSequence{Partition: partition, Expected: expected, Got: sourceSequence}
}

// AcceptPriceSequence reports whether a price reading is newer than the last
// one accepted on its partition. Gaps are tolerated and counted.
func (sv *SequenceValidator) AcceptPriceSequence(partition string, priceSequence int64) bool {
	expected := sv.GetExpectedSequence(partition)

	if priceSequence < expected {
		return false
	}
	if priceSequence > expected {
		sv.metrics.RecordPriceGap(partition)
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	if seq, ok := sv.expectedNextSeq[partition]; ok {
		return seq
	}
	return firstSourceSequence
}

// Metrics exposes the gap counters.
func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
type SequenceMetrics struct {
	gaps       map[string]int64
	outOfOrder map[string]int64
	priceGaps  map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(partition string) {
	m.priceGaps[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(partition string) int64 {
	return m.priceGaps[partition]
}
