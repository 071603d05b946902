package core

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrStaleSequence marks a price update below the next expected
	// sequence for its feed. The caller skips it without failing.
	ErrStaleSequence = errors.New("stale sequence")
	// ErrOutOfOrder is a new command whose sequence was already consumed.
	// Redelivery cannot fix it.
	ErrOutOfOrder = errors.New("out-of-order command")
	// ErrSequenceGap means an earlier command in the partition is missing.
	// Redelivery may fix it.
	ErrSequenceGap = errors.New("sequence gap")
)

// SequenceValidator validates source sequences per partition.
// Only accessed from the single-threaded core.
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

// ValidateSequence enforces strict ordering within a partition. A sequence
// below the expected one is accepted only for a known duplicate.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w %s: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, idempotencyKey, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// PricePartition names the sequence partition of one asset feed.
func PricePartition(asset, feed string) string {
	return fmt.Sprintf("price:%s:%s", asset, feed)
}

// ValidatePriceSequence accepts any sequence ahead of the last one seen
// on the feed. Gaps are counted but tolerated.
func (sv *SequenceValidator) ValidatePriceSequence(asset, feed string, priceSequence int64) error {
	partition := PricePartition(asset, feed)
	expected := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		return ErrStaleSequence
	}
	if priceSequence > expected {
		sv.metrics.RecordPriceGap(partition, expected, priceSequence)
	}

	sv.expectedNextSeq[partition] = priceSequence + 1
	return nil
}

func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions copies the expected-sequence table for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestorePartition loads a snapshot entry. Restored values never move a
// partition backwards.
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	if next > sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = next
	}
}

// Partitions lists partition names in sorted order.
func (sv *SequenceValidator) Partitions() []string {
	names := make([]string, 0, len(sv.expectedNextSeq))
	for k := range sv.expectedNextSeq {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

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

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(partition string, expected, got int64) {
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
