package core

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSequenceGap means envelopes were skipped; the consumer should
	// refetch from the outbox.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrSequenceReplay means the envelope was already consumed.
	ErrSequenceReplay = errors.New("sequence already consumed")
)

// SequenceValidator checks that an outbox consumer sees every sequence
// exactly once and in order, per partition (one partition per consumer).
type SequenceValidator struct {
	mu              sync.Mutex
	expectedNextSeq map[string]uint64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]uint64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks ordering and advances the partition on success.
// Outbox sequences start at 1.
func (sv *SequenceValidator) ValidateSequence(partition string, sequence uint64) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	expected := sv.expectedLocked(partition)

	if sequence < expected {
		sv.metrics.recordReplay(partition)
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrSequenceReplay, partition, expected, sequence)
	}

	if sequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.recordGap(partition)
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sequence)
}

func (sv *SequenceValidator) expectedLocked(partition string) uint64 {
	if next, ok := sv.expectedNextSeq[partition]; ok {
		return next
	}
	return 1
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) uint64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.expectedLocked(partition)
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq uint64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.expectedNextSeq[partition] = seq
}

// Metrics returns the gap and replay counters.
func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats. Guarded by the
// validator's mutex on write.
type SequenceMetrics struct {
	mu      sync.Mutex
	gaps    map[string]int64 // partition -> gap count
	replays map[string]int64 // partition -> replay count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:    make(map[string]int64),
		replays: make(map[string]int64),
	}
}

func (m *SequenceMetrics) recordGap(partition string) {
	m.mu.Lock()
	m.gaps[partition]++
	m.mu.Unlock()
}

func (m *SequenceMetrics) recordReplay(partition string) {
	m.mu.Lock()
	m.replays[partition]++
	m.mu.Unlock()
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetReplays(partition string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replays[partition]
}
