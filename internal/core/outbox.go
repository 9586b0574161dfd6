package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
)

// ErrOutboxTruncated means the requested sequence is no longer retained.
var ErrOutboxTruncated = errors.New("outbox history truncated")

// Outbox sequences and hash-chains every envelope leaving the engine, then
// hands it to subscribers without blocking. A subscriber that falls behind
// loses envelopes; it detects the gap with a SequenceValidator and refetches
// them with Since while they are retained.
type Outbox struct {
	mu       sync.Mutex
	sequence uint64
	hasher   *StateHasher

	history []*event.EventEnvelope // ring of the most recent envelopes
	head    int
	size    int

	subscribers []chan *event.EventEnvelope
	closed      bool

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewOutbox retains up to retain envelopes for refetch.
func NewOutbox(retain int, logger zerolog.Logger, metrics *observability.Metrics) *Outbox {
	if retain <= 0 {
		retain = 10_000
	}
	return &Outbox{
		hasher:  NewStateHasher(),
		history: make([]*event.EventEnvelope, retain),
		logger:  logger,
		metrics: metrics,
	}
}

// Restore resumes the sequence and chain tip from the intent log.
func (o *Outbox) Restore(lastSequence uint64, tip [32]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sequence = lastSequence
	o.hasher.Restore(tip)
}

// Subscribe returns a channel receiving every envelope appended from now on.
func (o *Outbox) Subscribe(buffer int) <-chan *event.EventEnvelope {
	ch := make(chan *event.EventEnvelope, buffer)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		close(ch)
		return ch
	}
	o.subscribers = append(o.subscribers, ch)
	return ch
}

// Append assigns sequences and hashes to envelopes in order and delivers
// them. It never blocks on subscribers.
func (o *Outbox) Append(envelopes ...*event.EventEnvelope) {
	if len(envelopes) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.logger.Error().Int("envelopes", len(envelopes)).Msg("append after outbox close")
		return
	}

	for _, env := range envelopes {
		o.sequence++
		env.Sequence = o.sequence
		env.PrevHash = o.hasher.GetPrevHash()
		env.StateHash = o.hasher.ComputeHash(env.Sequence, EnvelopeDigest(env))

		o.history[o.head] = env
		o.head = (o.head + 1) % len(o.history)
		if o.size < len(o.history) {
			o.size++
		}

		for _, ch := range o.subscribers {
			select {
			case ch <- env:
			default:
				if o.metrics != nil {
					o.metrics.OutboxDropped.Inc()
				}
			}
		}
	}
	if o.metrics != nil {
		depth := 0
		for _, ch := range o.subscribers {
			depth = max(depth, len(ch))
		}
		o.metrics.OutboxDepth.Set(float64(depth))
	}
}

// Since returns retained envelopes with sequence >= from, oldest first.
func (o *Outbox) Since(from uint64) ([]*event.EventEnvelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if from > o.sequence {
		return nil, nil
	}
	oldest := o.sequence - uint64(o.size) + 1
	if from < oldest {
		return nil, fmt.Errorf("%w: want %d, oldest retained %d", ErrOutboxTruncated, from, oldest)
	}
	n := int(o.sequence - from + 1)
	out := make([]*event.EventEnvelope, 0, n)
	start := (o.head - n + len(o.history)) % len(o.history)
	for i := 0; i < n; i++ {
		out = append(out, o.history[(start+i)%len(o.history)])
	}
	return out, nil
}

// Sequence returns the last assigned sequence.
func (o *Outbox) Sequence() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sequence
}

// Tip returns the current chain tip.
func (o *Outbox) Tip() [32]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasher.GetPrevHash()
}

// Close closes every subscriber channel.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for _, ch := range o.subscribers {
		close(ch)
	}
}
