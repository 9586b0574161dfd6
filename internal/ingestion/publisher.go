package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
)

// IntentSubjectPrefix is the subject root of published intents:
// perp.risk.intents.{event_type}
const IntentSubjectPrefix = "perp.risk.intents"

const (
	publishPartition = "nats"
	publishAttempts  = 3
)

// EnvelopeSource is the engine outbox as seen by consumers.
type EnvelopeSource interface {
	Subscribe(buffer int) <-chan *event.EventEnvelope
	Since(from uint64) ([]*event.EventEnvelope, error)
}

// Publisher is the subset of jetstream.JetStream used to publish.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// IntentPublisher publishes every outbox envelope to NATS in sequence order.
// Envelopes dropped by the outbox are refetched with Since; the sequence is
// the JetStream message id, so redeliveries are deduplicated by the stream.
type IntentPublisher struct {
	js        Publisher
	source    EnvelopeSource
	names     event.Names
	validator *core.SequenceValidator
	buffer    int

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewIntentPublisher(js Publisher, source EnvelopeSource, names event.Names, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *IntentPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &IntentPublisher{
		js:        js,
		source:    source,
		names:     names,
		validator: core.NewSequenceValidator(),
		buffer:    buffer,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run publishes envelopes starting at sequence from until ctx is done or the
// outbox closes. On close the retained tail is drained before returning.
func (ip *IntentPublisher) Run(ctx context.Context, from uint64) error {
	ch := ip.source.Subscribe(ip.buffer)
	ip.validator.SetExpectedSequence(publishPartition, from)

	// catch up on everything appended before the subscription
	if err := ip.catchUp(ctx); err != nil {
		ip.logger.Error().Err(err).Msg("intent catch-up failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-ch:
			if !ok {
				if err := ip.catchUp(ctx); err != nil {
					ip.logger.Error().Err(err).Msg("intent drain failed")
				}
				return nil
			}
			ip.Deliver(ctx, env)
		}
	}
}

// Deliver publishes env, first refetching any envelopes skipped before it.
func (ip *IntentPublisher) Deliver(ctx context.Context, env *event.EventEnvelope) {
	err := ip.validator.ValidateSequence(publishPartition, env.Sequence)
	switch {
	case err == nil:
		ip.publish(ctx, env)
	case errors.Is(err, core.ErrSequenceReplay):
		// already published during a catch-up
	case errors.Is(err, core.ErrSequenceGap):
		ip.logger.Warn().Err(err).Msg("intent stream gap, refetching")
		if err := ip.catchUp(ctx); err != nil {
			ip.logger.Error().Err(err).Uint64("sequence", env.Sequence).Msg("refetch failed, skipping ahead")
			ip.validator.SetExpectedSequence(publishPartition, env.Sequence+1)
			ip.publish(ctx, env)
		}
	}
}

func (ip *IntentPublisher) catchUp(ctx context.Context) error {
	missed, err := ip.source.Since(ip.validator.GetExpectedSequence(publishPartition))
	if err != nil {
		return err
	}
	for _, env := range missed {
		if err := ip.validator.ValidateSequence(publishPartition, env.Sequence); err != nil {
			continue
		}
		ip.publish(ctx, env)
	}
	return nil
}

// Publish failures are logged and counted, never fatal: the intent log in
// Postgres is the source of truth and downstream consumers can replay it.
func (ip *IntentPublisher) publish(ctx context.Context, env *event.EventEnvelope) {
	in, err := event.NewIntent(env, ip.names)
	if err != nil {
		ip.count(env.EventType.String(), "encode_error")
		ip.logger.Error().Err(err).Uint64("sequence", env.Sequence).Msg("intent encode failed")
		return
	}
	data, err := json.Marshal(in)
	if err != nil {
		ip.count(in.EventType, "encode_error")
		ip.logger.Error().Err(err).Uint64("sequence", env.Sequence).Msg("intent marshal failed")
		return
	}
	subject := IntentSubject(in.EventType)
	msgID := strconv.FormatUint(env.Sequence, 10)

	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		_, err = ip.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
		if err == nil {
			ip.count(in.EventType, "ok")
			return
		}
		if attempt == publishAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	ip.count(in.EventType, "error")
	ip.logger.Warn().Err(err).Uint64("sequence", env.Sequence).Str("subject", subject).Msg("intent publish failed")
}

func (ip *IntentPublisher) count(eventType, result string) {
	if ip.metrics != nil {
		ip.metrics.IntentsPublished.WithLabelValues(eventType, result).Inc()
	}
}

// IntentSubject returns the subject intents of eventType are published on.
func IntentSubject(eventType string) string {
	return fmt.Sprintf("%s.%s", IntentSubjectPrefix, eventType)
}
