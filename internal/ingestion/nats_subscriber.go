package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpRisk/internal/market"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/oracle"
)

const (
	QuoteStream    = "PERP_ORACLE"
	IntentStream   = "PERP_RISK_INTENTS"
	quoteConsumer  = "perprisk-quotes"
	quoteAckWait   = 5 * time.Second
	mirrorDeadline = 250 * time.Millisecond
)

// QuoteMirror receives every accepted quote, e.g. a Redis source shared with
// other aggregator replicas.
type QuoteMirror interface {
	Store(ctx context.Context, q oracle.Quote) error
}

// QuoteSubscriber consumes pushed quotes from JetStream and feeds them into
// the FeedSource of their source. Quotes never reach the aggregator any
// other way, so a stalled feed shows up as stale quotes, not old prices.
type QuoteSubscriber struct {
	js       jetstream.JetStream
	registry *market.Registry
	feeds    map[market.SourceID]*oracle.FeedSource
	mirror   QuoteMirror

	consumer jetstream.ConsumeContext
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewQuoteSubscriber(
	js jetstream.JetStream,
	registry *market.Registry,
	feeds []*oracle.FeedSource,
	mirror QuoteMirror,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *QuoteSubscriber {
	byID := make(map[market.SourceID]*oracle.FeedSource, len(feeds))
	for _, f := range feeds {
		byID[f.ID()] = f
	}
	return &QuoteSubscriber{
		js:       js,
		registry: registry,
		feeds:    byID,
		mirror:   mirror,
		logger:   logger,
		metrics:  metrics,
	}
}

// Subscribe creates the durable quote consumer and starts consuming.
// Consumers use explicit ACK, max_deliver=3 and deliver only new quotes.
func (qs *QuoteSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := qs.js.CreateOrUpdateConsumer(ctx, QuoteStream, jetstream.ConsumerConfig{
		Durable:       quoteConsumer,
		FilterSubject: QuoteSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       quoteAckWait,
		MaxDeliver:    3,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", quoteConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		switch result := qs.Handle(ctx, msg.Subject(), msg.Data()); result {
		case ResultMalformed, ResultUnknownSource:
			_ = msg.Term()
		default:
			_ = msg.Ack()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", quoteConsumer, err)
	}
	qs.consumer = cc
	qs.logger.Info().Str("subject", QuoteSubjectPrefix+".>").Str("consumer", quoteConsumer).Msg("subscribed to quotes")
	return nil
}

// Quote handling outcomes, also used as metric labels.
const (
	ResultAccepted      = "accepted"
	ResultStale         = "stale"
	ResultMalformed     = "malformed"
	ResultUnknownSource = "unknown_source"
)

// Handle parses one message and updates the matching feed.
func (qs *QuoteSubscriber) Handle(ctx context.Context, subject string, data []byte) string {
	q, err := ParseQuote(subject, data, qs.registry)
	if err != nil {
		result := ResultMalformed
		if errors.Is(err, ErrUnknownSource) {
			result = ResultUnknownSource
		}
		qs.count("unknown", result)
		qs.logger.Warn().Err(err).Str("subject", subject).Msg("quote rejected")
		return result
	}

	source := qs.registry.SourceName(q.Source)
	feed, ok := qs.feeds[q.Source]
	if !ok {
		qs.count(source, ResultUnknownSource)
		qs.logger.Warn().Str("source", source).Msg("quote for source without a feed")
		return ResultUnknownSource
	}
	if !feed.Update(q) {
		qs.count(source, ResultStale)
		return ResultStale
	}
	qs.count(source, ResultAccepted)

	if qs.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, mirrorDeadline)
		defer cancel()
		if err := qs.mirror.Store(mctx, q); err != nil {
			qs.logger.Warn().Err(err).Str("source", source).Msg("quote mirror failed")
		}
	}
	return ResultAccepted
}

func (qs *QuoteSubscriber) count(source, result string) {
	if qs.metrics != nil {
		qs.metrics.OracleQuotesIngest.WithLabelValues(source, result).Inc()
	}
}

// Stop stops the consumer.
func (qs *QuoteSubscriber) Stop() {
	if qs.consumer != nil {
		qs.consumer.Stop()
	}
	qs.logger.Info().Msg("quote subscriber stopped")
}

// EnsureStreams creates the quote and intent streams if they don't exist.
// Quotes are short-lived; intents are kept for downstream custody replay.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      QuoteStream,
			Subjects:  []string{QuoteSubjectPrefix + ".>"},
			Storage:   jetstream.MemoryStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    time.Hour,
			Replicas:  1,
		},
		{
			Name:       IntentStream,
			Subjects:   []string{IntentSubjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perprisk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
