package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
)

const persistPartition = "postgres"

// Outbox is the engine outbox as seen by the worker.
type Outbox interface {
	Subscribe(buffer int) <-chan *event.EventEnvelope
	Since(from uint64) ([]*event.EventEnvelope, error)
}

// PersistenceWorker drains the outbox and batch-writes intents to Postgres.
// It runs independently of the engine: the outbox never blocks, so a slow
// worker misses envelopes on its channel and refetches them by sequence.
// Batches are written in sequence order and never skipped; a failed write
// is retried with exponential backoff until it succeeds or ctx ends.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *IntentLogWriter
	outbox       Outbox
	names        event.Names
	validator    *core.SequenceValidator
	batchSize    int
	flushTimeout time.Duration

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	outbox Outbox,
	names event.Names,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewIntentLogWriter(),
		outbox:       outbox,
		names:        names,
		validator:    core.NewSequenceValidator(),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

type pending struct {
	intents  []IntentRow
	journals []JournalRow
}

func (p *pending) reset() {
	p.intents = p.intents[:0]
	p.journals = p.journals[:0]
}

// Run persists envelopes starting at sequence from. It batches rows and
// flushes when the batch is full or the flush timeout expires. Blocks until
// ctx is cancelled or the outbox closes.
func (pw *PersistenceWorker) Run(ctx context.Context, from uint64) error {
	ch := pw.outbox.Subscribe(pw.batchSize * 4)
	pw.validator.SetExpectedSequence(persistPartition, from)

	batch := &pending{
		intents:  make([]IntentRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}
	pw.refetch(batch)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// graceful shutdown: flush what we have
			if len(batch.intents) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("intents", len(batch.intents)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-ch:
			if !ok {
				pw.refetch(batch)
				if len(batch.intents) > 0 {
					if err := pw.flushWithRetry(ctx, batch); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
						return err
					}
				}
				return nil
			}
			pw.accept(env, batch)

			if len(batch.intents) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					return err
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.intents) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					return err
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// accept adds env to the batch, refetching anything missed before it.
func (pw *PersistenceWorker) accept(env *event.EventEnvelope, batch *pending) {
	err := pw.validator.ValidateSequence(persistPartition, env.Sequence)
	switch {
	case err == nil:
		pw.add(env, batch)
	case errors.Is(err, core.ErrSequenceGap):
		pw.logger.Debug().Err(err).Msg("outbox gap, refetching")
		pw.refetch(batch)
	}
}

func (pw *PersistenceWorker) refetch(batch *pending) {
	expected := pw.validator.GetExpectedSequence(persistPartition)
	missed, err := pw.outbox.Since(expected)
	if err != nil {
		// the outbox no longer holds them; the log has a hole from here
		pw.logger.Error().Err(err).Uint64("expected", expected).Msg("intents lost before persistence")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("truncated").Inc()
		}
		return
	}
	for _, env := range missed {
		if err := pw.validator.ValidateSequence(persistPartition, env.Sequence); err != nil {
			continue
		}
		pw.add(env, batch)
	}
}

func (pw *PersistenceWorker) add(env *event.EventEnvelope, batch *pending) {
	row, journals, err := Rows(env, pw.names)
	if err != nil {
		pw.logger.Error().Err(err).Uint64("sequence", env.Sequence).Msg("intent encode failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
		}
		return
	}
	batch.intents = append(batch.intents, row)
	batch.journals = append(batch.journals, journals...)
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch; on shutdown it attempts one last flush with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("intents", len(batch.intents)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteIntentBatch(ctx, tx, batch.intents); err != nil {
		pw.countError("write_intents")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.intents)))
		pw.metrics.PersistLastSequence.Set(float64(batch.intents[len(batch.intents)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
