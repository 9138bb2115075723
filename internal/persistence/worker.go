package persistence

import (
	"context"
	"database/sql"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on the persist channel with a blocking send, so if this
// worker falls behind the core stalls and no command is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *CommandLogWriter
	inputChan    <-chan core.CoreOutput
	publishChan  chan<- ingestion.PublishableEvent
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

// WorkerConfig configures a PersistenceWorker. A nil PublishChan disables
// outbound publishing.
type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	PublishChan  chan<- ingestion.PublishableEvent
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

func NewPersistenceWorker(db *sql.DB, codec *ingestion.Codec, inputChan <-chan core.CoreOutput, cfg WorkerConfig) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewCommandLogWriter(db, codec),
		inputChan:    inputChan,
		publishChan:  cfg.PublishChan,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// batch accumulates outputs between flushes.
type batch struct {
	outputs  []core.CoreOutput
	commands []CommandRow
	journals []JournalRow
}

func (b *batch) reset() {
	b.outputs = b.outputs[:0]
	b.commands = b.commands[:0]
	b.journals = b.journals[:0]
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		outputs:  make([]core.CoreOutput, 0, pw.batchSize),
		commands: make([]CommandRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4), // ~4 journals per command avg
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(b.commands) > 0 {
				if err := pw.flush(context.Background(), b); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(b.commands) > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			row, journals, err := pw.writer.Rows(output)
			if err != nil {
				// The log must hold every recorded command.
				pw.errorMetric("encode")
				return err
			}
			b.outputs = append(b.outputs, output)
			b.commands = append(b.commands, row)
			b.journals = append(b.journals, journals...)

			if len(b.commands) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(b.commands) > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. The worker never drops a batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("commands", len(b.commands)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				// Shutdown: one final attempt with a background context.
				return pw.flush(context.Background(), b)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		pw.errorMetric("retry")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	// Commands and journals go in a single transaction
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.errorMetric("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCommandBatch(ctx, b.commands, tx); err != nil {
		pw.errorMetric("write_commands")
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, b.journals, tx); err != nil {
		pw.errorMetric("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.errorMetric("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.commands)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(b.commands)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(b.journals)))
		pw.metrics.PersistLastSequence.Set(float64(b.commands[len(b.commands)-1].Sequence))
		for _, out := range b.outputs {
			pw.metrics.ApplyToPersist.Observe(time.Since(out.Envelope.Timestamp).Seconds())
		}
	}

	pw.publish(b.outputs)
	return nil
}

// publish forwards domain events of persisted commands. Drops are counted;
// consumers can recover from the command log.
func (pw *PersistenceWorker) publish(outputs []core.CoreOutput) {
	if pw.publishChan == nil {
		return
	}
	for _, out := range outputs {
		for _, evt := range out.Events {
			select {
			case pw.publishChan <- ingestion.NewPublishable(out.Envelope, evt):
			default:
				if pw.metrics != nil {
					pw.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (pw *PersistenceWorker) errorMetric(op string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}
