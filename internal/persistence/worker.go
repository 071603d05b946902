package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CoreOutput is one committed command ready for storage, or one refused
// command when Rejection is set.
type CoreOutput struct {
	Event     EventRow
	Logs      []LogRow
	Rejection *RejectionRow
}

// NewCoreOutput converts a committed envelope and its log batch.
func NewCoreOutput(env *event.EventEnvelope, batch *ledger.Batch) (CoreOutput, error) {
	logs, err := NewLogRows(batch)
	if err != nil {
		return CoreOutput{}, err
	}
	return CoreOutput{Event: NewEventRow(env), Logs: logs}, nil
}

// NewRejectionOutput wraps a refused command.
func NewRejectionOutput(r *core.Rejection) CoreOutput {
	row := NewRejectionRow(r)
	return CoreOutput{Rejection: &row}
}

// pending is the batch accumulated between flushes.
type pending struct {
	events     []EventRow
	logs       []LogRow
	rejections []RejectionRow
}

func (p *pending) size() int { return len(p.events) + len(p.rejections) }

func (p *pending) reset() {
	p.events = p.events[:0]
	p.logs = p.logs[:0]
	p.rejections = p.rejections[:0]
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on this channel with blocking semantics, so a slow worker
// stalls the core instead of losing commands.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		events: make([]EventRow, 0, pw.batchSize),
		logs:   make([]LogRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if batch.size() == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).
				Int("events", len(batch.events)).
				Int("rejections", len(batch.rejections)).
				Msg("flush failed")
		}
		batch.reset()
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			if out.Rejection != nil {
				batch.rejections = append(batch.rejections, *out.Rejection)
			} else {
				batch.events = append(batch.events, out.Event)
				batch.logs = append(batch.logs, out.Logs...)
			}
			if batch.size() >= pw.batchSize {
				flush(ctx, "full")
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write lands or
// ctx is cancelled, in which case one last attempt runs on a fresh context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch.events)).Msg("retrying persistence flush")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush")
	}
}

// flush writes envelopes, logs and rejections in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	events, logs := batch.events, batch.logs
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteLogBatch(ctx, tx, logs); err != nil {
		pw.countError("write_logs")
		return err
	}
	if err := pw.writer.WriteRejectionBatch(ctx, tx, batch.rejections); err != nil {
		pw.countError("write_rejections")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistLogsWritten.Add(float64(len(logs)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
