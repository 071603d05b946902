package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"

	"github.com/rs/zerolog"
)

// snapshotCheckInterval is how often the processor compares the sequence
// against the snapshot interval.
const snapshotCheckInterval = 10 * time.Second

type snapshotRequest struct {
	ctx   context.Context
	reply chan snapshotResult
}

type snapshotResult struct {
	sequence int64
	err      error
}

// processor is the only goroutine that touches the core. NATS messages,
// gateway commands and snapshot requests are serialized through Run.
type processor struct {
	core         *core.DeterministicCore
	rawEvents    <-chan ingestion.RawEvent
	commands     <-chan event.Event
	snapshots    chan snapshotRequest
	snapMgr      *persistence.SnapshotManager
	interval     int64
	lastSnapshot int64
	metrics      *observability.Metrics
	health       *observability.HealthChecker
	logger       zerolog.Logger

	persistChan   chan core.CoreOutput
	projectChan   chan core.CoreOutput
	rawCapacity   int
	cmdCapacity   int
	persistCap    int
	projectionCap int
}

func (p *processor) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-p.rawEvents:
			p.handleRaw(raw)

		case evt := <-p.commands:
			p.process(evt)

		case req := <-p.snapshots:
			seq, err := p.snapshot(req.ctx)
			req.reply <- snapshotResult{sequence: seq, err: err}

		case <-ticker.C:
			p.reportChannels()
			if p.interval > 0 && p.core.GetSequence()-1-p.lastSnapshot >= p.interval {
				if _, err := p.snapshot(ctx); err != nil {
					p.logger.Warn().Err(err).Msg("periodic snapshot failed")
				}
			}
		}
	}
}

// handleRaw acks a NATS message once the core has decided on it. Only a
// sequence gap is nak'd, since redelivery may fill it.
func (p *processor) handleRaw(raw ingestion.RawEvent) {
	evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable command")
		raw.AckFunc()
		return
	}
	if err := p.process(evt); errors.Is(err, core.ErrSequenceGap) {
		raw.NakFunc()
		return
	}
	raw.AckFunc()
}

func (p *processor) process(evt event.Event) error {
	err := p.core.ProcessEvent(evt)
	var rejected *core.RejectedError
	switch {
	case err == nil:
		p.health.SetSequence(p.core.GetSequence() - 1)
	case errors.As(err, &rejected):
		// Already logged by the core.
	default:
		p.logger.Warn().
			Err(err).
			Str("command_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("command not applied")
	}
	return err
}

// RequestSnapshot asks the processor for a snapshot and waits for it.
func (p *processor) RequestSnapshot(ctx context.Context) (int64, error) {
	req := snapshotRequest{ctx: ctx, reply: make(chan snapshotResult, 1)}
	select {
	case p.snapshots <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.sequence, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *processor) snapshot(ctx context.Context) (int64, error) {
	seq, err := takeSnapshot(ctx, p.core, p.snapMgr, p.metrics)
	if err != nil {
		return 0, err
	}
	p.lastSnapshot = seq
	if n, err := p.snapMgr.PruneSnapshots(ctx, snapshotsKept); err != nil {
		p.logger.Warn().Err(err).Msg("prune snapshots failed")
	} else if n > 0 {
		p.logger.Debug().Int64("pruned", n).Msg("pruned snapshots")
	}
	p.logger.Info().Int64("sequence", seq).Msg("snapshot taken")
	return seq, nil
}

func (p *processor) reportChannels() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetChannelMetrics("raw_events", len(p.rawEvents), p.rawCapacity)
	p.metrics.SetChannelMetrics("commands", len(p.commands), p.cmdCapacity)
	p.metrics.SetChannelMetrics("persist", len(p.persistChan), p.persistCap)
	p.metrics.SetChannelMetrics("projection", len(p.projectChan), p.projectionCap)
}

// takeSnapshot saves the core state and marks it verified once the event
// log has caught up to it. Must run on the processing goroutine.
func takeSnapshot(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()
	state := c.CreateSnapshotState()
	if state.Sequence < 1 {
		return 0, nil
	}

	size, err := snapMgr.SaveSnapshot(ctx, state, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	if err := awaitPersisted(ctx, snapMgr, state.Sequence); err != nil {
		return 0, fmt.Errorf("snapshot %d left unverified: %w", state.Sequence, err)
	}
	if err := snapMgr.MarkVerified(ctx, state.Sequence); err != nil {
		return 0, fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	return state.Sequence, nil
}

// awaitPersisted polls until the event log head reaches seq.
func awaitPersisted(ctx context.Context, snapMgr *persistence.SnapshotManager, seq int64) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		head, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if head >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// bridgeCoreOutputs converts core outputs into the worker formats. It
// exits once both core channels are closed, closing the worker channels
// behind it.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableBatch,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	defer close(persistOut)
	defer close(projectionOut)
	defer close(publishOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			if out.Rejection != nil {
				persistOut <- persistence.NewRejectionOutput(out.Rejection)
				continue
			}
			row, err := persistence.NewCoreOutput(out.Envelope, out.Batch)
			if err != nil {
				// A committed command that cannot be stored would leave a
				// hole in the log.
				logger.Fatal().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("encode committed command")
			}
			persistOut <- row

			select {
			case publishOut <- ingestion.PublishableBatch{
				Sequence:       out.Envelope.Sequence,
				EventType:      out.Envelope.EventType.String(),
				IdempotencyKey: out.Envelope.IdempotencyKey,
				StateHash:      out.Envelope.StateHash[:],
				Timestamp:      out.Envelope.Timestamp,
				Logs:           out.Batch.Logs,
			}:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case projectionOut <- projection.FromCore(out):
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}
