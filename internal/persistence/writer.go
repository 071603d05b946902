package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter batch-inserts command envelopes and their protocol logs
// using multi-row INSERT.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// LogRow is a row in event_log.logs.
type LogRow struct {
	Sequence  int64
	Idx       int
	LogType   string
	Market    *string
	Data      []byte
	Timestamp time.Time
}

// RejectionRow is a row in event_log.rejections.
type RejectionRow struct {
	AfterSequence  int64
	EventType      string
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Reason         string
	Timestamp      time.Time
}

func NewRejectionRow(r *core.Rejection) RejectionRow {
	return RejectionRow{
		AfterSequence:  r.AfterSequence,
		EventType:      r.EventType,
		IdempotencyKey: r.IdempotencyKey,
		Partition:      r.Partition,
		SourceSequence: r.SourceSequence,
		Reason:         r.Reason,
		Timestamp:      r.Timestamp,
	}
}

// Rejection converts the row back for recovery.
func (r RejectionRow) Rejection() core.Rejection {
	return core.Rejection{
		AfterSequence:  r.AfterSequence,
		EventType:      r.EventType,
		IdempotencyKey: r.IdempotencyKey,
		Partition:      r.Partition,
		SourceSequence: r.SourceSequence,
		Reason:         r.Reason,
		Timestamp:      r.Timestamp.UTC(),
	}
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// NewEventRow flattens an envelope for storage.
func NewEventRow(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// Envelope rebuilds the committed envelope for replay.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, ok := event.ParseEventType(r.EventType)
	if !ok {
		return nil, fmt.Errorf("event %d: unknown type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash", r.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		MarketID:       r.MarketID,
		Timestamp:      r.Timestamp.UTC(),
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// NewLogRows encodes every log of a committed batch.
func NewLogRows(batch *ledger.Batch) ([]LogRow, error) {
	if batch == nil {
		return nil, nil
	}
	ts := time.Unix(batch.Timestamp, 0).UTC()
	rows := make([]LogRow, 0, len(batch.Logs))
	for i, l := range batch.Logs {
		data, err := json.Marshal(l)
		if err != nil {
			return nil, fmt.Errorf("marshal log %d of %d: %w", i, batch.Sequence, err)
		}
		var market *string
		if m := l.Market(); m != "" {
			market = &m
		}
		rows = append(rows, LogRow{
			Sequence:  batch.Sequence,
			Idx:       i,
			LogType:   l.LogType().String(),
			Market:    market,
			Data:      data,
			Timestamp: ts,
		})
	}
	return rows, nil
}

// WriteEventBatch writes envelopes to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)
	for i, e := range events {
		values = append(values, placeholders(i*9, 9))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteLogBatch writes protocol logs to event_log.logs.
func (w *EventLogWriter) WriteLogBatch(ctx context.Context, ex execer, logs []LogRow) error {
	if len(logs) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.logs
		(sequence, idx, log_type, market_id, data, timestamp)
		VALUES `

	values := make([]string, 0, len(logs))
	args := make([]interface{}, 0, len(logs)*6)
	for i, l := range logs {
		values = append(values, placeholders(i*6, 6))
		// data is JSONB; lib/pq would send a []byte as bytea.
		args = append(args, l.Sequence, l.Idx, l.LogType, l.Market, string(l.Data), l.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, idx) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRejectionBatch writes refused commands to event_log.rejections. A
// redelivered rejection hits the idempotency index and is dropped.
func (w *EventLogWriter) WriteRejectionBatch(ctx context.Context, ex execer, rejections []RejectionRow) error {
	if len(rejections) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.rejections
		(after_sequence, event_type, idempotency_key, partition_key, source_sequence, reason, timestamp)
		VALUES `

	values := make([]string, 0, len(rejections))
	args := make([]interface{}, 0, len(rejections)*7)
	for i, r := range rejections {
		values = append(values, placeholders(i*7, 7))
		args = append(args, r.AfterSequence, r.EventType, r.IdempotencyKey, r.Partition, r.SourceSequence, r.Reason, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_type, idempotency_key) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
