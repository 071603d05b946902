package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"LendLedger/internal/ledger"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const OutboundStream = "LEND_LEDGER_LOGS"

// OutboundPublisher republishes committed protocol logs, one message per
// log, on lend.ledger.logs.{log_type}.{scope}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableBatch
	logger    zerolog.Logger
}

// PublishableBatch is one committed command ready for publication.
type PublishableBatch struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	StateHash      []byte
	Timestamp      time.Time
	Logs           []ledger.Log
}

// PublishedLog is the outbound message body.
type PublishedLog struct {
	Sequence       int64      `json:"sequence"`
	Index          int        `json:"index"`
	CommandType    string     `json:"command_type"`
	IdempotencyKey string     `json:"idempotency_key"`
	LogType        string     `json:"log_type"`
	Market         string     `json:"market,omitempty"`
	StateHash      string     `json:"state_hash"`
	Timestamp      time.Time  `json:"timestamp"`
	Data           ledger.Log `json:"data"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableBatch, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until the input closes or ctx ends. Publish failures are
// logged and skipped; the event log remains the source of truth.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case batch, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for i, msg := range Messages(batch) {
				if err := op.publish(ctx, msg); err != nil {
					op.logger.Warn().
						Int64("sequence", batch.Sequence).
						Int("index", i).
						Err(err).
						Msg("outbound publish failed")
				}
			}
		}
	}
}

// Messages flattens a batch into outbound messages.
func Messages(batch PublishableBatch) []PublishedLog {
	out := make([]PublishedLog, 0, len(batch.Logs))
	hash := hex.EncodeToString(batch.StateHash)
	for i, l := range batch.Logs {
		out = append(out, PublishedLog{
			Sequence:       batch.Sequence,
			Index:          i,
			CommandType:    batch.EventType,
			IdempotencyKey: batch.IdempotencyKey,
			LogType:        l.LogType().String(),
			Market:         l.Market(),
			StateHash:      hash,
			Timestamp:      batch.Timestamp,
			Data:           l,
		})
	}
	return out
}

// Subject is lend.ledger.logs.{log_type}.{market}, with "global" for logs
// that belong to no market.
func (m PublishedLog) Subject() string {
	scope := m.Market
	if scope == "" {
		scope = "global"
	}
	return fmt.Sprintf("lend.ledger.logs.%s.%s", m.LogType, scope)
}

// MsgID lets JetStream drop republished duplicates after a restart.
func (m PublishedLog) MsgID() string {
	return fmt.Sprintf("%d-%d", m.Sequence, m.Index)
}

func (op *OutboundPublisher) publish(ctx context.Context, msg PublishedLog) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	_, err = op.js.Publish(ctx, msg.Subject(), data, jetstream.WithMsgID(msg.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound log stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	cfg := streamConfig(OutboundStream, "lend.ledger.logs.>")
	cfg.Duplicates = 2 * time.Minute
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
