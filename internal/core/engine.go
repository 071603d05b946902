package core

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/protocol"
	"LendLedger/internal/txn"

	"github.com/rs/zerolog"
)

// ErrStateDivergence means a replayed command did not reproduce the
// persisted state hash.
var ErrStateDivergence = errors.New("state hash diverged during replay")

// RejectedError wraps a command the protocol refused. The command consumed
// its source sequence and is remembered as processed, but nothing was
// persisted for it.
type RejectedError struct {
	EventType      string
	IdempotencyKey string
	Err            error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s rejected: %v", e.EventType, e.IdempotencyKey, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// DeterministicCore is the single-threaded command processor. Everything
// it owns, the protocol included, is touched only from the goroutine that
// calls ProcessEvent.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	proto             *protocol.Protocol
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one committed command: its envelope, the logs it emitted
// and the markets and positions those logs touched. A refused command
// carries only Rejection.
type CoreOutput struct {
	Envelope  *event.EventEnvelope
	Batch     *ledger.Batch
	Markets   []MarketView
	Positions []PositionView
	Rejection *Rejection
}

// Rejection is a refused command. It consumed Partition's SourceSequence
// and its command ID, and nothing else. AfterSequence is the last global
// sequence committed before it.
type Rejection struct {
	AfterSequence  int64     `json:"after_sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Partition      string    `json:"partition"`
	SourceSequence int64     `json:"source_sequence"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

type Option func(*DeterministicCore)

func WithLogger(l zerolog.Logger) Option {
	return func(c *DeterministicCore) { c.logger = l }
}

func WithLRUCapacity(n int) Option {
	return func(c *DeterministicCore) {
		if n > 0 {
			c.idempotency = NewIdempotencyChecker(n, c.idempotency.dbChecker, c.metrics)
		}
	}
}

// NewDeterministicCore wires the processor. startSequence is the next
// global sequence to assign; metrics may be nil.
func NewDeterministicCore(
	startSequence int64,
	proto *protocol.Protocol,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	opts ...Option,
) *DeterministicCore {
	c := &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		proto:             proto,
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            zerolog.Nop(),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessEvent runs one command through dedup, ordering, the protocol and
// the hash chain, then hands the result to persistence and projections.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	partition := c.getPartition(evt)
	sourceSequence := evt.SourceSequence()

	if price, ok := evt.(*event.PriceUpdate); ok {
		if !isDuplicate {
			if err := c.sequenceValidator.ValidatePriceSequence(price.Asset, price.Feed, sourceSequence); err != nil {
				if errors.Is(err, ErrStaleSequence) {
					c.reject(eventType, "stale")
					c.idempotency.MarkProcessed(eventType, idempotencyKey)
					return nil
				}
				return err
			}
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
		switch {
		case errors.Is(err, ErrSequenceGap):
			c.reject(eventType, "sequence_gap")
			if c.metrics != nil {
				c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
			}
		case errors.Is(err, ErrOutOfOrder):
			c.reject(eventType, "out_of_order")
			if c.metrics != nil {
				c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
			}
		}
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	logs, err := txn.Run(evt.Time(), func(tx *txn.Tx) error {
		return c.dispatch(tx, evt)
	})
	if err != nil {
		c.idempotency.MarkProcessed(eventType, idempotencyKey)
		c.reject(eventType, "rejected")
		c.logger.Info().
			Str("command_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Err(err).
			Msg("command rejected")

		if price, ok := evt.(*event.PriceUpdate); ok {
			partition = PricePartition(price.Asset, price.Feed)
		}
		c.persistChan <- CoreOutput{Rejection: &Rejection{
			AfterSequence:  c.sequence - 1,
			EventType:      eventType,
			IdempotencyKey: idempotencyKey,
			Partition:      partition,
			SourceSequence: sourceSequence,
			Reason:         err.Error(),
			Timestamp:      time.Unix(evt.Time(), 0).UTC(),
		}}
		return &RejectedError{EventType: eventType, IdempotencyKey: idempotencyKey, Err: err}
	}

	output, err := c.commit(evt, payload, logs)
	if err != nil {
		return err
	}
	output.Markets, output.Positions = c.views(output.Batch)

	// Persistence blocks so nothing committed is lost. Projections drop
	// when full and catch up from the event log.
	if c.metrics != nil && len(c.persistChan) == cap(c.persistChan) {
		c.metrics.PersistBackpressure.Inc()
	}
	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(output.Envelope.Sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
		c.observe(output)
	}
	return nil
}

// commit seals an applied command into the hash chain and assigns it the
// next global sequence.
func (c *DeterministicCore) commit(evt event.Event, payload []byte, logs []ledger.Log) (CoreOutput, error) {
	batch := ledger.NewBatch(evt.IdempotencyKey(), c.sequence, evt.Time(), logs)
	if len(batch.Logs) > 0 {
		if err := batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
	}

	hashStart := time.Now()
	digest, err := stateDigest(payload, batch)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("state digest: %w", err)
	}
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      time.Unix(evt.Time(), 0).UTC(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++
	return CoreOutput{Envelope: envelope, Batch: batch}, nil
}

// stateDigest is SHA-256(payload) || batch digest. The payload term keeps
// commands that emit no logs (an entered market, a paused switch) in the
// chain.
func stateDigest(payload []byte, batch *ledger.Batch) ([]byte, error) {
	logDigest, err := batch.Digest()
	if err != nil {
		return nil, err
	}
	cmd := sha256.Sum256(payload)
	out := make([]byte, 0, len(cmd)+len(logDigest))
	out = append(out, cmd[:]...)
	return append(out, logDigest...), nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// getPartition determines the partition key for sequence validation.
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if marketID := evt.MarketID(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

func (c *DeterministicCore) observe(out CoreOutput) {
	for lt, n := range out.Batch.CountByType() {
		c.metrics.CoreLogs.WithLabelValues(lt.String()).Add(float64(n))
	}
	for _, l := range out.Batch.Logs {
		if liq, ok := l.(*ledger.Liquidated); ok {
			repaid, seized := liq.RepayAmount, liq.SeizeTokens
			c.metrics.Liquidations.WithLabelValues(liq.MarketID, liq.CollateralMarket).Inc()
			c.metrics.LiquidationRepaid.WithLabelValues(liq.MarketID).Add(repaid.Float64())
			c.metrics.LiquidationSeized.WithLabelValues(liq.CollateralMarket).Add(seized.Float64())
		}
	}
	for _, v := range out.Markets {
		c.metrics.MarketCash.WithLabelValues(v.ID).Set(v.Cash.Float64())
		c.metrics.MarketTotalSupply.WithLabelValues(v.ID).Set(v.TotalSupply.Float64())
		c.metrics.MarketExchangeRate.WithLabelValues(v.ID).Set(fpmath.ToDecimal(v.ExchangeRate).InexactFloat64())
		if v.Kind == "debt" {
			c.metrics.MarketTotalBorrows.WithLabelValues(v.ID).Set(v.TotalBorrows.Float64())
			c.metrics.MarketTotalReserves.WithLabelValues(v.ID).Set(v.TotalReserves.Float64())
			c.metrics.MarketBorrowIndex.WithLabelValues(v.ID).Set(fpmath.ToDecimal(v.BorrowIndex).InexactFloat64())
		}
	}
}

// --- Replay ---

// ReplayEnvelope re-applies a persisted envelope during recovery. Nothing
// is sent downstream; the recomputed hash must match the stored one.
func (c *DeterministicCore) ReplayEnvelope(env *event.EventEnvelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay out of order: expected sequence %d, got %d", c.sequence, env.Sequence)
	}
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay %d: %w", env.Sequence, err)
	}

	logs, err := txn.Run(evt.Time(), func(tx *txn.Tx) error {
		return c.dispatch(tx, evt)
	})
	if err != nil {
		return fmt.Errorf("%w: sequence %d no longer applies: %v", ErrStateDivergence, env.Sequence, err)
	}

	output, err := c.commit(evt, env.Payload, logs)
	if err != nil {
		return err
	}
	if output.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("%w: sequence %d expected %x, got %x",
			ErrStateDivergence, env.Sequence, env.StateHash, output.Envelope.StateHash)
	}

	if price, ok := evt.(*event.PriceUpdate); ok {
		c.sequenceValidator.RestorePartition(PricePartition(price.Asset, price.Feed), evt.SourceSequence()+1)
	} else {
		c.sequenceValidator.RestorePartition(c.getPartition(evt), evt.SourceSequence()+1)
	}
	c.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// RestoreRejection re-applies what a persisted rejection consumed: its
// source sequence and its command ID. Order relative to ReplayEnvelope
// does not matter.
func (c *DeterministicCore) RestoreRejection(r Rejection) {
	c.sequenceValidator.RestorePartition(r.Partition, r.SourceSequence+1)
	c.idempotency.MarkProcessed(r.EventType, r.IdempotencyKey)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState is the serializable in-memory state of the core.
type SnapshotState struct {
	Sequence        int64            `json:"sequence"`
	StateHash       [32]byte         `json:"state_hash"`
	Protocol        *protocol.State  `json:"protocol"`
	SequenceState   map[string]int64 `json:"sequence_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
}

// RestoreFromSnapshot loads a snapshot into a freshly built core. On error
// the core must be discarded.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.proto.Import(snap.Protocol); err != nil {
		return fmt.Errorf("restore protocol: %w", err)
	}
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent composite idempotency keys into the LRU.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next global sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the chain tip.
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *DeterministicCore) Protocol() *protocol.Protocol {
	return c.proto
}

// CreateSnapshotState captures the current state. Must be called from the
// processing goroutine.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Protocol:        c.proto.Export(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
