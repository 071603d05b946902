package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Batch is the set of logs produced by one committed command. Either the
// whole batch is persisted and published or none of it is.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string // Idempotency key of the source command
	Sequence  int64
	Timestamp int64 // Command time, unix seconds
	Logs      []Log
}

// NewBatch wraps committed logs. The batch ID is derived from the command
// reference so that replays produce identical batches.
func NewBatch(eventRef string, sequence, timestamp int64, logs []Log) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(eventRef)),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Logs:      logs,
	}
}

var batchNamespace = uuid.MustParse("7c1e6f4a-3b52-5d0e-9a8f-2f6d4c1b0e37")

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	if len(b.Logs) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}
	for i, l := range b.Logs {
		if l == nil {
			return fmt.Errorf("batch %s log %d is nil", b.BatchID, i)
		}
		if l.LogType().String() == "unknown" {
			return fmt.Errorf("batch %s log %d has unknown type %d", b.BatchID, i, l.LogType())
		}
	}
	return nil
}

// Digest returns canonical bytes for the state hash chain:
// for each log, type (4 bytes LE) || len (4 bytes LE) || JSON payload.
func (b *Batch) Digest() ([]byte, error) {
	h := sha256.New()
	var hdr [8]byte
	for i, l := range b.Logs {
		payload, err := json.Marshal(l)
		if err != nil {
			return nil, fmt.Errorf("marshal log %d: %w", i, err)
		}
		binary.LittleEndian.PutUint32(hdr[:4], uint32(l.LogType()))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
		h.Write(hdr[:])
		h.Write(payload)
	}
	return h.Sum(nil), nil
}

// CountByType tallies logs per type, for metrics.
func (b *Batch) CountByType() map[LogType]int {
	counts := make(map[LogType]int, len(b.Logs))
	for _, l := range b.Logs {
		counts[l.LogType()]++
	}
	return counts
}
