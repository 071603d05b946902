package ingestion

import (
	"context"
	"errors"

	"LendLedger/internal/event"
)

// ErrIngestClosed is returned once the service has been closed.
var ErrIngestClosed = errors.New("ingest service closed")

// IngestService accepts commands from the HTTP gateway and gRPC callers and
// queues them for the processor. High-volume producers should use NATS.
type IngestService struct {
	eventChan chan<- event.Event
	done      chan struct{}
}

func NewIngestService(eventChan chan<- event.Event) *IngestService {
	return &IngestService{eventChan: eventChan, done: make(chan struct{})}
}

// Submit queues evt, blocking until the processor has room or ctx ends.
func (s *IngestService) Submit(ctx context.Context, evt event.Event) error {
	select {
	case <-s.done:
		return ErrIngestClosed
	default:
	}
	select {
	case s.eventChan <- evt:
		return nil
	case <-s.done:
		return ErrIngestClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitRaw parses a wire payload of the named type and queues it.
func (s *IngestService) SubmitRaw(ctx context.Context, eventType string, data []byte) (event.Event, error) {
	evt, err := ParseRawEvent(RawEvent{EventType: eventType, Data: data}, eventType)
	if err != nil {
		return nil, err
	}
	if err := s.Submit(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Close rejects further submissions. It does not close the channel, which
// the processor owns.
func (s *IngestService) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
