package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FailedRecord preserves a payload that could not be processed, for
// inspection and replay.
type FailedRecord struct {
	// Payload is the original, undecoded transport payload.
	Payload []byte `json:"payload"`

	// PartitionKey is the transport partition key, when known.
	PartitionKey string `json:"partition_key,omitempty"`

	// ErrorMessage describes why processing failed.
	ErrorMessage string `json:"error_message"`

	// Timestamp is when the failure occurred.
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterSink receives records that cannot be processed. Delivery is
// fire-and-forget: a sink failure is logged by the caller, never retried
// indefinitely, and never fails the batch.
type DeadLetterSink interface {
	Send(ctx context.Context, failed *FailedRecord) error
}

// MemorySink is an in-memory DeadLetterSink for testing and
// single-instance deployments.
type MemorySink struct {
	mu      sync.RWMutex
	records []*FailedRecord
}

// Compile-time interface check.
var _ DeadLetterSink = (*MemorySink)(nil)

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Send implements DeadLetterSink.
func (s *MemorySink) Send(_ context.Context, failed *FailedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, failed)
	return nil
}

// Records returns a copy of the collected records.
func (s *MemorySink) Records() []*FailedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*FailedRecord(nil), s.records...)
}

// Len returns the number of collected records.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LogSink is a DeadLetterSink that only logs. Useful when no durable side
// channel is wired up.
type LogSink struct {
	Logger *slog.Logger
}

// Compile-time interface check.
var _ DeadLetterSink = LogSink{}

// Send implements DeadLetterSink.
func (s LogSink) Send(_ context.Context, failed *FailedRecord) error {
	if s.Logger != nil {
		s.Logger.Error("dead-lettered record",
			slog.String("error", failed.ErrorMessage),
			slog.String("partition_key", failed.PartitionKey),
			slog.Int("payload_bytes", len(failed.Payload)),
		)
	}
	return nil
}
