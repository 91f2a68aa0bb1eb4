package replay

import (
	"context"
	"sync"

	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/ingest"
)

// MemoryStream is an in-process Sink that buffers records for batch
// delivery, standing in for a real stream transport in examples and
// tests.
type MemoryStream struct {
	mu      sync.Mutex
	records []ingest.Record
}

// NewMemoryStream creates an empty stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{}
}

// Send appends a record to the stream.
func (s *MemoryStream) Send(_ context.Context, rec ingest.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Len returns the number of buffered records.
func (s *MemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Drain removes and returns all buffered records in arrival order.
func (s *MemoryStream) Drain() []ingest.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.records
	s.records = nil
	return out
}

// Batches removes all buffered records and returns them grouped into
// slices of at most size records, preserving arrival order.
func (s *MemoryStream) Batches(size int) [][]ingest.Record {
	records := s.Drain()
	if size <= 0 || len(records) == 0 {
		if len(records) == 0 {
			return nil
		}
		return [][]ingest.Record{records}
	}

	var batches [][]ingest.Record
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}
