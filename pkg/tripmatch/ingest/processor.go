// Package ingest consumes transport batches and persists canonical
// half-events as RAW records.
//
// Errors are isolated per record: a payload that fails decoding or
// normalization goes to the dead-letter sink and the batch continues.
// Successful records are flushed in store-sized batches; when a batch write
// fails the processor falls back to per-record writes so one bad record
// never sacrifices the rest.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	tmerrors "github.com/fleetmetrics/tripmatch/pkg/tripmatch/errors"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/normalize"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/observability"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/store"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
)

// Record is one opaque payload delivered by the transport. Data decodes to
// a JSON object carrying at least trip_id and event_type.
type Record struct {
	PartitionKey string
	Data         []byte
}

// Summary reports the outcome of one batch invocation. It is monitoring
// output, not control flow: partial failure still returns a Summary.
type Summary struct {
	// Processed is the number of records persisted as RAW.
	Processed int

	// Errors is the number of records dead-lettered or dropped.
	Errors int

	// ByKind counts processed records per event kind.
	ByKind map[string]int
}

// Config configures a Processor. Store is required; everything else has a
// working default.
type Config struct {
	Store      store.Store
	DeadLetter DeadLetterSink
	Normalizer *normalize.Normalizer
	Logger     *slog.Logger
	Metrics    observability.MetricsRecorder

	// BatchSize is the flush threshold. Default and maximum:
	// store.MaxBatchSize.
	BatchSize int

	// Retry wraps every store write. Default: errors.DefaultRetry with
	// store.Retryable deciding what is worth another attempt.
	Retry tmerrors.RetryConfig

	// RawRetention is the TTL applied to RAW records.
	// Default: trip.RawRetention.
	RawRetention time.Duration

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// Processor turns transport records into RAW store items.
type Processor struct {
	store      store.Store
	deadLetter DeadLetterSink
	normalizer *normalize.Normalizer
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	batchSize  int
	retry      tmerrors.RetryConfig
	retention  time.Duration
	now        func() time.Time
}

// NewProcessor creates a Processor from cfg.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if cfg.DeadLetter == nil {
		cfg.DeadLetter = LogSink{Logger: cfg.Logger}
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New(normalize.Config{Logger: cfg.Logger})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > store.MaxBatchSize {
		cfg.BatchSize = store.MaxBatchSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = tmerrors.DefaultRetry
	}
	if cfg.Retry.RetryableFunc == nil {
		cfg.Retry.RetryableFunc = store.Retryable
	}
	if cfg.RawRetention <= 0 {
		cfg.RawRetention = trip.RawRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Processor{
		store:      cfg.Store,
		deadLetter: cfg.DeadLetter,
		normalizer: cfg.Normalizer,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		batchSize:  cfg.BatchSize,
		retry:      cfg.Retry,
		retention:  cfg.RawRetention,
		now:        cfg.Now,
	}, nil
}

// ProcessBatch runs one invocation over a batch of transport records.
// The returned Summary always covers the full batch: per-record failures
// are dead-lettered and counted, never escalated.
func (p *Processor) ProcessBatch(ctx context.Context, records []Record) *Summary {
	invocationID := uuid.New().String()
	logger := observability.EnrichLogger(p.logger, invocationID)

	summary := &Summary{ByKind: make(map[string]int)}
	pending := make([]store.Item, 0, p.batchSize)
	pendingKinds := make([]string, 0, p.batchSize)

	for _, rec := range records {
		start := p.now()
		item, kind, err := p.processRecord(ctx, rec)
		if err != nil {
			summary.Errors++
			p.metrics.RecordIngest(ctx, kind, p.now().Sub(start), err)
			p.sendToDeadLetter(ctx, logger, rec, err)
			continue
		}

		p.metrics.RecordIngest(ctx, kind, p.now().Sub(start), nil)
		pending = append(pending, item)
		pendingKinds = append(pendingKinds, kind)

		if len(pending) >= p.batchSize {
			p.flush(ctx, logger, pending, pendingKinds, summary)
			pending = pending[:0]
			pendingKinds = pendingKinds[:0]
		}
	}

	if len(pending) > 0 {
		p.flush(ctx, logger, pending, pendingKinds, summary)
	}

	observability.LogBatchComplete(logger, summary.Processed, summary.Errors, summary.ByKind)
	return summary
}

// processRecord decodes and normalizes one payload into a RAW item.
func (p *Processor) processRecord(_ context.Context, rec Record) (store.Item, string, error) {
	var payload map[string]any
	if err := json.Unmarshal(rec.Data, &payload); err != nil {
		return store.Item{}, "unknown", tmerrors.Permanent(err, "decode payload")
	}

	res, err := p.normalizer.Normalize(payload)
	if err != nil {
		return store.Item{}, "unknown", err
	}

	ev := res.Event
	data, err := json.Marshal(&ev)
	if err != nil {
		return store.Item{}, string(ev.Kind), tmerrors.Permanent(err, "encode half-event")
	}

	item := store.Item{
		PartitionKey: ev.TripID,
		SortKey:      trip.RawKey(ev.TripID, ev.Kind, ev.ObservedAt),
		Data:         data,
		ExpiresAt:    ev.ObservedAt.Add(p.retention),
	}
	return item, string(ev.Kind), nil
}

// flush writes accumulated items, falling back to per-record writes when
// the batch write fails so a single bad record does not sacrifice the rest.
func (p *Processor) flush(ctx context.Context, logger *slog.Logger, items []store.Item, kinds []string, summary *Summary) {
	res := tmerrors.WithRetryContext(ctx, p.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.BatchPut(ctx, items)
	})
	if res.Err == nil {
		for i := range items {
			summary.Processed++
			summary.ByKind[kinds[i]]++
		}
		return
	}

	if logger != nil {
		logger.Error("batch write failed, falling back to individual writes",
			slog.Int("batch_size", len(items)),
			slog.String("error", res.Err.Error()),
		)
	}

	for i, item := range items {
		res := tmerrors.WithRetryContext(ctx, p.retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.store.Put(ctx, item)
		})
		if res.Err != nil {
			summary.Errors++
			p.sendToDeadLetter(ctx, logger, Record{PartitionKey: item.PartitionKey, Data: item.Data}, res.Err)
			continue
		}
		summary.Processed++
		summary.ByKind[kinds[i]]++
	}
}

// sendToDeadLetter forwards a failed record best-effort. A sink failure is
// logged and dropped; the dead-letter channel must never stall a batch.
func (p *Processor) sendToDeadLetter(ctx context.Context, logger *slog.Logger, rec Record, cause error) {
	p.metrics.RecordDeadLetter(ctx, deadLetterReason(cause))

	failed := &FailedRecord{
		Payload:      rec.Data,
		PartitionKey: rec.PartitionKey,
		ErrorMessage: cause.Error(),
		Timestamp:    p.now().UTC(),
	}
	if err := p.deadLetter.Send(ctx, failed); err != nil && logger != nil {
		logger.Error("dead-letter send failed",
			slog.String("send_error", err.Error()),
			slog.String("original_error", cause.Error()),
		)
	}
}

func deadLetterReason(err error) string {
	var nerr *normalize.Error
	if errors.As(err, &nerr) {
		return "identity"
	}
	var jerr *json.SyntaxError
	var terr *json.UnmarshalTypeError
	if errors.As(err, &jerr) || errors.As(err, &terr) {
		return "decode"
	}
	return "store"
}
