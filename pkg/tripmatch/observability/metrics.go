package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordIngest records one ingested record with its kind and outcome.
	RecordIngest(ctx context.Context, kind string, duration time.Duration, err error)

	// RecordDeadLetter records a record routed to the dead-letter sink.
	RecordDeadLetter(ctx context.Context, reason string)

	// RecordMatchAttempt records a correlator invocation and its outcome
	// (completed, pending, orphaned, already_completed, skipped, error).
	RecordMatchAttempt(ctx context.Context, outcome string, duration time.Duration)

	// RecordReport records a reporting run and the number of trips covered.
	RecordReport(ctx context.Context, trips int, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	ingestRecords     metric.Int64Counter
	ingestLatency     metric.Float64Histogram
	deadLetterRecords metric.Int64Counter
	matchAttempts     metric.Int64Counter
	matchLatency      metric.Float64Histogram
	reportRuns        metric.Int64Counter
	reportTrips       metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("tripmatch")

	ingestRecords, err := meter.Int64Counter("tripmatch.ingest.records",
		metric.WithDescription("Number of ingested records"),
	)
	if err != nil {
		return nil, err
	}

	ingestLatency, err := meter.Float64Histogram("tripmatch.ingest.latency_ms",
		metric.WithDescription("Per-record ingestion latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deadLetterRecords, err := meter.Int64Counter("tripmatch.deadletter.records",
		metric.WithDescription("Number of records routed to the dead-letter sink"),
	)
	if err != nil {
		return nil, err
	}

	matchAttempts, err := meter.Int64Counter("tripmatch.match.attempts",
		metric.WithDescription("Number of correlation attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	matchLatency, err := meter.Float64Histogram("tripmatch.match.latency_ms",
		metric.WithDescription("Correlation attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	reportRuns, err := meter.Int64Counter("tripmatch.report.runs",
		metric.WithDescription("Number of reporting runs"),
	)
	if err != nil {
		return nil, err
	}

	reportTrips, err := meter.Int64Counter("tripmatch.report.trips",
		metric.WithDescription("Number of completed trips covered by reports"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		ingestRecords:     ingestRecords,
		ingestLatency:     ingestLatency,
		deadLetterRecords: deadLetterRecords,
		matchAttempts:     matchAttempts,
		matchLatency:      matchLatency,
		reportRuns:        reportRuns,
		reportTrips:       reportTrips,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		return NoopMetrics{}
	}
	return m
}

// RecordIngest implements MetricsRecorder.
func (m *otelMetrics) RecordIngest(ctx context.Context, kind string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.ingestRecords.Add(ctx, 1, attrs)
	m.ingestLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordDeadLetter implements MetricsRecorder.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, reason string) {
	m.deadLetterRecords.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordMatchAttempt implements MetricsRecorder.
func (m *otelMetrics) RecordMatchAttempt(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.matchAttempts.Add(ctx, 1, attrs)
	m.matchLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordReport implements MetricsRecorder.
func (m *otelMetrics) RecordReport(ctx context.Context, trips int, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.reportRuns.Add(ctx, 1, attrs)
	if err == nil {
		m.reportTrips.Add(ctx, int64(trips), attrs)
	}
}
