package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a reader plus a
// cleanup function.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	m := findMetric(rm, name)
	require.NotNil(t, m, "metric %s not found", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
}

func TestRecordIngest(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordIngest(ctx, "trip_begin", 5*time.Millisecond, nil)
	m.RecordIngest(ctx, "trip_end", 3*time.Millisecond, nil)
	m.RecordIngest(ctx, "unknown", time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(3), counterTotal(t, rm, "tripmatch.ingest.records"))

	latency := findMetric(rm, "tripmatch.ingest.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.NotEmpty(t, hist.DataPoints)
}

func TestRecordDeadLetter(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDeadLetter(ctx, "identity")
	m.RecordDeadLetter(ctx, "decode")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, rm, "tripmatch.deadletter.records"))
}

func TestRecordMatchAttempt(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordMatchAttempt(ctx, "completed", 2*time.Millisecond)
	m.RecordMatchAttempt(ctx, "pending", time.Millisecond)
	m.RecordMatchAttempt(ctx, "already_completed", time.Millisecond)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(3), counterTotal(t, rm, "tripmatch.match.attempts"))
}

func TestRecordReport(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordReport(ctx, 42, 10*time.Millisecond, nil)
	m.RecordReport(ctx, 0, time.Millisecond, errors.New("scan failed"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, rm, "tripmatch.report.runs"))
	// Failed runs contribute no trips.
	assert.Equal(t, int64(42), counterTotal(t, rm, "tripmatch.report.trips"))
}

func TestNoopMetricsIsSafe(t *testing.T) {
	ctx := context.Background()
	var m MetricsRecorder = NoopMetrics{}

	m.RecordIngest(ctx, "trip_begin", time.Millisecond, nil)
	m.RecordDeadLetter(ctx, "identity")
	m.RecordMatchAttempt(ctx, "completed", time.Millisecond)
	m.RecordReport(ctx, 1, time.Millisecond, nil)
}
