// Package observability provides structured logging and metrics for the
// trip correlation pipeline.
//
// Logging uses slog; metrics use OpenTelemetry with a no-op fallback when
// no meter provider is configured. All features are opt-in: components
// accept a nil logger and a NoopMetrics recorder.
package observability

import "log/slog"

// EnrichLogger adds pipeline context to a logger.
// Returns a new logger with invocation_id attached.
func EnrichLogger(logger *slog.Logger, invocationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("invocation_id", invocationID))
}

// TripLogger adds per-trip context to a logger.
func TripLogger(logger *slog.Logger, tripID, kind string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("trip_id", tripID),
		slog.String("kind", kind),
	)
}

// LogBatchComplete logs an ingestion batch summary.
func LogBatchComplete(logger *slog.Logger, processed, errors int, byKind map[string]int) {
	if logger == nil {
		return
	}
	logger.Info("batch processing complete",
		slog.Int("processed", processed),
		slog.Int("errors", errors),
		slog.Any("events_by_type", byKind),
	)
}

// LogTripCompleted logs a successful match.
func LogTripCompleted(logger *slog.Logger, tripID string) {
	if logger == nil {
		return
	}
	logger.Info("trip completed", slog.String("trip_id", tripID))
}
