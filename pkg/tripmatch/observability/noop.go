package observability

import (
	"context"
	"time"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordIngest does nothing.
func (NoopMetrics) RecordIngest(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordDeadLetter does nothing.
func (NoopMetrics) RecordDeadLetter(_ context.Context, _ string) {}

// RecordMatchAttempt does nothing.
func (NoopMetrics) RecordMatchAttempt(_ context.Context, _ string, _ time.Duration) {}

// RecordReport does nothing.
func (NoopMetrics) RecordReport(_ context.Context, _ int, _ time.Duration, _ error) {}
