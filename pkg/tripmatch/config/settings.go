package config

import (
	"time"

	tmerrors "github.com/fleetmetrics/tripmatch/pkg/tripmatch/errors"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/store"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
)

// Settings is the resolved pipeline configuration.
type Settings struct {
	// StorePath is the SQLite database path, or ":memory:".
	StorePath string

	// BatchSize is the ingestion flush threshold.
	BatchSize int

	// Retention windows applied at write time.
	RawRetention       time.Duration
	StateRetention     time.Duration
	CompletedRetention time.Duration

	// Retry wraps every store operation.
	Retry tmerrors.RetryConfig

	// ReportPrefix is the object-key prefix for KPI documents.
	ReportPrefix string

	// ReportInterval is how often the reporting runner publishes.
	ReportInterval time.Duration
}

// SettingsFrom resolves a Config into Settings, applying defaults for
// everything not set.
func SettingsFrom(cfg Config) Settings {
	return Settings{
		StorePath:          cfg.String("store_path", "trips.db"),
		BatchSize:          cfg.Int("batch_size", store.MaxBatchSize),
		RawRetention:       cfg.Duration("raw_retention", trip.RawRetention),
		StateRetention:     cfg.Duration("state_retention", trip.StateRetention),
		CompletedRetention: cfg.Duration("completed_retention", trip.CompletedRetention),
		Retry: tmerrors.RetryConfig{
			MaxAttempts:    cfg.Int("retry_max_attempts", tmerrors.DefaultRetry.MaxAttempts),
			InitialBackoff: cfg.Duration("retry_initial_backoff", tmerrors.DefaultRetry.InitialBackoff),
			MaxBackoff:     cfg.Duration("retry_max_backoff", tmerrors.DefaultRetry.MaxBackoff),
			BackoffFactor:  cfg.Float("retry_backoff_factor", tmerrors.DefaultRetry.BackoffFactor),
			Jitter:         cfg.Float("retry_jitter", tmerrors.DefaultRetry.Jitter),
		},
		ReportPrefix:   cfg.String("report_prefix", "daily_metrics"),
		ReportInterval: cfg.Duration("report_interval", time.Hour),
	}
}
