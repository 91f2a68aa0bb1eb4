package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/observability"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
)

// RunnerConfig configures the periodic reporting runner.
type RunnerConfig struct {
	// Interval is how often to publish. Default: 1 hour.
	Interval time.Duration

	// Metrics records run outcomes. Default: noop.
	Metrics observability.MetricsRecorder

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// Runner periodically aggregates the current processing date and publishes
// the summary.
type Runner struct {
	agg     *Aggregator
	writer  *ObjectWriter
	logger  *slog.Logger
	cfg     RunnerConfig
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// NewRunner creates a periodic runner.
func NewRunner(agg *Aggregator, writer *ObjectWriter, logger *slog.Logger, cfg RunnerConfig) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		agg:    agg,
		writer: writer,
		logger: logger,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic publishing.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the runner.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	close(r.stopCh)
	r.running = false
}

// run is the main publishing loop.
func (r *Runner) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

// publish runs one aggregation for today's processing date.
func (r *Runner) publish(ctx context.Context) {
	date := trip.ProcessingDate(r.cfg.Now())
	key, err := r.agg.Run(ctx, date, r.writer, r.cfg.Metrics)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("kpi publish failed",
				slog.String("date", date),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if r.logger != nil {
		r.logger.Info("kpi published",
			slog.String("date", date),
			slog.String("key", key),
		)
	}
}
