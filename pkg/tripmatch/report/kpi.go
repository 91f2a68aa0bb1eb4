// Package report is the downstream reporting consumer: it scans completed
// trips for a processing date, computes fare KPIs, and writes a JSON
// summary to an object store at a date-partitioned key.
//
// The package depends only on the CompletedTrip schema and the store's scan
// capability; it is outside the correlation core.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/observability"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/store"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
)

// Summary is the daily KPI document written to the object store.
type Summary struct {
	Date        string    `json:"date"`
	TotalFare   float64   `json:"total_fare"`
	CountTrips  int       `json:"count_trips"`
	AverageFare float64   `json:"average_fare"`
	MaxFare     float64   `json:"max_fare"`
	MinFare     float64   `json:"min_fare"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Aggregator computes fare KPIs over completed trips.
type Aggregator struct {
	store  store.Scanner
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an Aggregator over a scannable store.
func NewAggregator(s store.Scanner, logger *slog.Logger) (*Aggregator, error) {
	if s == nil {
		return nil, errors.New("report: scanner is required")
	}
	return &Aggregator{store: s, logger: logger, now: time.Now}, nil
}

// Aggregate computes the KPI summary for one processing date (YYYY-MM-DD).
// Trips without a fare amount are excluded from every aggregate, including
// the count. A date with no fares yields a zeroed summary.
func (a *Aggregator) Aggregate(ctx context.Context, date string) (*Summary, error) {
	items, err := a.store.Scan(ctx, trip.CompletedPrefix)
	if err != nil {
		return nil, err
	}

	var (
		count    int
		total    decimal.Decimal
		max, min decimal.Decimal
	)

	for _, item := range items {
		var ct trip.CompletedTrip
		if err := json.Unmarshal(item.Data, &ct); err != nil {
			if a.logger != nil {
				a.logger.Warn("skipping undecodable completed trip",
					slog.String("sort_key", item.SortKey),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if ct.ProcessingDate != date || ct.FareAmount == nil {
			continue
		}

		fare := *ct.FareAmount
		total = total.Add(fare)
		if count == 0 || fare.GreaterThan(max) {
			max = fare
		}
		if count == 0 || fare.LessThan(min) {
			min = fare
		}
		count++
	}

	summary := &Summary{
		Date:        date,
		CountTrips:  count,
		GeneratedAt: a.now().UTC(),
	}
	if count > 0 {
		avg := total.Div(decimal.NewFromInt(int64(count)))
		summary.TotalFare = round2(total)
		summary.AverageFare = round2(avg)
		summary.MaxFare = round2(max)
		summary.MinFare = round2(min)
	}

	if a.logger != nil {
		a.logger.Info("kpi aggregation complete",
			slog.String("date", date),
			slog.Int("count_trips", summary.CountTrips),
			slog.Float64("total_fare", summary.TotalFare),
		)
	}
	return summary, nil
}

// Run aggregates one date and writes the result, recording metrics.
// This is the unit a scheduler invokes.
func (a *Aggregator) Run(ctx context.Context, date string, w *ObjectWriter, metrics observability.MetricsRecorder) (string, error) {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	start := a.now()

	summary, err := a.Aggregate(ctx, date)
	if err != nil {
		metrics.RecordReport(ctx, 0, a.now().Sub(start), err)
		return "", err
	}

	key, err := w.Write(ctx, summary)
	metrics.RecordReport(ctx, summary.CountTrips, a.now().Sub(start), err)
	return key, err
}

// round2 converts an exact decimal to a float rounded to cents, matching
// the published KPI document shape.
func round2(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}
