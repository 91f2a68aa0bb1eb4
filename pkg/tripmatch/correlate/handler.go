package correlate

import (
	"context"

	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/store"
)

// Summary reports the outcome of one batch of change notifications.
// Monitoring output for the caller, not control flow.
type Summary struct {
	// Processed is the number of notifications handled.
	Processed int

	// Errors is the number of attempts abandoned after retries; each is
	// picked up again by a later notification or reconciliation sweep.
	Errors int

	// Matched is the number of trips completed by this batch.
	Matched int
}

// HandleBatch drives the matcher over a batch of change records, isolating
// failures per record.
func (m *Matcher) HandleBatch(ctx context.Context, items []store.Item) *Summary {
	summary := &Summary{}
	for _, item := range items {
		outcome, err := m.HandleChange(ctx, item)
		if err != nil {
			summary.Errors++
			continue
		}
		summary.Processed++
		if outcome == OutcomeCompleted {
			summary.Matched++
		}
	}
	return summary
}
