// Package correlate pairs begin/end half-events into completed trips.
//
// The matcher is driven by store change notifications for newly persisted
// RAW and STATE records. It holds no state of its own: every decision is
// made against the store, so any notification can be re-driven at any time
// and concurrent invocations for the same trip are resolved by the
// conditional completed-record write — at most one writer wins, and the
// loser treats the rejection as a benign no-op.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tmerrors "github.com/fleetmetrics/tripmatch/pkg/tripmatch/errors"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/observability"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/store"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
)

// Outcome describes what one match attempt did.
type Outcome string

const (
	// OutcomeCompleted means a pair was merged and the completed record
	// written by this attempt.
	OutcomeCompleted Outcome = "completed"

	// OutcomePending means a begin event is waiting for its end.
	OutcomePending Outcome = "pending"

	// OutcomeOrphaned means an end event arrived first and was parked in
	// the state record.
	OutcomeOrphaned Outcome = "orphaned"

	// OutcomeAlreadyCompleted means the trip was completed earlier or by
	// a concurrent attempt. Idempotent no-op.
	OutcomeAlreadyCompleted Outcome = "already_completed"

	// OutcomeSkipped means the notification was not actionable
	// (non-RAW/STATE record, terminal state, malformed key).
	OutcomeSkipped Outcome = "skipped"
)

// Config configures a Matcher. Store is required.
type Config struct {
	Store   store.Store
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder

	// Retry wraps every store read/write. Default: errors.DefaultRetry
	// with store.Retryable deciding what is worth another attempt.
	Retry tmerrors.RetryConfig

	// StateRetention and CompletedRetention are the TTLs applied at write
	// time. Defaults: trip.StateRetention, trip.CompletedRetention.
	StateRetention     time.Duration
	CompletedRetention time.Duration

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// Matcher is the correlation state machine.
type Matcher struct {
	store              store.Store
	logger             *slog.Logger
	metrics            observability.MetricsRecorder
	retry              tmerrors.RetryConfig
	stateRetention     time.Duration
	completedRetention time.Duration
	now                func() time.Time
}

// NewMatcher creates a Matcher from cfg.
func NewMatcher(cfg Config) (*Matcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("correlate: store is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = tmerrors.DefaultRetry
	}
	if cfg.Retry.RetryableFunc == nil {
		cfg.Retry.RetryableFunc = store.Retryable
	}
	if cfg.StateRetention <= 0 {
		cfg.StateRetention = trip.StateRetention
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = trip.CompletedRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Matcher{
		store:              cfg.Store,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		retry:              cfg.Retry,
		stateRetention:     cfg.StateRetention,
		completedRetention: cfg.CompletedRetention,
		now:                cfg.Now,
	}, nil
}

// Listener adapts the matcher to a store change subscription. Errors are
// logged, not propagated: an abandoned attempt is picked up by the next
// notification for the same trip.
func (m *Matcher) Listener() store.ChangeListener {
	return func(ctx context.Context, item store.Item) {
		if _, err := m.HandleChange(ctx, item); err != nil && m.logger != nil {
			m.logger.Error("match attempt failed",
				slog.String("partition_key", item.PartitionKey),
				slog.String("sort_key", item.SortKey),
				slog.String("error", err.Error()),
			)
		}
	}
}

// HandleChange reacts to one newly persisted record. Safe to call
// concurrently and to re-drive with the same item.
func (m *Matcher) HandleChange(ctx context.Context, item store.Item) (Outcome, error) {
	start := m.now()
	outcome, err := m.handleChange(ctx, item)

	recorded := string(outcome)
	if err != nil {
		recorded = "error"
	}
	m.metrics.RecordMatchAttempt(ctx, recorded, m.now().Sub(start))

	return outcome, err
}

func (m *Matcher) handleChange(ctx context.Context, item store.Item) (Outcome, error) {
	switch {
	case strings.HasPrefix(item.SortKey, trip.RawPrefix):
		return m.handleRawChange(ctx, item)
	case strings.HasPrefix(item.SortKey, trip.StatePrefix):
		return m.handleStateChange(ctx, item)
	default:
		return OutcomeSkipped, nil
	}
}

// handleRawChange runs the matching algorithm for a freshly persisted
// half-event.
func (m *Matcher) handleRawChange(ctx context.Context, item store.Item) (Outcome, error) {
	if _, ok := trip.ParseRawKey(item.SortKey); !ok {
		if m.logger != nil {
			m.logger.Warn("malformed RAW sort key", slog.String("sort_key", item.SortKey))
		}
		return OutcomeSkipped, nil
	}

	var ev trip.HalfEvent
	if err := json.Unmarshal(item.Data, &ev); err != nil {
		return OutcomeSkipped, fmt.Errorf("decode half-event %s: %w", item.SortKey, err)
	}

	return m.Match(ctx, &ev)
}

// handleStateChange re-drives matching for orphaned-end states: a begin
// may have landed after the orphan was parked, delivered to an invocation
// that lost the race or died.
func (m *Matcher) handleStateChange(ctx context.Context, item store.Item) (Outcome, error) {
	var state trip.CorrelationState
	if err := json.Unmarshal(item.Data, &state); err != nil {
		return OutcomeSkipped, fmt.Errorf("decode state %s: %w", item.SortKey, err)
	}

	if state.Status != trip.StatusOrphanedEnd || state.EndEvent == nil {
		return OutcomeSkipped, nil
	}

	exists, err := m.completedExists(ctx, state.TripID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if exists {
		return OutcomeAlreadyCompleted, nil
	}

	begin, err := m.findCounterpart(ctx, state.TripID, trip.KindBegin)
	if err != nil {
		return OutcomeSkipped, err
	}
	if begin == nil {
		// Still waiting for the begin half.
		return OutcomeOrphaned, nil
	}

	return m.complete(ctx, begin, state.EndEvent)
}

// Match runs steps 1-5 of the correlation algorithm for one half-event.
func (m *Matcher) Match(ctx context.Context, ev *trip.HalfEvent) (Outcome, error) {
	logger := observability.TripLogger(m.logger, ev.TripID, string(ev.Kind))

	// Step 1: idempotency guard against duplicate delivery and
	// reprocessing.
	exists, err := m.completedExists(ctx, ev.TripID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if exists {
		return OutcomeAlreadyCompleted, nil
	}

	// Step 2: look for the counterpart half.
	counterpart, err := m.findCounterpart(ctx, ev.TripID, ev.Kind.Counterpart())
	if err != nil {
		return OutcomeSkipped, err
	}

	// Step 3: both halves present, merge.
	if counterpart != nil {
		begin, end := ev, counterpart
		if ev.Kind == trip.KindEnd {
			begin, end = counterpart, ev
		}
		return m.complete(ctx, begin, end)
	}

	// Step 4: wait for the reciprocal notification.
	if ev.Kind == trip.KindEnd {
		if err := m.writeState(ctx, &trip.CorrelationState{
			TripID:   ev.TripID,
			Status:   trip.StatusOrphanedEnd,
			EndEvent: ev,
		}); err != nil {
			return OutcomeSkipped, err
		}
		if logger != nil {
			logger.Info("end arrived before begin, parked as orphan")
		}
		return OutcomeOrphaned, nil
	}

	if err := m.writeState(ctx, &trip.CorrelationState{
		TripID: ev.TripID,
		Status: trip.StatusPending,
	}); err != nil {
		return OutcomeSkipped, err
	}
	if logger != nil {
		logger.Info("counterpart not found, waiting")
	}
	return OutcomePending, nil
}

// completedExists checks the step-1 idempotency guard.
func (m *Matcher) completedExists(ctx context.Context, tripID string) (bool, error) {
	res := tmerrors.WithRetryContext(ctx, m.retry, func(ctx context.Context) (store.Item, error) {
		return m.store.Get(ctx, tripID, trip.CompletedKey(tripID))
	})
	if res.Err != nil {
		if errors.Is(res.Err, store.ErrNotFound) {
			return false, nil
		}
		return false, res.Err
	}
	return true, nil
}

// findCounterpart queries RAW records of the given kind. When duplicate
// deliveries left multiple rows, the one with the latest record key wins;
// that is a deliberate policy, not incidental store ordering.
func (m *Matcher) findCounterpart(ctx context.Context, tripID string, kind trip.Kind) (*trip.HalfEvent, error) {
	res := tmerrors.WithRetryContext(ctx, m.retry, func(ctx context.Context) ([]store.Item, error) {
		return m.store.Query(ctx, tripID, trip.RawKeyPrefix(tripID, kind))
	})
	if res.Err != nil {
		return nil, res.Err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}

	// Query results are ordered by sort key ascending; the timestamp
	// suffix makes the last element the newest.
	latest := res.Value[len(res.Value)-1]

	var ev trip.HalfEvent
	if err := json.Unmarshal(latest.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode counterpart %s: %w", latest.SortKey, err)
	}
	return &ev, nil
}

// complete merges a matched pair and writes the completed record followed
// by the terminal state. Ordering matters: completion truth lives in the
// completed record, so the state write must not happen if the completed
// write truly failed. A conditional-write rejection means a concurrent
// attempt won; that is success for the trip, and the winner owns the state
// write.
func (m *Matcher) complete(ctx context.Context, begin, end *trip.HalfEvent) (Outcome, error) {
	now := m.now().UTC()
	merged := trip.Merge(begin, end, now)

	data, err := json.Marshal(merged)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("encode completed trip %s: %w", merged.TripID, err)
	}

	res := tmerrors.WithRetryContext(ctx, m.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.store.ConditionalPut(ctx, store.Item{
			PartitionKey: merged.TripID,
			SortKey:      trip.CompletedKey(merged.TripID),
			Data:         data,
			ExpiresAt:    now.Add(m.completedRetention),
		})
	})
	if res.Err != nil {
		if errors.Is(res.Err, store.ErrConditionFailed) {
			return OutcomeAlreadyCompleted, nil
		}
		return OutcomeSkipped, res.Err
	}

	observability.LogTripCompleted(m.logger, merged.TripID)

	if err := m.writeState(ctx, &trip.CorrelationState{
		TripID:      merged.TripID,
		Status:      trip.StatusCompleted,
		BeginEvent:  begin,
		EndEvent:    end,
		CompletedBy: merged.MatchedBy,
	}); err != nil {
		// The trip is completed; the stale state row is repaired by any
		// later re-drive.
		return OutcomeCompleted, err
	}

	return OutcomeCompleted, nil
}

// writeState overwrites the trip's single state record.
func (m *Matcher) writeState(ctx context.Context, state *trip.CorrelationState) error {
	now := m.now().UTC()
	state.LastUpdated = now

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", state.TripID, err)
	}

	res := tmerrors.WithRetryContext(ctx, m.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.store.Put(ctx, store.Item{
			PartitionKey: state.TripID,
			SortKey:      trip.StateKey(state.TripID),
			Data:         data,
			ExpiresAt:    now.Add(m.stateRetention),
		})
	})
	return res.Err
}
