package correlate_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmerrors "github.com/fleetmetrics/tripmatch/pkg/tripmatch/errors"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/correlate"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/store"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
)

var fixedNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newMatcher(t *testing.T, s store.Store) *correlate.Matcher {
	t.Helper()
	m, err := correlate.NewMatcher(correlate.Config{
		Store: s,
		Retry: tmerrors.NoRetry,
		Now:   func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return m
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func beginEvent(tripID string, observedAt time.Time) *trip.HalfEvent {
	return &trip.HalfEvent{
		TripID:     tripID,
		Kind:       trip.KindBegin,
		ObservedAt: observedAt,
		Attributes: trip.Attributes{
			EstimatedFare:  dec("18.50"),
			PickupDatetime: "2026-01-15T08:00:00Z",
		},
	}
}

func endEvent(tripID string, observedAt time.Time) *trip.HalfEvent {
	return &trip.HalfEvent{
		TripID:     tripID,
		Kind:       trip.KindEnd,
		ObservedAt: observedAt,
		Attributes: trip.Attributes{
			FareAmount:      dec("21.00"),
			DropoffDatetime: "2026-01-15T08:20:00Z",
		},
	}
}

// putRaw persists a half-event the way ingestion does and returns the item.
func putRaw(t *testing.T, s store.Store, ev *trip.HalfEvent) store.Item {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	item := store.Item{
		PartitionKey: ev.TripID,
		SortKey:      trip.RawKey(ev.TripID, ev.Kind, ev.ObservedAt),
		Data:         data,
	}
	require.NoError(t, s.Put(context.Background(), item))
	return item
}

func getCompleted(t *testing.T, s store.Store, tripID string) *trip.CompletedTrip {
	t.Helper()
	item, err := s.Get(context.Background(), tripID, trip.CompletedKey(tripID))
	require.NoError(t, err)
	var ct trip.CompletedTrip
	require.NoError(t, json.Unmarshal(item.Data, &ct))
	return &ct
}

func getState(t *testing.T, s store.Store, tripID string) *trip.CorrelationState {
	t.Helper()
	item, err := s.Get(context.Background(), tripID, trip.StateKey(tripID))
	require.NoError(t, err)
	var state trip.CorrelationState
	require.NoError(t, json.Unmarshal(item.Data, &state))
	return &state
}

func TestMatchBeginFirst(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	begin := beginEvent("trip-001", fixedNow)
	putRaw(t, mem, begin)

	outcome, err := m.Match(ctx, begin)
	require.NoError(t, err)
	assert.Equal(t, correlate.OutcomePending, outcome)

	state := getState(t, mem, "trip-001")
	assert.Equal(t, trip.StatusPending, state.Status)
	assert.Nil(t, state.EndEvent)

	// The end arrives and completes the pair.
	end := endEvent("trip-001", fixedNow.Add(time.Minute))
	putRaw(t, mem, end)

	outcome, err = m.Match(ctx, end)
	require.NoError(t, err)
	assert.Equal(t, correlate.OutcomeCompleted, outcome)

	ct := getCompleted(t, mem, "trip-001")
	assert.Equal(t, "trip-001", ct.TripID)
	require.NotNil(t, ct.DurationSeconds)
	assert.Equal(t, int64(1200), *ct.DurationSeconds)
	require.NotNil(t, ct.FareVariance)
	assert.True(t, ct.FareVariance.Equal(decimal.RequireFromString("2.50")))

	state = getState(t, mem, "trip-001")
	assert.Equal(t, trip.StatusCompleted, state.Status)
	assert.Equal(t, "stream_matcher", state.CompletedBy)
}

func TestMatchEndFirst(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	end := endEvent("trip-001", fixedNow)
	putRaw(t, mem, end)

	outcome, err := m.Match(ctx, end)
	require.NoError(t, err)
	assert.Equal(t, correlate.OutcomeOrphaned, outcome)

	// The orphan parks the end payload inline.
	state := getState(t, mem, "trip-001")
	assert.Equal(t, trip.StatusOrphanedEnd, state.Status)
	require.NotNil(t, state.EndEvent)
	assert.True(t, state.EndEvent.FareAmount.Equal(decimal.RequireFromString("21.00")))

	begin := beginEvent("trip-001", fixedNow.Add(time.Minute))
	putRaw(t, mem, begin)

	outcome, err = m.Match(ctx, begin)
	require.NoError(t, err)
	assert.Equal(t, correlate.OutcomeCompleted, outcome)

	ct := getCompleted(t, mem, "trip-001")
	require.NotNil(t, ct.DurationSeconds)
	assert.Equal(t, int64(1200), *ct.DurationSeconds)
}

func TestMatchDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	begin := beginEvent("trip-001", fixedNow)
	end := endEvent("trip-001", fixedNow.Add(time.Minute))
	putRaw(t, mem, begin)
	putRaw(t, mem, end)

	outcome, err := m.Match(ctx, end)
	require.NoError(t, err)
	require.Equal(t, correlate.OutcomeCompleted, outcome)
	first := getCompleted(t, mem, "trip-001")

	// Redelivery of either half is a no-op.
	for _, ev := range []*trip.HalfEvent{begin, end} {
		outcome, err := m.Match(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, correlate.OutcomeAlreadyCompleted, outcome)
	}

	again := getCompleted(t, mem, "trip-001")
	assert.Equal(t, first.CompletionTimestamp, again.CompletionTimestamp)
}

func TestMatchLatestDuplicateWins(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	// Two begin deliveries with different estimates; the later row must
	// feed the merge.
	early := beginEvent("trip-001", fixedNow)
	early.EstimatedFare = dec("10.00")
	late := beginEvent("trip-001", fixedNow.Add(2*time.Minute))
	late.EstimatedFare = dec("15.00")
	putRaw(t, mem, early)
	putRaw(t, mem, late)

	end := endEvent("trip-001", fixedNow.Add(3*time.Minute))
	putRaw(t, mem, end)

	outcome, err := m.Match(ctx, end)
	require.NoError(t, err)
	require.Equal(t, correlate.OutcomeCompleted, outcome)

	ct := getCompleted(t, mem, "trip-001")
	require.NotNil(t, ct.EstimatedFare)
	assert.True(t, ct.EstimatedFare.Equal(decimal.RequireFromString("15.00")))
	// Variance follows the winning estimate: 21.00 - 15.00.
	require.NotNil(t, ct.FareVariance)
	assert.True(t, ct.FareVariance.Equal(decimal.RequireFromString("6.00")))
}

func TestMatchLatestDuplicateWinsSubSecond(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	// A whole-second delivery followed by a fractional one in the same
	// second; the later (fractional) row must win the tie-break.
	early := beginEvent("trip-001", fixedNow)
	early.EstimatedFare = dec("10.00")
	late := beginEvent("trip-001", fixedNow.Add(500*time.Millisecond))
	late.EstimatedFare = dec("15.00")
	putRaw(t, mem, early)
	putRaw(t, mem, late)

	end := endEvent("trip-001", fixedNow.Add(time.Minute))
	putRaw(t, mem, end)

	outcome, err := m.Match(ctx, end)
	require.NoError(t, err)
	require.Equal(t, correlate.OutcomeCompleted, outcome)

	ct := getCompleted(t, mem, "trip-001")
	require.NotNil(t, ct.EstimatedFare)
	assert.True(t, ct.EstimatedFare.Equal(decimal.RequireFromString("15.00")))
}

// flakyGetStore fails the first N reads with a bare driver-style error.
type flakyGetStore struct {
	store.Store
	mu       sync.Mutex
	gets     int
	failures int
}

func (s *flakyGetStore) Get(ctx context.Context, partitionKey, sortKey string) (store.Item, error) {
	s.mu.Lock()
	s.gets++
	failing := s.gets <= s.failures
	s.mu.Unlock()

	if failing {
		return store.Item{}, errors.New("database is locked")
	}
	return s.Store.Get(ctx, partitionKey, sortKey)
}

func TestMatchConcurrentRace(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	begin := beginEvent("trip-001", fixedNow)
	end := endEvent("trip-001", fixedNow.Add(time.Minute))
	putRaw(t, mem, begin)
	putRaw(t, mem, end)

	const attempts = 8
	outcomes := make([]correlate.Outcome, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := begin
			if i%2 == 0 {
				ev = end
			}
			outcomes[i], errs[i] = m.Match(ctx, ev)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "attempt %d", i)
	}

	completed := 0
	for _, o := range outcomes {
		switch o {
		case correlate.OutcomeCompleted:
			completed++
		case correlate.OutcomeAlreadyCompleted:
		default:
			t.Fatalf("unexpected outcome %q", o)
		}
	}
	assert.Equal(t, 1, completed, "exactly one attempt may complete the trip")

	items, err := mem.Query(ctx, "trip-001", trip.CompletedPrefix)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestHandleChangeSkipsNonActionableRecords(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	for _, it := range []store.Item{
		{PartitionKey: "trip-001", SortKey: trip.CompletedKey("trip-001"), Data: []byte("{}")},
		{PartitionKey: "trip-001", SortKey: "RAW#malformed", Data: []byte("{}")},
		{PartitionKey: "trip-001", SortKey: "OTHER#thing", Data: []byte("{}")},
	} {
		outcome, err := m.HandleChange(ctx, it)
		require.NoError(t, err)
		assert.Equal(t, correlate.OutcomeSkipped, outcome, "sort key %s", it.SortKey)
	}
}

func TestHandleStateChangeCompletesOrphan(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	// A begin RAW row exists, and an orphaned-end state carrying the end
	// payload lands (written by an invocation that never saw the begin).
	begin := beginEvent("trip-001", fixedNow)
	putRaw(t, mem, begin)

	state := &trip.CorrelationState{
		TripID:   "trip-001",
		Status:   trip.StatusOrphanedEnd,
		EndEvent: endEvent("trip-001", fixedNow.Add(time.Minute)),
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	item := store.Item{PartitionKey: "trip-001", SortKey: trip.StateKey("trip-001"), Data: data}
	require.NoError(t, mem.Put(ctx, item))

	outcome, err := m.HandleChange(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, correlate.OutcomeCompleted, outcome)

	ct := getCompleted(t, mem, "trip-001")
	require.NotNil(t, ct.DurationSeconds)
	assert.Equal(t, int64(1200), *ct.DurationSeconds)
}

func TestHandleStateChangeStillWaiting(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	state := &trip.CorrelationState{
		TripID:   "trip-001",
		Status:   trip.StatusOrphanedEnd,
		EndEvent: endEvent("trip-001", fixedNow),
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	item := store.Item{PartitionKey: "trip-001", SortKey: trip.StateKey("trip-001"), Data: data}

	outcome, err := m.HandleChange(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, correlate.OutcomeOrphaned, outcome)
}

func TestHandleStateChangeIgnoresPendingAndCompleted(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	for _, status := range []trip.Status{trip.StatusPending, trip.StatusCompleted} {
		state := &trip.CorrelationState{TripID: "trip-001", Status: status}
		data, err := json.Marshal(state)
		require.NoError(t, err)

		outcome, err := m.HandleChange(ctx, store.Item{
			PartitionKey: "trip-001",
			SortKey:      trip.StateKey("trip-001"),
			Data:         data,
		})
		require.NoError(t, err)
		assert.Equal(t, correlate.OutcomeSkipped, outcome, "status %s", status)
	}
}

func TestMatchAppliesRetention(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()

	m, err := correlate.NewMatcher(correlate.Config{
		Store:              mem,
		Retry:              tmerrors.NoRetry,
		StateRetention:     24 * time.Hour,
		CompletedRetention: 72 * time.Hour,
		Now:                func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	begin := beginEvent("trip-001", fixedNow)
	end := endEvent("trip-001", fixedNow.Add(time.Minute))
	putRaw(t, mem, begin)
	putRaw(t, mem, end)

	_, err = m.Match(ctx, end)
	require.NoError(t, err)

	completed, err := mem.Get(ctx, "trip-001", trip.CompletedKey("trip-001"))
	require.NoError(t, err)
	assert.True(t, completed.ExpiresAt.Equal(fixedNow.Add(72*time.Hour)))

	state, err := mem.Get(ctx, "trip-001", trip.StateKey("trip-001"))
	require.NoError(t, err)
	assert.True(t, state.ExpiresAt.Equal(fixedNow.Add(24*time.Hour)))
}

func TestListenerDrivesMatchingThroughNotifications(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	notifying := store.NewNotifyingStore(mem)
	m := newMatcher(t, notifying)
	notifying.Subscribe(m.Listener())

	// End arrives first, then the begin; the notification chain alone
	// must complete the trip.
	for _, ev := range []*trip.HalfEvent{
		endEvent("trip-001", fixedNow),
		beginEvent("trip-001", fixedNow.Add(time.Minute)),
	} {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, notifying.Put(ctx, store.Item{
			PartitionKey: ev.TripID,
			SortKey:      trip.RawKey(ev.TripID, ev.Kind, ev.ObservedAt),
			Data:         data,
		}))
	}

	ct := getCompleted(t, mem, "trip-001")
	assert.Equal(t, "trip-001", ct.TripID)

	state := getState(t, mem, "trip-001")
	assert.Equal(t, trip.StatusCompleted, state.Status)
}

func TestMatchRetriesTransientStoreFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	flaky := &flakyGetStore{Store: mem, failures: 2}

	m, err := correlate.NewMatcher(correlate.Config{
		Store: flaky,
		Retry: tmerrors.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2.0,
		},
		Now: func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	begin := beginEvent("trip-001", fixedNow)
	end := endEvent("trip-001", fixedNow.Add(time.Minute))
	putRaw(t, mem, begin)
	putRaw(t, mem, end)

	outcome, err := m.Match(ctx, end)
	require.NoError(t, err)
	assert.Equal(t, correlate.OutcomeCompleted, outcome)

	// Two throttled reads, then the successful one.
	assert.Equal(t, 3, flaky.gets)
	getCompleted(t, mem, "trip-001")
}

func TestMatchSurfacesExhaustedStoreFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	flaky := &flakyGetStore{Store: mem, failures: 10}

	m, err := correlate.NewMatcher(correlate.Config{
		Store: flaky,
		Retry: tmerrors.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2.0,
		},
		Now: func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	end := endEvent("trip-001", fixedNow)
	putRaw(t, mem, end)

	_, err = m.Match(ctx, end)
	require.Error(t, err)
	assert.Equal(t, 3, flaky.gets, "a transient failure gets the full attempt budget")
}

func TestHandleBatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	defer mem.Close()
	m := newMatcher(t, mem)

	begin := beginEvent("trip-001", fixedNow)
	end := endEvent("trip-001", fixedNow.Add(time.Minute))
	beginItem := putRaw(t, mem, begin)
	endItem := putRaw(t, mem, end)

	summary := m.HandleBatch(ctx, []store.Item{beginItem, endItem})

	assert.Equal(t, 2, summary.Processed)
	assert.Zero(t, summary.Errors)
	assert.Equal(t, 1, summary.Matched)
}
