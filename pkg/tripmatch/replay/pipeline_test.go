package replay_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/correlate"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/ingest"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/replay"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/store"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
)

const (
	beginWithEstimateCSV = `trip_id,vendor_id,pickup_datetime,pickup_location_id,estimated_fare_amount
trip-001,1,2026-01-15T08:00:00Z,142,18.50
`
	endWithFareCSV = `trip_id,dropoff_datetime,fare_amount
trip-001,2026-01-15T08:20:00Z,21.00
`
)

// Replays CSV halves through ingestion and change-driven matching, and
// checks the attribute vocabulary survives end to end: the estimate loaded
// from CSV must reach the completed trip's fare-variance derived field.
func TestReplayedCSVProducesDerivedFields(t *testing.T) {
	ctx := context.Background()

	mem := store.NewMemoryStore()
	defer mem.Close()
	notifying := store.NewNotifyingStore(mem)

	matcher, err := correlate.NewMatcher(correlate.Config{Store: notifying})
	require.NoError(t, err)
	notifying.Subscribe(matcher.Listener())

	processor, err := ingest.NewProcessor(ingest.Config{Store: notifying})
	require.NoError(t, err)

	begins, err := replay.LoadCSV(strings.NewReader(beginWithEstimateCSV), trip.KindBegin)
	require.NoError(t, err)
	ends, err := replay.LoadCSV(strings.NewReader(endWithFareCSV), trip.KindEnd)
	require.NoError(t, err)

	stream := replay.NewMemoryStream()
	producer := &replay.Producer{Sink: stream}
	stats := producer.Replay(ctx, append(begins, ends...))
	require.Equal(t, 2, stats.Sent)

	for _, batch := range stream.Batches(store.MaxBatchSize) {
		summary := processor.ProcessBatch(ctx, batch)
		require.Zero(t, summary.Errors)
	}

	item, err := mem.Get(ctx, "trip-001", trip.CompletedKey("trip-001"))
	require.NoError(t, err)

	var ct trip.CompletedTrip
	require.NoError(t, json.Unmarshal(item.Data, &ct))

	require.NotNil(t, ct.EstimatedFare)
	assert.True(t, ct.EstimatedFare.Equal(decimal.RequireFromString("18.50")))
	require.NotNil(t, ct.FareVariance)
	assert.True(t, ct.FareVariance.Equal(decimal.RequireFromString("2.50")))
	require.NotNil(t, ct.DurationSeconds)
	assert.Equal(t, int64(1200), *ct.DurationSeconds)
}
