// Package replay generates test traffic for the pipeline: it loads begin
// and end half-events from CSV exports, interleaves them in random order,
// and feeds them to a transport-shaped sink. Trips arriving end-first and
// halves split across batches fall out of the shuffle naturally, which is
// exactly the delivery pattern the correlator has to survive.
package replay

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/ingest"
	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
)

// Sink receives replayed transport records.
type Sink interface {
	Send(ctx context.Context, rec ingest.Record) error
}

// Stats summarizes one replay run.
type Stats struct {
	Sent   int
	Failed int
}

// LoadCSV reads half-event payloads from a CSV export with a header row.
// Every row is stamped with the given event kind and an ingest timestamp.
func LoadCSV(r io.Reader, kind trip.Kind) ([]map[string]any, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var events []map[string]any
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		event := make(map[string]any, len(header)+2)
		for i, col := range header {
			if i < len(row) {
				event[col] = row[i]
			}
		}
		event["event_type"] = string(kind)
		event["ingest_timestamp"] = time.Now().UTC().Format(time.RFC3339)
		events = append(events, event)
	}
	return events, nil
}

// Producer replays events into a sink.
type Producer struct {
	// Sink receives the records. Required.
	Sink Sink

	// Logger reports progress. Nil disables logging.
	Logger *slog.Logger

	// Delay is an optional pause between records, simulating a live
	// stream.
	Delay time.Duration
}

// Replay shuffles the events and sends each as a JSON transport record
// partitioned by trip ID. Send failures are counted and skipped.
func (p *Producer) Replay(ctx context.Context, events []map[string]any) *Stats {
	shuffled := make([]map[string]any, len(events))
	copy(shuffled, events)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	stats := &Stats{}
	for _, event := range shuffled {
		if ctx.Err() != nil {
			return stats
		}

		tripID, _ := event["trip_id"].(string)
		data, err := json.Marshal(event)
		if err != nil {
			stats.Failed++
			continue
		}

		if err := p.Sink.Send(ctx, ingest.Record{PartitionKey: tripID, Data: data}); err != nil {
			stats.Failed++
			if p.Logger != nil {
				p.Logger.Error("replay send failed",
					slog.String("trip_id", tripID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		stats.Sent++

		if p.Delay > 0 {
			time.Sleep(p.Delay)
		}
	}

	if p.Logger != nil {
		p.Logger.Info("replay complete",
			slog.Int("sent", stats.Sent),
			slog.Int("failed", stats.Failed),
		)
	}
	return stats
}
