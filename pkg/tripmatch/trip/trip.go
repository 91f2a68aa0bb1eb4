// Package trip defines the data model for trip half-event correlation.
//
// A trip is observed as two independent half-events: a begin event emitted
// at pickup and an end event emitted at dropoff. The two halves arrive
// asynchronously, possibly out of order and possibly more than once, and
// are paired into a single CompletedTrip record keyed by trip ID.
//
// Three record families share one keyed-store partition per trip:
//   - RAW#<trip_id>#<kind>#<timestamp>  one row per observed half-event
//   - STATE#<trip_id>                   the single correlation state row
//   - COMPLETED#<trip_id>               the immutable merged trip
package trip

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies which half of a trip an event describes.
type Kind string

const (
	KindBegin Kind = "trip_begin"
	KindEnd   Kind = "trip_end"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	return k == KindBegin || k == KindEnd
}

// Counterpart returns the kind that completes a trip with k.
func (k Kind) Counterpart() Kind {
	if k == KindBegin {
		return KindEnd
	}
	return KindBegin
}

// Retention windows applied at write time. Expiry itself is enforced by the
// store, not by the correlation core.
const (
	RawRetention       = 7 * 24 * time.Hour
	StateRetention     = 30 * 24 * time.Hour
	CompletedRetention = 90 * 24 * time.Hour
)

// Attributes holds the kind-specific payload of a half-event. All fields are
// optional; a nil pointer means the field was absent or was dropped during
// normalization. Monetary and metric fields use exact decimals so binary
// float drift never reaches stored records.
type Attributes struct {
	PickupLocationID  *int             `json:"pickup_location_id,omitempty"`
	DropoffLocationID *int             `json:"dropoff_location_id,omitempty"`
	VendorID          *int             `json:"vendor_id,omitempty"`
	RateCode          *int             `json:"rate_code,omitempty"`
	PassengerCount    *int             `json:"passenger_count,omitempty"`
	TripDistance      *decimal.Decimal `json:"trip_distance,omitempty"`
	EstimatedFare     *decimal.Decimal `json:"estimated_fare_amount,omitempty"`
	FareAmount        *decimal.Decimal `json:"fare_amount,omitempty"`
	TipAmount         *decimal.Decimal `json:"tip_amount,omitempty"`
	PaymentType       string           `json:"payment_type,omitempty"`
	TripType          string           `json:"trip_type,omitempty"`

	// Datetime fields are canonical RFC 3339 strings when they parsed, or
	// the original text when they did not. Unparsable timestamps never
	// block ingestion.
	PickupDatetime           string `json:"pickup_datetime,omitempty"`
	DropoffDatetime          string `json:"dropoff_datetime,omitempty"`
	EstimatedDropoffDatetime string `json:"estimated_dropoff_datetime,omitempty"`
}

// HalfEvent is one observed occurrence for a trip, as persisted in a RAW
// record. HalfEvents are never mutated after ingestion.
type HalfEvent struct {
	TripID         string    `json:"trip_id"`
	Kind           Kind      `json:"event_type"`
	ObservedAt     time.Time `json:"observed_at"`
	ProcessingDate string    `json:"processing_date"`

	Attributes
}

// Status tracks a trip's matching progress.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusOrphanedEnd Status = "ORPHANED_END"
	StatusCompleted   Status = "COMPLETED"
)

// CorrelationState is the single authoritative state row per trip. It is
// overwritten in place as matching progresses; StatusCompleted is terminal.
// For an end event that arrives before its begin, the end payload is carried
// inline so a later begin can complete the trip from the state row alone.
type CorrelationState struct {
	TripID      string     `json:"trip_id"`
	Status      Status     `json:"status"`
	BeginEvent  *HalfEvent `json:"begin_event,omitempty"`
	EndEvent    *HalfEvent `json:"end_event,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
	CompletedBy string     `json:"completed_by,omitempty"`
}

// CompletedTrip is the merged record derived from a matched begin/end pair.
// At most one exists per trip and it is immutable once written.
type CompletedTrip struct {
	TripID string `json:"trip_id"`
	Status string `json:"status"`

	Attributes

	// Derived fields. Duration is only present when both timestamps
	// parsed; variance only when both fares were present.
	DurationSeconds     *int64           `json:"trip_duration_seconds,omitempty"`
	FareVariance        *decimal.Decimal `json:"fare_variance,omitempty"`
	CompletionTimestamp time.Time        `json:"completion_timestamp"`
	ProcessingDate      string           `json:"processing_date"`
	MatchedBy           string           `json:"matched_by"`
}

// Sort-key prefixes within a trip's partition.
const (
	RawPrefix       = "RAW#"
	StatePrefix     = "STATE#"
	CompletedPrefix = "COMPLETED#"
)

// rawKeyTimeLayout is fixed width so the lexicographic order of RAW keys
// equals chronological order. RFC3339Nano trims trailing fractional zeros,
// which makes a whole-second timestamp sort after a later fractional one.
const rawKeyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RawKey builds the sort key for a RAW record. The observed timestamp keeps
// duplicate deliveries of the same kind as distinct rows.
func RawKey(tripID string, kind Kind, observedAt time.Time) string {
	return fmt.Sprintf("%s%s#%s#%s", RawPrefix, tripID, kind, observedAt.UTC().Format(rawKeyTimeLayout))
}

// RawKeyPrefix builds the query prefix matching every RAW record of one kind.
func RawKeyPrefix(tripID string, kind Kind) string {
	return fmt.Sprintf("%s%s#%s#", RawPrefix, tripID, kind)
}

// StateKey builds the sort key for a trip's correlation state record.
func StateKey(tripID string) string {
	return StatePrefix + tripID
}

// CompletedKey builds the sort key for a trip's completed record.
func CompletedKey(tripID string) string {
	return CompletedPrefix + tripID
}

// ParseRawKey extracts the event kind from a RAW sort key.
// Returns false for malformed keys.
func ParseRawKey(sortKey string) (Kind, bool) {
	if !strings.HasPrefix(sortKey, RawPrefix) {
		return "", false
	}
	parts := strings.Split(sortKey, "#")
	// RAW#<trip_id>#<kind>#<timestamp>
	if len(parts) < 4 {
		return "", false
	}
	kind := Kind(parts[2])
	if !kind.Valid() {
		return "", false
	}
	return kind, true
}

// timestampLayouts are the accepted inbound datetime formats, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses one of the accepted datetime formats. Layouts
// without a zone are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ProcessingDate formats t as the date-partition attribute stored on RAW and
// COMPLETED records and used by the reporting consumer's filter.
func ProcessingDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Merge combines a matched begin/end pair into a CompletedTrip. Begin
// contributes the pickup-side attributes, end the dropoff-side ones; the
// derived duration and fare variance are computed only when their inputs are
// present and parseable.
func Merge(begin, end *HalfEvent, now time.Time) *CompletedTrip {
	ct := &CompletedTrip{
		TripID: begin.TripID,
		Status: "completed",
		Attributes: Attributes{
			PickupLocationID:  begin.PickupLocationID,
			DropoffLocationID: begin.DropoffLocationID,
			VendorID:          begin.VendorID,
			EstimatedFare:     begin.EstimatedFare,

			PickupDatetime:           begin.PickupDatetime,
			EstimatedDropoffDatetime: begin.EstimatedDropoffDatetime,

			DropoffDatetime: end.DropoffDatetime,
			RateCode:        end.RateCode,
			PassengerCount:  end.PassengerCount,
			TripDistance:    end.TripDistance,
			FareAmount:      end.FareAmount,
			TipAmount:       end.TipAmount,
			PaymentType:     end.PaymentType,
			TripType:        end.TripType,
		},
		CompletionTimestamp: now.UTC(),
		ProcessingDate:      ProcessingDate(now),
		MatchedBy:           "stream_matcher",
	}

	if pickup, err := ParseTimestamp(begin.PickupDatetime); err == nil {
		if dropoff, err := ParseTimestamp(end.DropoffDatetime); err == nil {
			secs := int64(dropoff.Sub(pickup) / time.Second)
			ct.DurationSeconds = &secs
		}
	}

	if begin.EstimatedFare != nil && end.FareAmount != nil {
		variance := end.FareAmount.Sub(*begin.EstimatedFare)
		ct.FareVariance = &variance
	}

	return ct
}
