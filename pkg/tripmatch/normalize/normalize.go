// Package normalize validates and canonicalizes raw half-event payloads.
//
// Normalization is deliberately forgiving: out-of-range values are dropped
// to absent with a warning, unparsable timestamps pass through unchanged,
// and missing optional fields only warn. The single hard failure is a
// payload without identity (trip_id and event_type) — such a record cannot
// be routed and goes to the dead-letter sink.
package normalize

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fleetmetrics/tripmatch/pkg/tripmatch/trip"
	"github.com/shopspring/decimal"
)

// Error is a hard normalization failure: the record has no usable identity.
type Error struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Field, e.Message)
}

// Warning records a non-fatal data-quality finding. The offending field is
// dropped or passed through; processing continues.
type Warning struct {
	Field   string
	Message string
}

// Result is a canonicalized half-event plus the warnings produced while
// cleaning it.
type Result struct {
	Event    trip.HalfEvent
	Warnings []Warning
}

// Bounds holds the per-field numeric ranges. Values outside a bound are
// dropped to absent, never stored.
type Bounds struct {
	FareMin, FareMax           decimal.Decimal
	PassengerMin, PassengerMax int
	LocationMin, LocationMax   int
}

// DefaultBounds are the production ranges for the trip attribute vocabulary.
var DefaultBounds = Bounds{
	FareMin:      decimal.Zero,
	FareMax:      decimal.NewFromInt(1000),
	PassengerMin: 0,
	PassengerMax: 8,
	LocationMin:  1,
	LocationMax:  300,
}

// Config configures a Normalizer.
type Config struct {
	// Bounds overrides DefaultBounds when non-zero.
	Bounds *Bounds

	// Logger receives warning-level findings. Nil disables logging.
	Logger *slog.Logger

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// Normalizer canonicalizes raw payloads into HalfEvents.
type Normalizer struct {
	bounds Bounds
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	bounds := DefaultBounds
	if cfg.Bounds != nil {
		bounds = *cfg.Bounds
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		bounds: bounds,
		logger: cfg.Logger,
		now:    now,
	}
}

// nullSentinels are the strings that mean "absent". Compared after trimming
// and lowercasing.
var nullSentinels = map[string]bool{
	"":     true,
	"null": true,
	"n/a":  true,
}

// Normalize canonicalizes one decoded payload. It returns *Error only when
// identity is missing or unusable; every other defect is a Warning.
func (n *Normalizer) Normalize(payload map[string]any) (*Result, error) {
	tripID, ok := stringValue(payload["trip_id"])
	if !ok || tripID == "" {
		return nil, &Error{Field: "trip_id", Message: "missing or empty"}
	}

	rawKind, ok := stringValue(payload["event_type"])
	if !ok || rawKind == "" {
		return nil, &Error{Field: "event_type", Message: "missing or empty"}
	}
	kind, ok := parseKind(rawKind)
	if !ok {
		return nil, &Error{Field: "event_type", Message: fmt.Sprintf("unknown kind %q", rawKind)}
	}

	now := n.now().UTC()
	res := &Result{
		Event: trip.HalfEvent{
			TripID:         tripID,
			Kind:           kind,
			ObservedAt:     now,
			ProcessingDate: trip.ProcessingDate(now),
		},
	}

	attrs := &res.Event.Attributes
	attrs.PickupLocationID = n.intInRange(res, payload, "pickup_location_id", n.bounds.LocationMin, n.bounds.LocationMax)
	attrs.DropoffLocationID = n.intInRange(res, payload, "dropoff_location_id", n.bounds.LocationMin, n.bounds.LocationMax)
	attrs.VendorID = n.vendorID(res, payload)
	attrs.RateCode = n.intField(res, payload, "rate_code")
	attrs.PassengerCount = n.intInRange(res, payload, "passenger_count", n.bounds.PassengerMin, n.bounds.PassengerMax)

	attrs.EstimatedFare = n.decimalInRange(res, payload, "estimated_fare_amount", n.bounds.FareMin, n.bounds.FareMax)
	attrs.FareAmount = n.decimalInRange(res, payload, "fare_amount", n.bounds.FareMin, n.bounds.FareMax)
	attrs.TipAmount = n.decimalInRange(res, payload, "tip_amount", n.bounds.FareMin, n.bounds.FareMax)
	attrs.TripDistance = n.nonNegativeDecimal(res, payload, "trip_distance")

	attrs.PaymentType = n.stringField(payload, "payment_type")
	attrs.TripType = n.stringField(payload, "trip_type")

	attrs.PickupDatetime = n.datetimeField(res, payload, "pickup_datetime")
	attrs.DropoffDatetime = n.datetimeField(res, payload, "dropoff_datetime")
	attrs.EstimatedDropoffDatetime = n.datetimeField(res, payload, "estimated_dropoff_datetime")

	n.checkRequired(res, payload)
	return res, nil
}

// parseKind maps inbound event types to canonical kinds. "trip_start" is
// accepted as a legacy alias for trip_begin.
func parseKind(s string) (trip.Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(trip.KindBegin), "trip_start":
		return trip.KindBegin, true
	case string(trip.KindEnd):
		return trip.KindEnd, true
	default:
		return "", false
	}
}

// requiredByKind lists the attributes whose absence warrants a warning.
var requiredByKind = map[trip.Kind][]string{
	trip.KindBegin: {"pickup_location_id", "vendor_id", "pickup_datetime"},
	trip.KindEnd:   {"dropoff_datetime", "fare_amount"},
}

func (n *Normalizer) checkRequired(res *Result, payload map[string]any) {
	for _, field := range requiredByKind[res.Event.Kind] {
		if isAbsent(payload[field]) {
			n.warn(res, field, "required field missing")
		}
	}
}

func (n *Normalizer) warn(res *Result, field, message string) {
	res.Warnings = append(res.Warnings, Warning{Field: field, Message: message})
	if n.logger != nil {
		n.logger.Warn("normalization warning",
			slog.String("trip_id", res.Event.TripID),
			slog.String("field", field),
			slog.String("message", message),
		)
	}
}

func (n *Normalizer) stringField(payload map[string]any, field string) string {
	s, ok := stringValue(payload[field])
	if !ok {
		return ""
	}
	return s
}

func (n *Normalizer) intField(res *Result, payload map[string]any, field string) *int {
	v := payload[field]
	if isAbsent(v) {
		return nil
	}
	i, ok := intValue(v)
	if !ok {
		n.warn(res, field, fmt.Sprintf("not an integer: %v", v))
		return nil
	}
	return &i
}

func (n *Normalizer) intInRange(res *Result, payload map[string]any, field string, min, max int) *int {
	i := n.intField(res, payload, field)
	if i == nil {
		return nil
	}
	if *i < min || *i > max {
		n.warn(res, field, fmt.Sprintf("out of range [%d, %d]: %d", min, max, *i))
		return nil
	}
	return i
}

// vendorID validates against the fixed vendor set {1, 2}.
func (n *Normalizer) vendorID(res *Result, payload map[string]any) *int {
	i := n.intField(res, payload, "vendor_id")
	if i == nil {
		return nil
	}
	if *i != 1 && *i != 2 {
		n.warn(res, "vendor_id", fmt.Sprintf("unknown vendor: %d", *i))
		return nil
	}
	return i
}

func (n *Normalizer) decimalField(res *Result, payload map[string]any, field string) *decimal.Decimal {
	v := payload[field]
	if isAbsent(v) {
		return nil
	}
	d, ok := decimalValue(v)
	if !ok {
		n.warn(res, field, fmt.Sprintf("not a number: %v", v))
		return nil
	}
	return &d
}

func (n *Normalizer) decimalInRange(res *Result, payload map[string]any, field string, min, max decimal.Decimal) *decimal.Decimal {
	d := n.decimalField(res, payload, field)
	if d == nil {
		return nil
	}
	if d.LessThan(min) || d.GreaterThan(max) {
		n.warn(res, field, fmt.Sprintf("out of range [%s, %s]: %s", min, max, d))
		return nil
	}
	return d
}

func (n *Normalizer) nonNegativeDecimal(res *Result, payload map[string]any, field string) *decimal.Decimal {
	d := n.decimalField(res, payload, field)
	if d == nil {
		return nil
	}
	if d.IsNegative() {
		n.warn(res, field, fmt.Sprintf("negative: %s", d))
		return nil
	}
	return d
}

// datetimeField standardizes to RFC 3339. A value that does not parse is a
// warning and passes through unchanged; malformed timestamps must not block
// ingestion.
func (n *Normalizer) datetimeField(res *Result, payload map[string]any, field string) string {
	s, ok := stringValue(payload[field])
	if !ok || s == "" {
		return ""
	}
	t, err := trip.ParseTimestamp(s)
	if err != nil {
		n.warn(res, field, fmt.Sprintf("unparsable timestamp %q, passing through", s))
		return s
	}
	return t.Format(time.RFC3339)
}

// isAbsent reports whether a raw value resolves to absence: nil or a
// null-like sentinel string.
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return nullSentinels[strings.ToLower(strings.TrimSpace(s))]
	}
	return false
}

// stringValue cleans a raw value into a non-sentinel string.
// The second return is false when the value is absent or not stringlike.
func stringValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(val)
		if nullSentinels[strings.ToLower(s)] {
			return "", false
		}
		return s, true
	case float64:
		// JSON numbers used as identifiers
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	default:
		return "", false
	}
}

// intValue coerces a raw value to an int.
func intValue(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		if val == float64(int(val)) {
			return int(val), true
		}
		return 0, false
	case string:
		s := strings.TrimSpace(val)
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		// CSV exports often carry integers as "1.0"
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) {
			return int(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// decimalValue coerces a raw value to an exact decimal. Floats go through
// their shortest decimal representation so 9.99 stays 9.99.
func decimalValue(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}
