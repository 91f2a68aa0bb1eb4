// Package store defines the keyed-store boundary used to persist raw,
// state, and completed trip records.
//
// The interface mirrors a partitioned item store: composite (partition key,
// sort key) identity, ordered prefix queries within a partition, per-item
// expiry, and a conditional put that only succeeds when the key does not yet
// exist. All entity-scoped mutations are single-key operations; there are no
// multi-key transactions.
package store

import (
	"context"
	"errors"
	"time"

	tmerrors "github.com/fleetmetrics/tripmatch/pkg/tripmatch/errors"
)

// MaxBatchSize is the largest batch BatchPut accepts.
const MaxBatchSize = 25

// Item is one stored record. Data is an opaque JSON document; the store
// never interprets it.
type Item struct {
	PartitionKey string
	SortKey      string
	Data         []byte

	// ExpiresAt is when the store may delete the item. Zero means the
	// item never expires. Expiry is background deletion, not a read-time
	// guarantee.
	ExpiresAt time.Time
}

// Store persists trip records. Implementations must be safe for concurrent
// use; correlation relies on ConditionalPut being atomic per key.
type Store interface {
	// Get retrieves an item by full key.
	// Returns ErrNotFound if the item doesn't exist.
	Get(ctx context.Context, partitionKey, sortKey string) (Item, error)

	// Query returns all items in a partition whose sort key starts with
	// prefix, ordered by sort key ascending. Returns an empty slice (not
	// an error) when nothing matches.
	Query(ctx context.Context, partitionKey, sortKeyPrefix string) ([]Item, error)

	// Put stores an item, overwriting any existing item with the same key.
	Put(ctx context.Context, item Item) error

	// ConditionalPut stores an item only if no item exists for its key.
	// Returns ErrConditionFailed otherwise.
	ConditionalPut(ctx context.Context, item Item) error

	// BatchPut stores up to MaxBatchSize items. Returns ErrBatchTooLarge
	// for oversized batches. The batch is not atomic; callers fall back to
	// individual Puts on failure.
	BatchPut(ctx context.Context, items []Item) error

	// Close releases any resources (connections, files).
	Close() error
}

// Scanner is the optional cross-partition read capability used by the
// reporting consumer. Core correlation never scans.
type Scanner interface {
	// Scan returns every item whose sort key starts with prefix,
	// regardless of partition.
	Scan(ctx context.Context, sortKeyPrefix string) ([]Item, error)
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested item doesn't exist.
	ErrNotFound = errors.New("item not found")

	// ErrConditionFailed indicates a conditional put lost to an existing
	// item. Callers treat this as an idempotency signal, not a failure.
	ErrConditionFailed = errors.New("conditional put: item already exists")

	// ErrBatchTooLarge indicates a batch exceeded MaxBatchSize.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Retryable reports whether a store operation error is worth retrying.
// Sentinel outcomes are definitive answers rather than failures, context
// errors mean the caller is done, and an error already categorized
// permanent stays permanent. Everything else — driver I/O failures, lock
// contention, backend throttling — is presumed transient.
func Retryable(err error) bool {
	for _, sentinel := range []error{ErrNotFound, ErrConditionFailed, ErrBatchTooLarge, ErrStoreClosed} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var catErr *tmerrors.CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category != tmerrors.CategoryPermanent
	}
	return true
}
