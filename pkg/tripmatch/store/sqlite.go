package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists trip records to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface checks.
var (
	_ Store   = (*SQLiteStore)(nil)
	_ Scanner = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store.
// The path should be a file path (e.g., "./trips.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a second pooled connection would also see
	// a different database entirely for ":memory:".
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			partition_key TEXT NOT NULL,
			sort_key TEXT NOT NULL,
			data BLOB NOT NULL,
			expires_at TEXT,
			PRIMARY KEY (partition_key, sort_key)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_items_sort_key
		ON items(sort_key)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, partitionKey, sortKey string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Item{}, ErrStoreClosed
	}

	var item Item
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT data, expires_at FROM items
		WHERE partition_key = ? AND sort_key = ?
	`, partitionKey, sortKey).Scan(&item.Data, &expires)

	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item: %w", err)
	}

	item.PartitionKey = partitionKey
	item.SortKey = sortKey
	item.ExpiresAt = parseExpiry(expires)
	return item, nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, partitionKey, sortKeyPrefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sort_key, data, expires_at FROM items
		WHERE partition_key = ? AND sort_key LIKE ? ESCAPE '\'
		ORDER BY sort_key
	`, partitionKey, likePrefix(sortKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item := Item{PartitionKey: partitionKey}
		var expires sql.NullString
		if err := rows.Scan(&item.SortKey, &item.Data, &expires); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.ExpiresAt = parseExpiry(expires)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return items, nil
}

// Scan implements Scanner.
func (s *SQLiteStore) Scan(ctx context.Context, sortKeyPrefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT partition_key, sort_key, data, expires_at FROM items
		WHERE sort_key LIKE ? ESCAPE '\'
		ORDER BY partition_key, sort_key
	`, likePrefix(sortKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("scan items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var expires sql.NullString
		if err := rows.Scan(&item.PartitionKey, &item.SortKey, &item.Data, &expires); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.ExpiresAt = parseExpiry(expires)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return items, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (partition_key, sort_key, data, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(partition_key, sort_key) DO UPDATE SET
			data = excluded.data,
			expires_at = excluded.expires_at
	`, item.PartitionKey, item.SortKey, item.Data, formatExpiry(item.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// ConditionalPut implements Store. The not-exists condition is enforced by
// the unique key: a conflicting insert affects zero rows.
func (s *SQLiteStore) ConditionalPut(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (partition_key, sort_key, data, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(partition_key, sort_key) DO NOTHING
	`, item.PartitionKey, item.SortKey, item.Data, formatExpiry(item.ExpiresAt))
	if err != nil {
		return fmt.Errorf("conditional put item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional put result: %w", err)
	}
	if affected == 0 {
		return ErrConditionFailed
	}
	return nil
}

// BatchPut implements Store.
func (s *SQLiteStore) BatchPut(ctx context.Context, items []Item) error {
	if len(items) > MaxBatchSize {
		return ErrBatchTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO items (partition_key, sort_key, data, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(partition_key, sort_key) DO UPDATE SET
				data = excluded.data,
				expires_at = excluded.expires_at
		`, item.PartitionKey, item.SortKey, item.Data, formatExpiry(item.ExpiresAt)); err != nil {
			return fmt.Errorf("batch put item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// PurgeExpired deletes every item whose expiry is at or before now and
// returns the number deleted.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM items
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func formatExpiry(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseExpiry(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v.String)
	return t
}

// likePrefix escapes LIKE metacharacters so a prefix matches literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
