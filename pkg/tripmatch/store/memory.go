package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for testing and single-process use.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]Item // partitionKey -> sortKey -> item
	closed bool
}

// Compile-time interface checks.
var (
	_ Store   = (*MemoryStore)(nil)
	_ Scanner = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]Item),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, partitionKey, sortKey string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Item{}, ErrStoreClosed
	}

	part, ok := m.data[partitionKey]
	if !ok {
		return Item{}, ErrNotFound
	}
	item, ok := part[sortKey]
	if !ok {
		return Item{}, ErrNotFound
	}
	return copyItem(item), nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, partitionKey, sortKeyPrefix string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	part := m.data[partitionKey]
	items := make([]Item, 0, len(part))
	for sk, item := range part {
		if hasPrefix(sk, sortKeyPrefix) {
			items = append(items, copyItem(item))
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].SortKey < items[j].SortKey
	})
	return items, nil
}

// Scan implements Scanner.
func (m *MemoryStore) Scan(_ context.Context, sortKeyPrefix string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var items []Item
	for _, part := range m.data {
		for sk, item := range part {
			if hasPrefix(sk, sortKeyPrefix) {
				items = append(items, copyItem(item))
			}
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].PartitionKey != items[j].PartitionKey {
			return items[i].PartitionKey < items[j].PartitionKey
		}
		return items[i].SortKey < items[j].SortKey
	})
	return items, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.putLocked(item)
	return nil
}

// ConditionalPut implements Store.
func (m *MemoryStore) ConditionalPut(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if part, ok := m.data[item.PartitionKey]; ok {
		if _, exists := part[item.SortKey]; exists {
			return ErrConditionFailed
		}
	}

	m.putLocked(item)
	return nil
}

// BatchPut implements Store.
func (m *MemoryStore) BatchPut(_ context.Context, items []Item) error {
	if len(items) > MaxBatchSize {
		return ErrBatchTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	for _, item := range items {
		m.putLocked(item)
	}
	return nil
}

// putLocked stores an item (must hold write lock).
func (m *MemoryStore) putLocked(item Item) {
	if m.data[item.PartitionKey] == nil {
		m.data[item.PartitionKey] = make(map[string]Item)
	}
	m.data[item.PartitionKey][item.SortKey] = copyItem(item)
}

// PurgeExpired deletes every item whose expiry is at or before now and
// returns the number deleted. Stands in for store-side TTL deletion.
func (m *MemoryStore) PurgeExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for pk, part := range m.data {
		for sk, item := range part {
			if !item.ExpiresAt.IsZero() && !item.ExpiresAt.After(now) {
				delete(part, sk)
				purged++
			}
		}
		if len(part) == 0 {
			delete(m.data, pk)
		}
	}
	return purged
}

// Len returns the total number of stored items. Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, part := range m.data {
		count += len(part)
	}
	return count
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

func copyItem(item Item) Item {
	data := make([]byte, len(item.Data))
	copy(data, item.Data)
	item.Data = data
	return item
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
