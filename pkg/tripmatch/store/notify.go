package store

import (
	"context"
	"sync"
)

// ChangeListener is invoked after an item is successfully written. It stands
// in for the change stream of a managed item store: downstream consumers
// (the correlator) react to newly persisted records rather than being called
// by the writer directly.
type ChangeListener func(ctx context.Context, item Item)

// NotifyingStore decorates a Store and invokes registered listeners after
// each successful write. Listeners run synchronously in write order within a
// partition, matching the per-partition ordering the transport provides;
// they must tolerate duplicate notifications.
type NotifyingStore struct {
	Store

	mu        sync.RWMutex
	listeners []ChangeListener
}

// NewNotifyingStore wraps inner with change notification.
func NewNotifyingStore(inner Store) *NotifyingStore {
	return &NotifyingStore{Store: inner}
}

// Subscribe registers a listener for future writes.
func (n *NotifyingStore) Subscribe(fn ChangeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Put implements Store.
func (n *NotifyingStore) Put(ctx context.Context, item Item) error {
	if err := n.Store.Put(ctx, item); err != nil {
		return err
	}
	n.notify(ctx, item)
	return nil
}

// ConditionalPut implements Store. A rejected conditional put wrote nothing,
// so no notification is emitted.
func (n *NotifyingStore) ConditionalPut(ctx context.Context, item Item) error {
	if err := n.Store.ConditionalPut(ctx, item); err != nil {
		return err
	}
	n.notify(ctx, item)
	return nil
}

// BatchPut implements Store.
func (n *NotifyingStore) BatchPut(ctx context.Context, items []Item) error {
	if err := n.Store.BatchPut(ctx, items); err != nil {
		return err
	}
	for _, item := range items {
		n.notify(ctx, item)
	}
	return nil
}

func (n *NotifyingStore) notify(ctx context.Context, item Item) {
	n.mu.RLock()
	listeners := n.listeners
	n.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, item)
	}
}
