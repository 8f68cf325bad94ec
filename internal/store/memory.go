package store

import (
	"slices"
	"strings"
	"sync"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Subscribers receive updates via buffered channels. Updates are sent
// non-blocking; if a subscriber's buffer is full, the update is dropped for
// that subscriber so a slow reader never stalls a backend transition.
type MemoryStore struct {
	mu          sync.RWMutex
	statuses    map[string]InstanceStatus
	subscribers map[chan InstanceStatus]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory [Store] implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses:    make(map[string]InstanceStatus),
		subscribers: make(map[chan InstanceStatus]struct{}),
	}
}

// Update stores a status and notifies all subscribers.
func (m *MemoryStore) Update(status InstanceStatus) {
	m.mu.Lock()
	m.statuses[status.Name] = status
	m.mu.Unlock()

	m.notifySubscribers(status)
}

// Get returns the status stored under name.
func (m *MemoryStore) Get(name string) (InstanceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[name]
	return status, ok
}

// GetAll returns a snapshot of all stored statuses, sorted by name.
func (m *MemoryStore) GetAll() []InstanceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]InstanceStatus, 0, len(m.statuses))
	for _, status := range m.statuses {
		results = append(results, status)
	}
	slices.SortFunc(results, func(a, b InstanceStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	return results
}

// Remove deletes the status stored under name.
func (m *MemoryStore) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// Subscribe creates a new subscription and returns a channel for receiving updates.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan InstanceStatus {
	ch := make(chan InstanceStatus, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan InstanceStatus) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends the status to all active subscribers without blocking.
func (m *MemoryStore) notifySubscribers(status InstanceStatus) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- status:
		default:
			// subscriber is slow, drop the message
		}
	}
}
