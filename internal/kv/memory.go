// ABOUTME: In-memory kv Store for tests and throwaway hubs
// ABOUTME: Mirrors SQLiteStore semantics including lazy TTL expiry

package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	// Now is the clock used for TTL decisions.
	Now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		Now:     time.Now,
	}
}

// Put stores a copy of value.
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = memoryEntry{value: v, expiresAt: expiry(m.Now(), ttl)}
	return nil
}

// Get returns a copy of the value for key.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if expired(e.expiresAt, m.Now()) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}

	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, nil
}

// Delete removes key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// List returns live keys with the prefix, sorted by name.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.Now()
	var keys []Key
	for name, e := range m.entries {
		if !strings.HasPrefix(name, prefix) || expired(e.expiresAt, now) {
			continue
		}
		keys = append(keys, Key{Name: name, ExpiresAt: e.expiresAt})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

// Sweep drops expired entries.
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	n := 0
	for name, e := range m.entries {
		if expired(e.expiresAt, now) {
			delete(m.entries, name)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
