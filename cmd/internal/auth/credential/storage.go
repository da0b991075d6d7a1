package credential

import (
	"bytes"
	"context"
	"sync"
)

// Storage is the durable key/value layer behind Store.
//
// Put must apply all entries atomically. Get omits keys that are not present.
// Delete of a missing key is not an error.
type Storage interface {
	Put(ctx context.Context, entries map[string][]byte) error
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// MemoryStorage is a process-local Storage for tests and ephemeral runs.
type MemoryStorage struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Put(_ context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	for k, v := range entries {
		m.data[k] = bytes.Clone(v)
	}
	return nil
}

func (m *MemoryStorage) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = bytes.Clone(v)
		}
	}
	return out, nil
}

func (m *MemoryStorage) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Close marks the storage closed. Data is kept so a test can reopen it with Reopen.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Reopen makes a closed MemoryStorage usable again, simulating a process restart.
func (m *MemoryStorage) Reopen() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}
