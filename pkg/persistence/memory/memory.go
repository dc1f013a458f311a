package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
)

// MemoryPersistence is an in-memory implementation of IKeyValueStore.
//
// All data is lost when the process exits; it plays the role of a
// per-process browser storage area.
// Thread-safe using sync.RWMutex for concurrent access.
type MemoryPersistence struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

var _ persistence.IKeyValueStore = (*MemoryPersistence)(nil)

// NewMemoryPersistence creates a new in-memory store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		data: make(map[string]string),
	}
}

// Get retrieves the value for key.
func (m *MemoryPersistence) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, fmt.Errorf("persistence layer is closed")
	}

	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *MemoryPersistence) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.data[key] = value
	return nil
}

// Delete removes key.
func (m *MemoryPersistence) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	delete(m.data, key)
	return nil
}

// Keys lists keys with the given prefix in ascending order.
func (m *MemoryPersistence) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck returns an error once the store is closed.
func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}
