package persistence

// IKeyValueStore is the raw backend behind every scoped store.
// All implementations must be thread-safe; relay listeners, signer calls and
// the transport's reader goroutine touch storage concurrently.
//
// The interface supports:
// - Single key reads and writes (get, set, delete)
// - Prefix listing, used to clear one scope without touching others
// - Lifecycle management (close, health check)
type IKeyValueStore interface {
	// Get returns the value stored under key.
	// Returns ok=false if the key doesn't exist, error only on storage failure.
	Get(key string) (value string, ok bool, err error)

	// Set stores value under key, overwriting any existing value.
	Set(key, value string) error

	// Delete removes key.
	// Idempotent - returns nil if the key doesn't exist.
	Delete(key string) error

	// Keys returns every stored key starting with prefix, sorted ascending.
	// Returns empty slice if nothing matches, error only on storage failure.
	Keys(prefix string) ([]string, error)

	// Close cleanly shuts down the backend.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations return errors.
	Close() error

	// HealthCheck verifies the backend is operational.
	HealthCheck() error
}

// Storage is the scoped get/set/remove/clear view consumed by the session,
// key agreement and signer layers.
type Storage interface {
	// GetItem returns ok=false when the key is absent.
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	// Clear removes every key in this scope and nothing else.
	Clear() error
}
