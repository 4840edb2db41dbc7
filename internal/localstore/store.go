// Package localstore provides the per-profile key/value store used for
// fingerprint bookkeeping and last-seen-coordinate tracking. It is the
// process-local analog of browser storage: read-modify-write with no
// transactional guarantee across a Get and the following Put.
package localstore

import "sync"

// Store is a string key/value store. Implementations must be safe for
// concurrent use from multiple goroutines.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	// Put stores value under key, overwriting any existing value.
	Put(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// MemoryStore implements Store with an in-process map. Used in tests and as
// a fallback when no storage path is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
