package backend

import (
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	root   string
	values map[string]string

	// writeErr, when set, is returned by Write and Delete.
	writeErr error
	writes   int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(root string) *MemoryStore {
	return &MemoryStore{
		root:   root,
		values: make(map[string]string),
	}
}

// Read returns the value stored under key.
func (s *MemoryStore) Read(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Write stores value under key.
func (s *MemoryStore) Write(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return &OpError{Op: "write", Key: key, Err: s.writeErr}
	}
	s.values[key] = value
	s.writes++
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return &OpError{Op: "delete", Key: key, Err: s.writeErr}
	}
	delete(s.values, key)
	return nil
}

// Keys returns all stored keys, sorted.
func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Root returns the application root name.
func (s *MemoryStore) Root() string {
	return s.root
}

// FailWrites makes subsequent writes and deletes fail with err.
// Passing nil restores normal operation.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// WriteCount returns the number of successful writes since creation.
func (s *MemoryStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
