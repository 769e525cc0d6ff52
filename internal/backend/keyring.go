package backend

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

// keyringIndex is the account that holds the JSON list of stored keys.
// OS keychains cannot enumerate entries for a service.
const keyringIndex = "__index__"

// KeyringStore keeps settings in the OS credential store. The application
// root is used as the keyring service name and each key as an account.
type KeyringStore struct {
	mu   sync.Mutex
	root string
}

// NewKeyringStore creates a keyring-backed store for root.
func NewKeyringStore(root string) (*KeyringStore, error) {
	if err := ValidateRoot(root); err != nil {
		return nil, err
	}
	return &KeyringStore{root: root}, nil
}

// Root returns the application root name.
func (s *KeyringStore) Root() string {
	return s.root
}

// Read returns the value stored under key.
func (s *KeyringStore) Read(key string) (string, bool) {
	if key == keyringIndex {
		return "", false
	}
	v, err := keyring.Get(s.root, key)
	if err != nil {
		return "", false
	}
	return v, true
}

// Write stores value under key and records key in the index.
func (s *KeyringStore) Write(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if key == keyringIndex {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Set(s.root, key, value); err != nil {
		return &OpError{Op: "write", Key: key, Err: err}
	}

	keys := s.index()
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	return s.saveIndex(append(keys, key))
}

// Delete removes key and drops it from the index.
func (s *KeyringStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Delete(s.root, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return &OpError{Op: "delete", Key: key, Err: err}
	}

	keys := s.index()
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	if len(out) == len(keys) {
		return nil
	}
	return s.saveIndex(out)
}

// Keys returns all indexed keys, sorted.
func (s *KeyringStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.index()
	sort.Strings(keys)
	return keys, nil
}

func (s *KeyringStore) index() []string {
	raw, err := keyring.Get(s.root, keyringIndex)
	if err != nil {
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil
	}
	return keys
}

func (s *KeyringStore) saveIndex(keys []string) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return &OpError{Op: "index", Key: keyringIndex, Err: err}
	}
	if err := keyring.Set(s.root, keyringIndex, string(data)); err != nil {
		return &OpError{Op: "index", Key: keyringIndex, Err: err}
	}
	return nil
}
