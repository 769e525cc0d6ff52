package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// fileExt is appended to every key to form its file name.
const fileExt = ".json"

// FileStore keeps one file per key under <base>/<root>/.
// Writes go through a temp file and rename so readers never observe a
// partially written value.
type FileStore struct {
	mu   sync.Mutex
	root string
	dir  string
	perm os.FileMode
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileMode sets the permission bits for value files.
func WithFileMode(perm os.FileMode) FileOption {
	return func(s *FileStore) {
		if perm != 0 {
			s.perm = perm
		}
	}
}

// NewFileStore creates a file store rooted at base/root.
// The directory is created lazily on first write.
func NewFileStore(base, root string, opts ...FileOption) (*FileStore, error) {
	if err := ValidateRoot(root); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolving base directory %s: %w", base, err)
	}

	s := &FileStore{
		root: root,
		dir:  filepath.Join(abs, root),
		perm: 0o600,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the value files.
func (s *FileStore) Dir() string {
	return s.dir
}

// Root returns the application root name.
func (s *FileStore) Root() string {
	return s.root
}

// KeyForPath maps a file path inside Dir back to its key.
// Temp files and foreign files are rejected.
func (s *FileStore) KeyForPath(path string) (string, bool) {
	if filepath.Dir(path) != s.dir {
		return "", false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	key := strings.TrimSuffix(name, fileExt)
	if ValidateKey(key) != nil {
		return "", false
	}
	return key, true
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+fileExt)
}

// Read returns the value stored under key.
func (s *FileStore) Read(key string) (string, bool) {
	if ValidateKey(key) != nil {
		return "", false
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Write stores value under key atomically.
func (s *FileStore) Write(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &OpError{Op: "write", Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".tmp-*")
	if err != nil {
		return &OpError{Op: "write", Key: key, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &OpError{Op: "write", Key: key, Err: err}
	}
	if err := tmp.Chmod(s.perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &OpError{Op: "write", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &OpError{Op: "write", Key: key, Err: err}
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return &OpError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Delete removes key.
func (s *FileStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return &OpError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Keys returns all stored keys, sorted.
func (s *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := s.KeyForPath(filepath.Join(s.dir, e.Name())); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
