// Package backend provides the persistent key-value stores that settings are
// written to.
//
// A Store holds one string value per key under a named application root.
// Reads never fail: an unavailable or missing entry is reported as absent.
// Writes and deletes propagate failures to the caller and are not retried.
package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by backend operations.
var (
	// ErrUnavailable indicates the underlying storage could not be reached.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInvalidKey indicates a key that cannot be stored.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidRoot indicates an empty or malformed application root.
	ErrInvalidRoot = errors.New("invalid application root")
)

// Store is a string-keyed persistent store scoped to one application root.
type Store interface {
	// Read returns the value stored under key.
	// Returns "", false if the key is missing or the store is unavailable.
	Read(key string) (string, bool)

	// Write stores value under key. The value is visible to other readers
	// as soon as Write returns.
	Write(key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys currently stored, sorted.
	Keys() ([]string, error)

	// Root returns the application root name.
	Root() string
}

// Closer is implemented by stores holding resources that must be released.
type Closer interface {
	Close() error
}

// Attributor is implemented by stores that record which writer last
// modified each key.
type Attributor interface {
	// WriterID identifies writes made through this store instance.
	WriterID() string

	// LastWriter returns the writer id that last wrote key.
	LastWriter(key string) (string, bool)
}

// OpError describes a failed write or delete.
type OpError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return fmt.Sprintf("backend %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is reports OpError as ErrUnavailable so callers can match storage failures
// without knowing the concrete backend.
func (e *OpError) Is(target error) bool {
	return target == ErrUnavailable
}

// ValidateKey checks that key can be stored by every backend.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ValidateRoot checks an application root name.
func ValidateRoot(root string) error {
	if strings.TrimSpace(root) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoot)
	}
	if strings.ContainsAny(root, `/\`) || root == "." || root == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	return nil
}
