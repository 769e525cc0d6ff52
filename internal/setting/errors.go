package setting

import (
	"errors"
	"fmt"
)

// Errors returned by setting operations.
var (
	// ErrDuplicateSingleton indicates a second real instance was requested
	// for a key that already has one.
	ErrDuplicateSingleton = errors.New("duplicate singleton")

	// ErrTypeMismatch indicates a key is already bound to a setting of a
	// different type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidDefinition indicates a definition that cannot be set up.
	ErrInvalidDefinition = errors.New("invalid setting definition")

	// ErrNotFound indicates no setting is registered under a key.
	ErrNotFound = errors.New("setting not found")

	// ErrClosed indicates the Manager has been closed.
	ErrClosed = errors.New("manager closed")
)

// DuplicateError is returned when a key already has a live singleton.
type DuplicateError struct {
	Key string
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("setting %s: duplicate singleton", e.Key)
}

// Is implements error matching for DuplicateError.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateSingleton
}

// TypeError is returned when a key is requested with the wrong type.
type TypeError struct {
	// Key is the setting key.
	Key string
	// Expected is the type of the live singleton.
	Expected string
	// Actual is the type that was requested.
	Actual string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	return fmt.Sprintf("type error for %s: registered as %s, requested as %s", e.Key, e.Expected, e.Actual)
}

// Is implements error matching for TypeError.
func (e *TypeError) Is(target error) bool {
	return target == ErrTypeMismatch
}

// SetupError wraps a failure while loading a setting for the first time.
type SetupError struct {
	Key string
	Err error
}

// Error implements the error interface.
func (e *SetupError) Error() string {
	return fmt.Sprintf("setting up %s: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *SetupError) Unwrap() error {
	return e.Err
}
