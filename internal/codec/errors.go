package codec

import (
	"errors"
	"fmt"
)

// Errors returned by the codec.
var (
	// ErrMalformed indicates persisted data could not be decoded.
	ErrMalformed = errors.New("malformed data")

	// ErrUnsupported indicates a value that cannot be encoded.
	ErrUnsupported = errors.New("unsupported value")
)

// MalformedError describes data that failed to decode.
type MalformedError struct {
	// Type is the Go type the data was decoded into.
	Type string
	// Data is the offending text, truncated for display.
	Data string
	// Err is the underlying decode error.
	Err error
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	data := e.Data
	if len(data) > 64 {
		data = data[:64] + "..."
	}
	return fmt.Sprintf("malformed %s data %q: %v", e.Type, data, e.Err)
}

// Unwrap returns the underlying error.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Is implements error matching for MalformedError.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// EncodeError describes a value that failed to encode.
type EncodeError struct {
	Type string
	Err  error
}

// Error implements the error interface.
func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding %s: %v", e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Is implements error matching for EncodeError.
func (e *EncodeError) Is(target error) bool {
	return target == ErrUnsupported
}
