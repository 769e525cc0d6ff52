package config

import (
	"errors"
	"fmt"
)

// Errors returned by configuration operations.
var (
	// ErrFileNotFound indicates the configuration file doesn't exist.
	ErrFileNotFound = errors.New("config file not found")

	// ErrUnsupportedFormat indicates a file extension with no known decoder.
	ErrUnsupportedFormat = errors.New("unsupported config format")

	// ErrValidationFailed indicates the configuration fails validation.
	ErrValidationFailed = errors.New("validation failed")
)

// ParseError represents an error while parsing a configuration file or
// environment value.
type ParseError struct {
	// Path is the file path or variable name that failed to parse.
	Path string
	// Line is the line number where the error occurred (if available).
	Line int
	// Message describes the parse error.
	Message string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationErrorCode categorizes validation errors.
type ValidationErrorCode uint8

const (
	// ErrCodeRequiredMissing indicates a required field is empty.
	ErrCodeRequiredMissing ValidationErrorCode = iota
	// ErrCodeInvalidEnum indicates the value is not one of the allowed choices.
	ErrCodeInvalidEnum
	// ErrCodeOutOfRange indicates a numeric or duration value is out of range.
	ErrCodeOutOfRange
	// ErrCodeInvalidName indicates a name that cannot be used as a backend root.
	ErrCodeInvalidName
)

// String returns a human-readable name for the error code.
func (c ValidationErrorCode) String() string {
	switch c {
	case ErrCodeRequiredMissing:
		return "required_missing"
	case ErrCodeInvalidEnum:
		return "invalid_enum"
	case ErrCodeOutOfRange:
		return "out_of_range"
	case ErrCodeInvalidName:
		return "invalid_name"
	default:
		return "unknown"
	}
}

// ValidationError describes a validation failure for one field.
type ValidationError struct {
	// Path is the dotted field path, e.g. "backend.kind".
	Path string
	// Message describes the validation error.
	Message string
	// Value is the invalid value.
	Value any
	// Code categorizes the validation error.
	Code ValidationErrorCode
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %v)", e.Path, e.Message, e.Value)
}

// Is reports whether target is ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
