package core

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrDimensionMismatch is returned when a vector length differs from the configured dimension
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrSerialization is returned when a snapshot payload cannot be encoded or decoded
	ErrSerialization = errors.New("serialization error")

	// ErrEvictionFailure is returned when eviction is requested on an empty cache
	ErrEvictionFailure = errors.New("eviction failure: cache is empty")

	// ErrInvalidID is returned when a vector id is empty
	ErrInvalidID = errors.New("invalid vector id")

	// ErrInvalidKey is returned when a cache key is empty
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrInvalidVector is returned when vector data is empty or otherwise unusable
	ErrInvalidVector = errors.New("invalid vector data")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned when a named item does not exist
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when using a closed component
	ErrClosed = errors.New("closed")
)

// OpError wraps errors with operation context
type OpError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface
func (e *OpError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("simcache: %v", e.Err)
	}
	return fmt.Sprintf("simcache: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *OpError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with operation context. A nil error stays nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// DimensionError builds a wrapped ErrDimensionMismatch carrying both lengths.
func DimensionError(op string, expected, got int) error {
	return WrapError(op, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, expected, got))
}
