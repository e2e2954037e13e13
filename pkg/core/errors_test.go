package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpError(t *testing.T) {
	err := WrapError("store", ErrInvalidKey)
	assert.EqualError(t, err, "simcache: store: invalid cache key")
	assert.ErrorIs(t, err, ErrInvalidKey)

	var opErr *OpError
	assert.True(t, errors.As(err, &opErr))
	assert.Equal(t, "store", opErr.Op)

	assert.EqualError(t, &OpError{Err: ErrClosed}, "simcache: closed")
	assert.NoError(t, WrapError("noop", nil))
}

func TestDimensionError(t *testing.T) {
	err := DimensionError("query", 4, 3)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "expected 4, got 3")

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, ErrDimensionMismatch)
}
