package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Conflict("Nullifier already used", "tx 1")

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))

	wrapped := fmt.Errorf("add vote: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.Equal(t, CodeConflict, CodeOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeTransientNetwork, "Submit failed", cause)

	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrTransientNetwork)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), string(CodeTransientNetwork))
}

func TestNotFoundDetail(t *testing.T) {
	err := NotFound("Transaction", "42")
	assert.Equal(t, CodeNotFound, err.Code)
	assert.Equal(t, "Transaction with id 42 does not exist", err.Detail)
}
