package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrLockConflict, "task already claimed")
	assert.Equal(t, "[LOCK_CONFLICT] task already claimed", err.Error())

	cause := errors.New("connection refused")
	err = NewError(ErrBackendUnavailable, "redis ping failed").WithCause(cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}

func TestCodeOf(t *testing.T) {
	err := NewError(ErrNotFound, "no such lease")
	assert.Equal(t, ErrNotFound, CodeOf(err))
	assert.True(t, IsNotFound(err))

	wrapped := fmt.Errorf("get lease: %w", err)
	assert.Equal(t, ErrNotFound, CodeOf(wrapped))
	assert.True(t, IsNotFound(wrapped))

	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
}

func TestIsRetryable(t *testing.T) {
	err := NewError(ErrBackendUnavailable, "timeout").WithRetryable(true)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(NewError(ErrLockConflict, "claimed")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
