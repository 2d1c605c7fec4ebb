package trackerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrBufferFullIsResourceExhausted(t *testing.T) {
	assert.ErrorIs(t, ErrBufferFull, ErrResourceExhausted)
	assert.NotErrorIs(t, ErrBufferFull, ErrLockContention)
}

func TestIOError(t *testing.T) {
	err := NewIOError("flush", 12, io.ErrShortWrite)
	require.Error(t, err)

	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.True(t, IsIOError(err))
	assert.True(t, IsIOError(fmt.Errorf("wrapped: %w", err)))
	assert.Contains(t, err.Error(), "12 records dropped")

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "flush", ioErr.Op)
	assert.Equal(t, 12, ioErr.Records)
}

func TestNewIOErrorNil(t *testing.T) {
	assert.NoError(t, NewIOError("flush", 3, nil))
	assert.False(t, IsIOError(nil))
}
