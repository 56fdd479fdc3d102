package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrAgentDispatch, "agent call failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	assert.Equal(t, ErrAgentDispatch, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[AGENT_DISPATCH_FAILED] agent call failed: root", err.Error())
	assert.Equal(t, "[NOT_FOUND] gone", NewError(ErrNotFound, "gone").Error())
}

func TestAsError_Wrapped(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrExecutionNotFound, "no such execution")
	wrapped := fmt.Errorf("lookup: %w", inner)

	got, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Same(t, inner, got)
	assert.Equal(t, ErrExecutionNotFound, GetErrorCode(wrapped))

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
	assert.Empty(t, GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
