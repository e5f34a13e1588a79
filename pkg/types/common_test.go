package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateIDUnique(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.False(t, a.IsEmpty())
	assert.NotEqual(t, a, b)
}

func TestErrorChain(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := WrapError(ErrCodeTransientIO, "connect to peer", base)
	outer := fmt.Errorf("attempt 3: %w", wrapped)

	assert.True(t, IsErrCode(outer, ErrCodeTransientIO))
	assert.False(t, IsErrCode(outer, ErrCodeFraming))
	assert.Equal(t, ErrCodeTransientIO, GetErrorCode(outer))
	assert.ErrorIs(t, outer, base)
	assert.Equal(t, "TRANSIENT_IO: connect to peer: connection refused", wrapped.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrCodeTransientIO, "timeout")))
	assert.False(t, IsRetryable(NewError(ErrCodeProtocolViolation, "duplicate peer")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}
