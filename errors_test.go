package ioengine

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("submit", ErrCodeInvalidArgument, "queue capacity must be positive")

	assert.Equal(t, "submit", err.Op)
	assert.Equal(t, ErrCodeInvalidArgument, err.Code)
	assert.Equal(t, "ioengine: queue capacity must be positive (op=submit)", err.Error())
}

func TestEventError(t *testing.T) {
	err := NewEventError("process", "evt-1", FileWrite, ErrCodeTransientIO, "short write")

	assert.Equal(t, "evt-1", err.EventID)
	assert.Equal(t, FileWrite, err.EventType)
	assert.Contains(t, err.Error(), "op=process")
}

func TestWrapError_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"context canceled", context.Canceled, ErrCodeCancelled},
		{"deadline exceeded", context.DeadlineExceeded, ErrCodeTimeout},
		{"permission denied errno", syscall.EACCES, ErrCodePermissionDenied},
		{"timed out errno", syscall.ETIMEDOUT, ErrCodeTimeout},
		{"invalid argument errno", syscall.EINVAL, ErrCodeInvalidArgument},
		{"generic error", errors.New("boom"), ErrCodeTransientIO},
		{"net timeout", &net.DNSError{IsTimeout: true}, ErrCodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := WrapError("process", tt.err)
			require.NotNil(t, wrapped)
			assert.Equal(t, tt.want, wrapped.Code)
		})
	}
}

func TestWrapError_PreservesStructuredError(t *testing.T) {
	inner := NewEventError("process", "evt-2", NetworkIO, ErrCodeCircuitOpen, "breaker open")
	wrapped := WrapError("recover", inner)

	assert.Equal(t, "recover", wrapped.Op)
	assert.Equal(t, ErrCodeCircuitOpen, wrapped.Code)
	assert.Equal(t, "evt-2", wrapped.EventID)
}

func TestIsCode(t *testing.T) {
	err := WrapError("submit", syscall.EACCES)
	assert.True(t, IsCode(err, ErrCodePermissionDenied))
	assert.False(t, IsCode(err, ErrCodeTimeout))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeTimeout))
}

func TestWrapError_Nil(t *testing.T) {
	assert.Nil(t, WrapError("submit", nil))
}
