package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCeilPow2(t *testing.T) {
	tests := []struct {
		in   uint32
		want uint32
	}{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {4, 4},
		{5, 8}, {1023, 1024}, {1024, 1024}, {1025, 2048},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ceilPow2(tt.in))
	}
}

func TestResourcePool_GetBuffer_SizingAndZeroing(t *testing.T) {
	pool := NewResourcePool(100, 64*1024, time.Minute)

	buf, ok := pool.GetBuffer(100)
	require.True(t, ok)
	assert.Equal(t, uint32(128), buf.Size)
	assert.Len(t, buf.Data, 128)
	for _, b := range buf.Data {
		assert.Zero(t, b)
	}

	buf.Data[0] = 0xFF
	pool.ReturnBuffer(buf)

	reused, ok := pool.GetBuffer(100)
	require.True(t, ok)
	assert.Zero(t, reused.Data[0], "returned buffer must be zeroed before reuse")
}

func TestResourcePool_GetBuffer_ClampsAtMax(t *testing.T) {
	pool := NewResourcePool(100, 64*1024, time.Minute)
	buf, ok := pool.GetBuffer(1 << 20)
	require.True(t, ok)
	assert.Equal(t, uint32(64*1024), buf.Size)
}

func TestResourcePool_GetBuffer_RejectsZero(t *testing.T) {
	pool := NewResourcePool(100, 64*1024, time.Minute)
	_, ok := pool.GetBuffer(0)
	assert.False(t, ok)
}

func TestResourcePool_ReturnBuffer_DiscardsBeyondMaxPooled(t *testing.T) {
	pool := NewResourcePool(1, 64*1024, time.Minute)

	a, _ := pool.GetBuffer(64)
	b, _ := pool.GetBuffer(64)
	pool.ReturnBuffer(a)
	pool.ReturnBuffer(b)

	stats := pool.Snapshot()
	assert.Equal(t, uint64(1), stats.TotalDiscarded)
	assert.Equal(t, 1, stats.FreeBuffers)
}

func TestResourcePool_Counters(t *testing.T) {
	pool := NewResourcePool(100, 64*1024, time.Minute)

	buf, _ := pool.GetBuffer(64)
	pool.ReturnBuffer(buf)
	_, _ = pool.GetBuffer(64)

	stats := pool.Snapshot()
	assert.Equal(t, uint64(1), stats.TotalCreated)
	assert.Equal(t, uint64(1), stats.TotalReused)
}

func TestResourcePool_CleanupExpired_IdleBuffer(t *testing.T) {
	pool := NewResourcePool(100, 64*1024, time.Millisecond)

	buf, _ := pool.GetBuffer(64)
	buf.AccessCount = 1 // simulate a previously-reused buffer so it isn't "zero-use"
	pool.ReturnBuffer(buf)

	time.Sleep(5 * time.Millisecond)

	removed, _ := pool.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, pool.Snapshot().FreeBuffers)
}

func TestResourcePool_CleanupExpired_AccessCountCeiling(t *testing.T) {
	pool := NewResourcePool(100, 64*1024, time.Hour)

	buf, _ := pool.GetBuffer(64)
	buf.AccessCount = 2000
	pool.ReturnBuffer(buf)

	removed, _ := pool.CleanupExpired()
	assert.Equal(t, 1, removed)
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestResourcePool_Handles_ExpireAndRelease(t *testing.T) {
	pool := NewResourcePool(100, 64*1024, time.Hour)

	resource := &fakeCloser{}
	ttl := time.Millisecond
	pool.CreateHandle("h1", resource, &ttl)

	time.Sleep(5 * time.Millisecond)
	_, removedHandles := pool.CleanupExpired()

	assert.Equal(t, 1, removedHandles)
	assert.True(t, resource.closed)
}

func TestResourceHandle_ReleaseIsIdempotent(t *testing.T) {
	resource := &fakeCloser{}
	h := &ResourceHandle{ID: "h", resource: resource}

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	assert.True(t, resource.closed)
}

func TestResourceHandle_ReleaseErrorPropagates(t *testing.T) {
	h := &ResourceHandle{ID: "h", resource: closerFunc(func() error { return errors.New("fail") })}
	assert.Error(t, h.Release())
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
