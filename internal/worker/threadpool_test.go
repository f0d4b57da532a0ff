package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedicatedThreadPool_RunsSubmittedTasks(t *testing.T) {
	pool := NewDedicatedThreadPool(4)
	defer pool.Stop()

	var count atomic.Int32
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(ThreadPoolTask{Fn: func() {
			count.Add(1)
			done <- struct{}{}
		}}))
	}

	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task never ran")
		}
	}
	assert.Equal(t, int32(8), count.Load())
}

func TestDedicatedThreadPool_DefaultSize(t *testing.T) {
	pool := NewDedicatedThreadPool(0)
	defer pool.Stop()
	stats := pool.Snapshot()
	assert.GreaterOrEqual(t, stats.MaxThreads, 4)
}

func TestDedicatedThreadPool_PanicIsContained(t *testing.T) {
	pool := NewDedicatedThreadPool(2)
	defer pool.Stop()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(ThreadPoolTask{Fn: func() {
		defer close(done)
		panic("boom")
	}}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never completed")
	}

	time.Sleep(20 * time.Millisecond)
	stats := pool.Snapshot()
	assert.Equal(t, uint64(1), stats.TasksPanicked)
}

func TestDedicatedThreadPool_SubmitAfterStopFails(t *testing.T) {
	pool := NewDedicatedThreadPool(2)
	pool.Stop()

	err := pool.Submit(ThreadPoolTask{Fn: func() {}})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestDedicatedThreadPool_StopDrainsBufferedTasks(t *testing.T) {
	pool := NewDedicatedThreadPool(1)

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(ThreadPoolTask{Fn: func() {
			time.Sleep(5 * time.Millisecond)
			count.Add(1)
		}}))
	}

	pool.Stop()
	assert.Equal(t, int32(3), count.Load())
}
