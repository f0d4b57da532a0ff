package ioengine

import "sync"

// cancelToken is the default CancelToken implementation: a closed-once
// channel guarded by sync.Once, matching the usual context.CancelFunc idiom
// without pulling in a full context.Context per event.
type cancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates a fresh, unfired cancellation handle.
func NewCancelToken() CancelToken {
	return &cancelToken{done: make(chan struct{})}
}

func (c *cancelToken) Cancel() {
	c.once.Do(func() { close(c.done) })
}

func (c *cancelToken) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *cancelToken) Done() <-chan struct{} {
	return c.done
}
