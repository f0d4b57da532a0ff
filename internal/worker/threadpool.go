// Package worker implements the engine's per-event-type dispatch loop
// (Worker) and the DedicatedThreadPool it offloads parallel-friendly I/O
// onto. Grounded on the teacher's internal/queue/runner.go completion
// loop, generalized from "one CQE at a time" to "a batch grouped by
// priority and event-type parallelism."
package worker

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/ioengine/internal/constants"
)

// ThreadPoolTask is one unit of work submitted to a DedicatedThreadPool.
type ThreadPoolTask struct {
	Fn   func()
	Name string
}

// ErrPoolClosed is returned by Submit once Stop has been called.
var ErrPoolClosed = errors.New("worker: thread pool closed")

// ThreadPoolStatistics is a point-in-time view of DedicatedThreadPool activity.
type ThreadPoolStatistics struct {
	ActiveThreads   int32
	MaxThreads      int
	TasksSubmitted  uint64
	TasksCompleted  uint64
	TasksPanicked   uint64
}

// DedicatedThreadPool is a fixed set of goroutines draining a bounded task
// channel, sized max(4, 2*NumCPU) by default. Unlike the teacher's
// per-ublk-queue goroutine (which pins to one OS thread via
// runtime.LockOSThread because the kernel driver requires thread
// identity), these workers have no such requirement, so they are plain
// unpinned goroutines — the fixed count and bounded channel are what
// matters, not OS-thread affinity.
type DedicatedThreadPool struct {
	tasks chan ThreadPoolTask
	size  int

	submitMu sync.RWMutex
	closed   bool

	wg sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// NewDedicatedThreadPool builds a pool with the given size (<=0 uses the
// spec default) and a task channel buffered to the same size.
func NewDedicatedThreadPool(size int) *DedicatedThreadPool {
	if size <= 0 {
		size = constants.DedicatedPoolSize(runtime.NumCPU())
	}
	p := &DedicatedThreadPool{
		tasks: make(chan ThreadPoolTask, size),
		size:  size,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	return p
}

func (p *DedicatedThreadPool) run() {
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.tasks {
		p.runOne(task)
	}
}

func (p *DedicatedThreadPool) runOne(task ThreadPoolTask) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
		}
		p.completed.Add(1)
	}()
	task.Fn()
}

// Submit enqueues task, blocking the caller once the channel is saturated
// (non-blocking up to capacity, suspending beyond it) until a slot opens.
// A Stop called meanwhile does not release a blocked Submit; Stop waits
// for it. Once Stop has run, Submit returns ErrPoolClosed.
func (p *DedicatedThreadPool) Submit(task ThreadPoolTask) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.tasks <- task
	p.submitted.Add(1)
	return nil
}

// Stop closes the task channel (the shutdown sentinel) and waits for every
// worker to finish its current task and exit. Callers must stop
// submitting before calling Stop; a Submit still in flight when Stop is
// called is allowed to complete first (Stop waits for the write lock).
func (p *DedicatedThreadPool) Stop() {
	p.submitMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.submitMu.Unlock()
	p.wg.Wait()
}

// Snapshot returns a point-in-time view of pool activity.
func (p *DedicatedThreadPool) Snapshot() ThreadPoolStatistics {
	return ThreadPoolStatistics{
		ActiveThreads:  p.active.Load(),
		MaxThreads:     p.size,
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksPanicked:  p.panicked.Load(),
	}
}
