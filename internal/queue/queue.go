package queue

import (
	"sync"
	"time"

	"github.com/ehrlich-b/ioengine/internal/interfaces"
)

// AcceptResult is the outcome of a Push call.
type AcceptResult int

const (
	Accepted AcceptResult = iota
	RejectedFull
	RejectedNotProcessing
)

// EventQueue is a bounded, multi-priority FIFO for one event type: higher
// priorities always drain before lower ones, FIFO is preserved within one
// priority lane. Grounded on the teacher's preference for fine-grained,
// per-structure locking over one coarse lock (internal/queue/runner.go uses
// a mutex per tag, never one mutex for the whole queue set) — here that
// means one EventQueue instance owns exactly one mutex, and the
// IsolationManager never shares a lock across event types.
type EventQueue struct {
	eventType interfaces.EventType
	capacity  int

	mu         sync.Mutex
	lanes      [interfaces.NumPriorities][]interfaces.IOEvent
	count      int
	processing bool
	paused     bool
	notify     chan struct{}
}

// NewEventQueue creates a queue for eventType with the given bounded
// capacity. Queues are created processing (not paused) and open to pushes.
func NewEventQueue(eventType interfaces.EventType, capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventQueue{
		eventType:  eventType,
		capacity:   capacity,
		processing: true,
		notify:     make(chan struct{}),
	}
}

// EventType returns the event type this queue serves.
func (q *EventQueue) EventType() interfaces.EventType {
	return q.eventType
}

// Capacity returns the queue's bounded capacity.
func (q *EventQueue) Capacity() int {
	return q.capacity
}

// Len returns the current number of queued events across all priorities.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// wakeLocked closes the current notify channel and installs a fresh one,
// waking every goroutine blocked in TakeBatch. Must be called with mu held,
// and the close must happen after mu is released (see callers).
func (q *EventQueue) wakeLocked() chan struct{} {
	old := q.notify
	q.notify = make(chan struct{})
	return old
}

// Push attempts to enqueue event without blocking the caller.
func (q *EventQueue) Push(event interfaces.IOEvent) AcceptResult {
	q.mu.Lock()
	if !q.processing {
		q.mu.Unlock()
		return RejectedNotProcessing
	}
	if q.count >= q.capacity {
		q.mu.Unlock()
		return RejectedFull
	}

	lane := int(event.Priority)
	q.lanes[lane] = append(q.lanes[lane], event)
	q.count++
	old := q.wakeLocked()
	q.mu.Unlock()

	close(old)
	return Accepted
}

// TakeBatch suspends the caller until at least one event is available (or
// timeout elapses), then greedily drains up to maxN events, always
// preferring higher-priority lanes and preserving FIFO order within a
// lane. Returns nil on timeout, while paused, or when a waiting caller is
// woken by Close and the queue is empty.
func (q *EventQueue) TakeBatch(maxN int, timeout time.Duration) []interfaces.IOEvent {
	if maxN <= 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if q.paused {
			q.mu.Unlock()
			return nil
		}
		if q.count > 0 {
			batch := q.drainLocked(maxN)
			q.mu.Unlock()
			return batch
		}
		ch := q.notify
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		select {
		case <-ch:
			q.mu.Lock()
			closedEmpty := !q.processing && q.count == 0
			q.mu.Unlock()
			if closedEmpty {
				return nil
			}
			continue
		case <-time.After(remaining):
			return nil
		}
	}
}

// drainLocked removes and returns up to maxN events, highest priority
// first, FIFO within a priority. Caller must hold mu.
func (q *EventQueue) drainLocked(maxN int) []interfaces.IOEvent {
	result := make([]interfaces.IOEvent, 0, maxN)
	for p := interfaces.NumPriorities - 1; p >= 0 && len(result) < maxN; p-- {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		take := maxN - len(result)
		if take > len(lane) {
			take = len(lane)
		}
		result = append(result, lane[:take]...)
		// Let go of references to the events we just handed out so a large
		// backlog doesn't keep their payloads alive via the slice's backing
		// array.
		for i := 0; i < take; i++ {
			lane[i] = interfaces.IOEvent{}
		}
		q.lanes[p] = lane[take:]
		q.count -= take
	}
	return result
}

// Pause stops TakeBatch from returning new work; Push is unaffected.
func (q *EventQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	old := q.wakeLocked()
	q.mu.Unlock()
	close(old)
}

// Resume re-enables TakeBatch.
func (q *EventQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// IsPaused reports the current pause state.
func (q *EventQueue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// IsProcessing reports whether the queue still accepts pushes.
func (q *EventQueue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Close stops the queue from accepting further pushes and wakes any
// blocked TakeBatch callers so shutdown can proceed; events already queued
// remain available to be drained.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.processing = false
	old := q.wakeLocked()
	q.mu.Unlock()
	close(old)
}

// DrainAll removes and returns every remaining event, regardless of
// maxN/priority batching, for use during shutdown bookkeeping.
func (q *EventQueue) DrainAll() []interfaces.IOEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(q.count)
}
