// Package progress implements the engine's periodic progress reporting
// (ProgressTracker): a 100ms sweep over every Worker's active operations,
// published to subscribers that must never block. Grounded on the
// teacher's ticker-driven sweep idiom (ResourcePool.cleanup_expired,
// ErrorRecovery's 500ms sweep) run at a shorter period.
package progress

import (
	"sync"
	"time"

	"github.com/ehrlich-b/ioengine/internal/constants"
	"github.com/ehrlich-b/ioengine/internal/interfaces"
)

// Status is a ProgressSnapshot's coarse state.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Snapshot is one operation's progress as of the last tick.
type Snapshot struct {
	OperationID    string
	EventType      interfaces.EventType
	FilePath       string
	StartTime      time.Time
	Elapsed        time.Duration
	Status         Status
	BytesProcessed uint64
}

// Subscriber receives a batch of snapshots once per tick. Implementations
// must not block; Tracker calls them synchronously from its own goroutine.
type Subscriber interface {
	OnProgress([]Snapshot)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func([]Snapshot)

func (f SubscriberFunc) OnProgress(snapshots []Snapshot) { f(snapshots) }

// Source supplies the contexts currently active for one worker; the
// IsolationManager registers one Source per event type (typically
// Worker.ActiveOperations).
type Source func() []*interfaces.OperationContext

// Tracker samples every registered Source on a fixed interval and fans the
// resulting snapshots out to subscribers. A missed tick (the previous one
// still running) is dropped, never queued, so a slow subscriber can never
// build up backlog.
type Tracker struct {
	interval time.Duration

	mu          sync.RWMutex
	sources     map[interfaces.EventType]Source
	subscribers []Subscriber

	ticking sync.Mutex // guards against overlapping ticks; a busy tick means the next one is simply skipped

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Tracker with the spec's default 100ms interval (interval<=0
// falls back to that default).
func New(interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = constants.ProgressInterval
	}
	return &Tracker{
		interval: interval,
		sources:  make(map[interfaces.EventType]Source),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// RegisterSource wires one event type's active-operation source into the
// tracker's sweep.
func (t *Tracker) RegisterSource(eventType interfaces.EventType, source Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources[eventType] = source
}

// Subscribe adds a subscriber. Safe to call before or after Run.
func (t *Tracker) Subscribe(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, sub)
}

// Run starts the sweep loop; it returns once Stop is called.
func (t *Tracker) Run() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.tick(now)
		}
	}
}

// tick samples every source once; if the previous tick is still in
// progress (a slow subscriber), this tick is dropped entirely rather than
// queued.
func (t *Tracker) tick(now time.Time) {
	if !t.ticking.TryLock() {
		return
	}
	defer t.ticking.Unlock()

	t.mu.RLock()
	sources := make([]Source, 0, len(t.sources))
	for _, s := range t.sources {
		sources = append(sources, s)
	}
	subs := make([]Subscriber, len(t.subscribers))
	copy(subs, t.subscribers)
	t.mu.RUnlock()

	var snapshots []Snapshot
	for _, source := range sources {
		for _, opCtx := range source() {
			snapshots = append(snapshots, snapshotFrom(opCtx, now))
		}
	}

	if len(snapshots) == 0 {
		return
	}
	for _, sub := range subs {
		sub.OnProgress(snapshots)
	}
}

func snapshotFrom(opCtx *interfaces.OperationContext, now time.Time) Snapshot {
	status := StatusProcessing
	if opCtx.Success != nil {
		if *opCtx.Success {
			status = StatusCompleted
		} else {
			status = StatusFailed
		}
	}
	return Snapshot{
		OperationID:    opCtx.OperationID,
		EventType:      opCtx.EventType,
		FilePath:       opCtx.Metadata["FilePath"],
		StartTime:      opCtx.StartTime,
		Elapsed:        now.Sub(opCtx.StartTime),
		Status:         status,
		BytesProcessed: opCtx.BytesProcessed,
	}
}

// Stop ends the sweep loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}
