package ioengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/ioengine/internal/interfaces"
	"github.com/ehrlich-b/ioengine/internal/progress"
	"github.com/ehrlich-b/ioengine/internal/queue"
	"github.com/ehrlich-b/ioengine/internal/recovery"
	"github.com/ehrlich-b/ioengine/internal/worker"
)

// Re-export queue.AcceptResult at the root so callers of Submit never need
// to import internal/queue.
type AcceptResult = queue.AcceptResult

const (
	Accepted              = queue.Accepted
	RejectedFull          = queue.RejectedFull
	RejectedNotProcessing = queue.RejectedNotProcessing
)

// BatchAcceptResult reports per-item admission for SubmitBatch: submission
// is atomic per item, not all-or-nothing for the batch, so a caller gets a
// result for every event it tried to submit.
type BatchAcceptResult struct {
	Results map[string]AcceptResult // keyed by IOEvent.ID
}

// AllAccepted reports whether every item in the batch was admitted.
func (r BatchAcceptResult) AllAccepted() bool {
	for _, res := range r.Results {
		if res != Accepted {
			return false
		}
	}
	return true
}

// ManagerState is the IsolationManager's coarse lifecycle state.
type ManagerState int32

const (
	ManagerCreated ManagerState = iota
	ManagerRunning
	ManagerStopped
)

// IsolationStatistics aggregates every component's point-in-time counters
// into one snapshot, mirroring spec.md's "derived counters, not a source
// of truth" framing for WorkerStatistics/PoolStatistics/RecoveryStatistics.
type IsolationStatistics struct {
	Metrics    MetricsSnapshot
	Workers    map[EventType]worker.WorkerStatistics
	Pool       queue.PoolStatistics
	Recovery   recovery.RecoveryStatistics
	ThreadPool worker.ThreadPoolStatistics
}

// IsolationManagerInfo is a single-call health dump: running state,
// per-type queue depth, worker state, and pool stats, grounded on the
// teacher's Device.Info() snapshot.
type IsolationManagerInfo struct {
	State       ManagerState
	QueueDepths map[EventType]int
	WorkerState map[EventType]worker.State
	Pool        queue.PoolStatistics
}

// ProgressSnapshot re-exports the progress package's per-operation view.
type ProgressSnapshot = progress.Snapshot

// route bundles one event type's queue/worker/processor triple, the unit
// the manager's routing table is keyed on.
type route struct {
	queue  *queue.EventQueue
	worker *worker.Worker
}

// IsolationManager is the engine's public entry point: it owns every
// queue, worker, the resource pool, error recovery, the dedicated thread
// pool, the progress tracker and the alert bus, and routes each IOEvent by
// its EventType to the matching queue. Grounded directly on the teacher's
// Device/CreateAndServe/StopAndDelete lifecycle in backend.go: Start
// mirrors CreateAndServe's "build collaborators, start runners, flip
// running" ordering; Stop mirrors StopAndDelete's "close, drain, cancel"
// ordering.
type IsolationManager struct {
	cfg Config

	state atomic.Int32 // ManagerState

	routes  map[EventType]route
	pool    *queue.ResourcePool
	rec     *recovery.ErrorRecovery
	pools   *worker.DedicatedThreadPool
	bus     *EventBus
	tracker *progress.Tracker
	metrics *Metrics

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// NewIsolationManager builds a manager from cfg but does not start it; call
// Start to bring up queues, workers, and the resource pool.
func NewIsolationManager(cfg Config) *IsolationManager {
	m := &IsolationManager{
		cfg:         cfg,
		routes:      make(map[EventType]route),
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	m.state.Store(int32(ManagerCreated))
	return m
}

// Start creates every queue/worker for a configured event type, the
// resource pool, error recovery, the dedicated thread pool and the
// progress tracker, then launches every worker's Run loop and the periodic
// cleanup sweep. Mirrors CreateAndServe's ordering: collaborators first,
// then start, then mark running.
func (m *IsolationManager) Start(ctx context.Context) error {
	if ManagerState(m.state.Load()) != ManagerCreated {
		return NewError("start", ErrCodeInvalidArgument, "manager already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.metrics = NewMetrics()
	observer := m.cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(m.metrics)
	}

	m.pool = queue.NewResourcePool(m.cfg.MaxPooledBuffersPerClass, m.cfg.MaxBufferSize, m.cfg.BufferIdleExpire)
	m.rec = recovery.New()
	m.bus = NewEventBus(m.cfg.Logger)
	m.pools = worker.NewDedicatedThreadPool(m.cfg.DedicatedPoolSize)
	m.tracker = progress.New(m.cfg.ProgressInterval)

	m.runCtx, m.runCancel = context.WithCancel(ctx)

	for eventType, processor := range m.cfg.Processors {
		q := queue.NewEventQueue(eventType, m.cfg.queueCapacityFor(eventType))
		w := worker.New(worker.Config{
			EventType: eventType,
			Queue:     q,
			Processor: observerWrappedProcessor{processor: processor, observer: observer, eventType: eventType},
			Pool:      m.pool,
			Recovery:  m.rec,
			Threads:   m.pools,
			Alerts:    m.bus,
			Logger:    m.cfg.Logger,
			Validator: m.cfg.PathValidator,
			BatchMax:  m.cfg.batchMaxFor(eventType),
			Deadline:  m.cfg.OperationDeadline,
		})
		m.routes[eventType] = route{queue: q, worker: w}
		m.tracker.RegisterSource(eventType, func() []*interfaces.OperationContext { return w.ActiveOperations() })

		m.wg.Add(1)
		go func(w *worker.Worker) {
			defer m.wg.Done()
			w.Run(m.runCtx)
		}(w)
	}

	go m.tracker.Run()
	go m.cleanupLoop()

	m.state.Store(int32(ManagerRunning))
	return nil
}

// cleanupLoop periodically reclaims expired ResourcePool buffers/handles
// and idle ErrorRecovery states, grounded on the teacher's
// ResourcePool.cleanup_expired ticker.
func (m *IsolationManager) cleanupLoop() {
	defer close(m.cleanupDone)
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupStop:
			return
		case <-ticker.C:
			m.pool.CleanupExpired()
			m.rec.Cleanup()
		}
	}
}

// observerWrappedProcessor times every Process call and reports it to the
// configured Observer, so per-event-type latency/throughput/error metrics
// accumulate without every EventProcessor implementation needing to know
// about Metrics.
type observerWrappedProcessor struct {
	processor EventProcessor
	observer  Observer
	eventType EventType
}

func (p observerWrappedProcessor) Process(ctx context.Context, event IOEvent, opCtx *OperationContext, cancel CancelToken) (Outcome, error) {
	start := time.Now()
	outcome, err := p.processor.Process(ctx, event, opCtx, cancel)
	latency := time.Since(start)
	p.observer.ObserveEvent(p.eventType, outcome.BytesProcessed, uint64(latency.Nanoseconds()), err == nil)
	return outcome, err
}

// Submit routes event to its type's queue and returns immediately; no API
// entry point here performs blocking I/O.
func (m *IsolationManager) Submit(event IOEvent) AcceptResult {
	r, ok := m.routes[event.Type]
	if !ok {
		return RejectedNotProcessing
	}
	result := r.queue.Push(event)
	if m.metrics != nil {
		m.metrics.ObserveQueueDepth(event.Type, r.queue.Len())
	}
	return result
}

// SubmitBatch submits every event independently, allowing partial
// acceptance: one rejected item never blocks or rejects its batch-mates.
func (m *IsolationManager) SubmitBatch(events []IOEvent) BatchAcceptResult {
	out := BatchAcceptResult{Results: make(map[string]AcceptResult, len(events))}
	for _, ev := range events {
		out.Results[ev.ID] = m.Submit(ev)
	}
	return out
}

// Future is the handle returned by ExecuteOnIOPool: it completes with the
// closure's result or an error once the dedicated pool runs it.
type Future[T any] struct {
	ch chan futureResult[T]
}

type futureResult[T any] struct {
	value T
	err   error
}

// Wait blocks until the future resolves or ctx is done. It is the only
// place in this package where a caller may legitimately block — by
// calling Wait explicitly, never implicitly inside ExecuteOnIOPool itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ExecuteOnIOPool submits closure to m's DedicatedThreadPool and returns a
// Future that resolves with its result. A generic method isn't expressible
// in Go, so this is a package-level generic function taking the manager
// explicitly — the same shape the spec's execute_on_io_pool<T> has in any
// language without generic methods.
func ExecuteOnIOPool[T any](m *IsolationManager, closure func() (T, error)) (*Future[T], error) {
	f := &Future[T]{ch: make(chan futureResult[T], 1)}
	err := m.pools.Submit(worker.ThreadPoolTask{
		Name: "execute_on_io_pool",
		Fn: func() {
			defer func() {
				if r := recover(); r != nil {
					f.ch <- futureResult[T]{err: fmt.Errorf("execute_on_io_pool: panic: %v", r)}
				}
			}()
			v, err := closure()
			f.ch <- futureResult[T]{value: v, err: err}
		},
	})
	if err != nil {
		return nil, WrapError("execute_on_io_pool", err)
	}
	return f, nil
}

// Cancel trips the cancellation handle for operationID if it is currently
// tracked by any worker's active-operation set. It is a best-effort signal:
// cancellation is cooperative, so a processor only observes it at its next
// checkpoint.
func (m *IsolationManager) Cancel(operationID string) bool {
	for _, r := range m.routes {
		for _, opCtx := range r.worker.ActiveOperations() {
			if opCtx.OperationID == operationID && opCtx.Cancel != nil {
				opCtx.Cancel.Cancel()
				return true
			}
		}
	}
	return false
}

// Progress returns the most recent snapshot of operationID's progress, or
// false if it isn't currently active on any worker.
func (m *IsolationManager) Progress(operationID string) (ProgressSnapshot, bool) {
	for eventType, r := range m.routes {
		for _, opCtx := range r.worker.ActiveOperations() {
			if opCtx.OperationID == operationID {
				return progressSnapshotFrom(eventType, opCtx), true
			}
		}
	}
	return ProgressSnapshot{}, false
}

func progressSnapshotFrom(eventType EventType, opCtx *OperationContext) ProgressSnapshot {
	status := progress.StatusProcessing
	if opCtx.Success != nil {
		if *opCtx.Success {
			status = progress.StatusCompleted
		} else {
			status = progress.StatusFailed
		}
	}
	return ProgressSnapshot{
		OperationID:    opCtx.OperationID,
		EventType:      eventType,
		FilePath:       opCtx.Metadata["FilePath"],
		StartTime:      opCtx.StartTime,
		Elapsed:        time.Since(opCtx.StartTime),
		Status:         status,
		BytesProcessed: opCtx.BytesProcessed,
	}
}

// Subscribe registers sub on the manager's alert bus.
func (m *IsolationManager) Subscribe(sub AlertSubscriber) {
	m.bus.Subscribe(sub)
}

// Statistics aggregates every collaborator's point-in-time counters.
func (m *IsolationManager) Statistics() IsolationStatistics {
	stats := IsolationStatistics{
		Workers: make(map[EventType]worker.WorkerStatistics, len(m.routes)),
	}
	if m.metrics != nil {
		stats.Metrics = m.metrics.Snapshot()
	}
	for eventType, r := range m.routes {
		stats.Workers[eventType] = r.worker.Snapshot()
	}
	if m.pool != nil {
		stats.Pool = m.pool.Snapshot()
	}
	if m.rec != nil {
		stats.Recovery = m.rec.Snapshot()
	}
	if m.pools != nil {
		stats.ThreadPool = m.pools.Snapshot()
	}
	return stats
}

// Info returns a single-call health dump.
func (m *IsolationManager) Info() IsolationManagerInfo {
	info := IsolationManagerInfo{
		State:       ManagerState(m.state.Load()),
		QueueDepths: make(map[EventType]int, len(m.routes)),
		WorkerState: make(map[EventType]worker.State, len(m.routes)),
	}
	for eventType, r := range m.routes {
		info.QueueDepths[eventType] = r.queue.Len()
		info.WorkerState[eventType] = r.worker.State()
	}
	if m.pool != nil {
		info.Pool = m.pool.Snapshot()
	}
	return info
}

// Stop closes every queue to new submissions, signals every worker to
// drain whatever remains queued, waits up to timeout, then force-stops.
// Mirrors StopAndDelete's close-then-drain-then-cancel ordering.
func (m *IsolationManager) Stop(timeout time.Duration) error {
	if ManagerState(m.state.Load()) != ManagerRunning {
		return nil
	}

	// Close, not Pause: shutdown must stop new admissions while still
	// letting TakeBatch drain whatever is already queued. Pause blocks
	// TakeBatch outright, which would make drain() spin forever against a
	// non-empty, un-drainable queue.
	for _, r := range m.routes {
		r.queue.Close()
	}

	deadline := time.Now().Add(timeout)
	for _, r := range m.routes {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		r.worker.Stop(remaining)
	}

	m.runCancel()
	m.wg.Wait()

	close(m.cleanupStop)
	<-m.cleanupDone

	m.tracker.Stop()
	m.bus.Stop()
	m.pools.Stop()

	if m.metrics != nil {
		m.metrics.Stop()
	}

	m.state.Store(int32(ManagerStopped))
	return nil
}
