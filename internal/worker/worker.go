package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/ioengine/internal/constants"
	"github.com/ehrlich-b/ioengine/internal/interfaces"
	"github.com/ehrlich-b/ioengine/internal/queue"
	"github.com/ehrlich-b/ioengine/internal/recovery"
)

// State is a Worker's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// dispatchMode controls how a sub-batch of one priority group is executed.
type dispatchMode int

const (
	dispatchParallel dispatchMode = iota
	dispatchSequential
	dispatchBoundedParallel
)

const boundedParallelLimit = 2

// dispatchFor returns the concurrency mode for eventType: file, network,
// cache, metadata and spout events parallelize within a sub-batch; audio
// and MIDI events run strictly sequentially (no overlap on one worker);
// user input is bounded to at most 2 concurrent in-flight events.
func dispatchFor(eventType interfaces.EventType) dispatchMode {
	switch eventType {
	case interfaces.EventFileRead, interfaces.EventFileWrite,
		interfaces.EventNetworkIO, interfaces.EventSpoutData,
		interfaces.EventCacheUpdate, interfaces.EventMetadataUpdate:
		return dispatchParallel
	case interfaces.EventAudioInput, interfaces.EventAudioOutput,
		interfaces.EventMidiInput, interfaces.EventMidiOutput:
		return dispatchSequential
	case interfaces.EventUserInput:
		return dispatchBoundedParallel
	default:
		return dispatchSequential
	}
}

// WorkerStatistics is a point-in-time view of one Worker's activity.
type WorkerStatistics struct {
	EventType        interfaces.EventType
	State            State
	EventsProcessed  uint64
	EventsFailed     uint64
	EventsCancelled  uint64
	ActiveOperations int
}

// pendingRetry retains enough of a failed event to replay it once
// ErrorRecovery says it's due; recovery only tracks the retry policy, not
// the event payload, so the Worker that originally dequeued it must hold
// onto it.
type pendingRetry struct {
	event interfaces.IOEvent
	opCtx *interfaces.OperationContext
}

// Worker is the per-event-type processing loop: pull a batch, group by
// priority, sub-batch, dispatch according to dispatchFor, and record the
// outcome of every event. Grounded on the teacher's runner.go ioLoop, with
// batch grouping/sub-batching and the per-type dispatch table as new logic
// this domain needs that a block-device completion loop never did.
type Worker struct {
	eventType interfaces.EventType
	queue     *queue.EventQueue
	processor interfaces.EventProcessor
	pool      *queue.ResourcePool
	recovery  *recovery.ErrorRecovery
	threads   *DedicatedThreadPool
	alerts    interfaces.AlertBus
	logger    interfaces.Logger
	validator interfaces.PathValidator

	batchMax int
	deadline time.Duration

	state atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	activeOps sync.Map // operationID string -> *interfaces.OperationContext

	pendingMu sync.Mutex
	pending   map[string]*pendingRetry

	retryStop chan struct{}
	retryDone chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// Config bundles a Worker's collaborators. Queue, Processor, Pool and
// Recovery are required. Validator, Alerts, Logger and Threads may be left
// nil (no validation, no alerts, no logging, parallel events run on plain
// goroutines) so tests can build a minimal Worker without wiring the whole
// engine.
type Config struct {
	EventType interfaces.EventType
	Queue     *queue.EventQueue
	Processor interfaces.EventProcessor
	Pool      *queue.ResourcePool
	Recovery  *recovery.ErrorRecovery
	Threads   *DedicatedThreadPool
	Alerts    interfaces.AlertBus
	Logger    interfaces.Logger
	Validator interfaces.PathValidator
	BatchMax  int
	Deadline  time.Duration
}

// New builds a Worker from cfg, applying spec defaults for zero-value
// fields.
func New(cfg Config) *Worker {
	batchMax := cfg.BatchMax
	if batchMax <= 0 {
		batchMax = constants.DefaultBatchMax
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = constants.OperationDeadline
	}
	w := &Worker{
		eventType: cfg.EventType,
		queue:     cfg.Queue,
		processor: cfg.Processor,
		pool:      cfg.Pool,
		recovery:  cfg.Recovery,
		threads:   cfg.Threads,
		alerts:    cfg.Alerts,
		logger:    cfg.Logger,
		validator: cfg.Validator,
		batchMax:  batchMax,
		deadline:  deadline,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		retryStop: make(chan struct{}),
		retryDone: make(chan struct{}),
		pending:   make(map[string]*pendingRetry),
	}
	w.state.Store(int32(StateStarting))
	return w
}

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// State returns the Worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) emit(kind interfaces.AlertKind, operationID, message string) {
	if w.alerts == nil {
		return
	}
	w.alerts.Emit(interfaces.Alert{
		Kind:        kind,
		EventType:   w.eventType,
		OperationID: operationID,
		Message:     message,
		Time:        time.Now(),
	})
}

// Run executes the Worker's main loop until ctx is cancelled or Stop is
// called. It is meant to be launched with `go w.Run(ctx)`; it returns once
// the worker has fully drained and stopped.
func (w *Worker) Run(ctx context.Context) {
	w.setState(StateRunning)
	w.emit(interfaces.AlertWorkerStarted, "", "")

	go w.retryLoop()

	defer func() {
		close(w.retryStop)
		<-w.retryDone
		w.setState(StateStopped)
		close(w.doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.stopCh:
			w.drain()
			return
		default:
		}

		if w.queue.IsPaused() {
			time.Sleep(constants.WorkerIdlePoll)
			continue
		}

		batch := w.queue.TakeBatch(w.batchMax, constants.WorkerIdlePoll)
		if len(batch) == 0 {
			continue
		}
		w.processBatch(ctx, batch)
	}
}

// drain switches to Draining and keeps processing whatever remains queued
// until the queue is empty, so in-flight admission isn't abandoned.
func (w *Worker) drain() {
	w.setState(StateDraining)
	for {
		batch := w.queue.TakeBatch(w.batchMax, constants.WorkerIdlePoll)
		if len(batch) == 0 {
			if w.queue.Len() == 0 {
				return
			}
			continue
		}
		w.processBatch(context.Background(), batch)
	}
}

// Stop requests a graceful shutdown, waiting up to timeout for in-flight
// and queued work to drain. On timeout it emits WorkerStopTimeout and
// returns without waiting further (the goroutine may still be unwinding in
// the background).
func (w *Worker) Stop(timeout time.Duration) {
	w.stopOnce.Do(func() { close(w.stopCh) })

	select {
	case <-w.doneCh:
	case <-time.After(timeout):
		w.emit(interfaces.AlertWorkerStopTimeout, "", fmt.Sprintf("worker for %s did not stop within %s", w.eventType, timeout))
		w.setState(StateStopped)
	}
}

// ActiveOperations returns a snapshot of currently in-flight operation
// contexts, for ProgressTracker.
func (w *Worker) ActiveOperations() []*interfaces.OperationContext {
	var out []*interfaces.OperationContext
	w.activeOps.Range(func(_, v any) bool {
		out = append(out, v.(*interfaces.OperationContext))
		return true
	})
	return out
}

// Snapshot returns a point-in-time view of this Worker's activity.
func (w *Worker) Snapshot() WorkerStatistics {
	active := 0
	w.activeOps.Range(func(_, _ any) bool { active++; return true })
	return WorkerStatistics{
		EventType:        w.eventType,
		State:            w.State(),
		EventsProcessed:  w.processed.Load(),
		EventsFailed:     w.failed.Load(),
		EventsCancelled:  w.cancelled.Load(),
		ActiveOperations: active,
	}
}

// groupByPriorityDesc buckets batch by priority, highest first, preserving
// submit/dequeue order within each bucket (TakeBatch already guarantees
// FIFO within a priority lane).
func groupByPriorityDesc(batch []interfaces.IOEvent) [][]interfaces.IOEvent {
	var groups [interfaces.NumPriorities][]interfaces.IOEvent
	for _, ev := range batch {
		groups[ev.Priority] = append(groups[ev.Priority], ev)
	}
	var out [][]interfaces.IOEvent
	for p := interfaces.NumPriorities - 1; p >= 0; p-- {
		if len(groups[p]) > 0 {
			out = append(out, groups[p])
		}
	}
	return out
}

// chunk splits events into groups of at most size.
func chunk(events []interfaces.IOEvent, size int) [][]interfaces.IOEvent {
	var out [][]interfaces.IOEvent
	for len(events) > 0 {
		n := size
		if n > len(events) {
			n = len(events)
		}
		out = append(out, events[:n])
		events = events[n:]
	}
	return out
}

func (w *Worker) processBatch(ctx context.Context, batch []interfaces.IOEvent) {
	for _, group := range groupByPriorityDesc(batch) {
		for _, sub := range chunk(group, constants.WorkerParallelSubBatch) {
			w.dispatchSubBatch(ctx, sub)
		}
	}
}

func (w *Worker) dispatchSubBatch(ctx context.Context, sub []interfaces.IOEvent) {
	switch dispatchFor(w.eventType) {
	case dispatchSequential:
		for _, ev := range sub {
			w.processOne(ctx, ev)
		}

	case dispatchBoundedParallel:
		sem := make(chan struct{}, boundedParallelLimit)
		var wg sync.WaitGroup
		for _, ev := range sub {
			ev := ev
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.processOne(ctx, ev)
			}()
		}
		wg.Wait()

	default: // dispatchParallel: offload to the dedicated thread pool
		var wg sync.WaitGroup
		for _, ev := range sub {
			ev := ev
			wg.Add(1)
			if w.threads != nil {
				err := w.threads.Submit(ThreadPoolTask{
					Name: string(w.eventType),
					Fn: func() {
						defer wg.Done()
						w.processOne(ctx, ev)
					},
				})
				if err != nil {
					// Pool is shutting down; fall back to running inline so the
					// event isn't silently dropped mid-drain.
					func() {
						defer wg.Done()
						w.processOne(ctx, ev)
					}()
				}
			} else {
				go func() {
					defer wg.Done()
					w.processOne(ctx, ev)
				}()
			}
		}
		wg.Wait()
	}
}

// processOne runs one event through validation, buffer acquisition and the
// EventProcessor, recording its outcome. A panic inside the processor is
// caught and translated into a failed record so one event's crash never
// aborts its batch-mates.
func (w *Worker) processOne(ctx context.Context, ev interfaces.IOEvent) {
	if ev.Cancel != nil && ev.Cancel.Cancelled() {
		// Dropped silently at dequeue: never counted as processed or failed.
		w.cancelled.Add(1)
		return
	}

	if v := w.validateEvent(ev); v != nil {
		w.recordFailure(ev.ID, "", v)
		return
	}

	opCtx := &interfaces.OperationContext{
		OperationID: ev.ID,
		EventType:   ev.Type,
		StartTime:   time.Now(),
		Metadata:    map[string]string{"ProcessingStartTime": time.Now().Format(time.RFC3339Nano), "FilePath": ev.FilePath},
		Cancel:      ev.Cancel,
	}
	w.activeOps.Store(ev.ID, opCtx)
	defer w.activeOps.Delete(ev.ID)

	w.runProcessor(ctx, ev, opCtx)
}

func (w *Worker) validateEvent(ev interfaces.IOEvent) error {
	if w.validator == nil || ev.FilePath == "" {
		return nil
	}
	var v interfaces.Validation
	switch ev.Type {
	case interfaces.EventFileRead:
		v = w.validator.ValidateRead(ev.FilePath)
	case interfaces.EventFileWrite:
		v = w.validator.ValidateWrite(ev.FilePath)
	default:
		return nil
	}
	if !v.OK {
		return fmt.Errorf("validation rejected %s: %s", ev.FilePath, v.Reason)
	}
	return nil
}

func (w *Worker) runProcessor(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext) {
	size := bufferSizeFor(ev.Data)
	buf, ok := w.pool.GetBuffer(size)
	if ok {
		defer w.pool.ReturnBuffer(buf)
		if len(ev.Data) > 0 && len(buf.Data) >= len(ev.Data) {
			copy(buf.Data, ev.Data)
		}
	}

	opCtx.Metadata["worker_buffer_size"] = fmt.Sprintf("%d", size)

	evCtx, cancelFn := eventContext(ctx, w.deadline, ev.Cancel)
	defer cancelFn()

	outcome, err := w.invokeProcessor(evCtx, ev, opCtx)

	if err != nil {
		w.handleFailure(ev, opCtx, err)
		return
	}
	w.handleSuccess(ev, opCtx, outcome)
}

// invokeProcessor calls the processor, converting a panic into an error so
// the caller's bookkeeping stays uniform.
func (w *Worker) invokeProcessor(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext) (outcome interfaces.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor.Process(ctx, ev, opCtx, ev.Cancel)
}

func bufferSizeFor(data []byte) uint32 {
	n := len(data)
	if n < 1024 {
		n = 1024
	}
	if n > constants.MaxBufferSize {
		n = constants.MaxBufferSize
	}
	return uint32(n)
}

func (w *Worker) handleSuccess(ev interfaces.IOEvent, opCtx *interfaces.OperationContext, outcome interfaces.Outcome) {
	now := time.Now()
	success := true
	opCtx.CompletedTime = &now
	opCtx.Success = &success
	opCtx.BytesProcessed = outcome.BytesProcessed
	opCtx.Metadata["ProcessingEndTime"] = now.Format(time.RFC3339Nano)
	opCtx.Metadata["outcome"] = "Success"

	w.processed.Add(1)
	w.recovery.MarkSuccessful(ev.ID)
	w.removePending(ev.ID)
}

func (w *Worker) handleFailure(ev interfaces.IOEvent, opCtx *interfaces.OperationContext, err error) {
	now := time.Now()
	failed := false
	opCtx.CompletedTime = &now
	opCtx.Success = &failed
	opCtx.ErrorMessage = err.Error()
	opCtx.Metadata["ErrorMessage"] = err.Error()
	opCtx.Metadata["ErrorTimestamp"] = now.Format(time.RFC3339Nano)

	// A mid-run cancellation (the event's own token tripped, or its
	// deadline-derived ctx was cancelled because of it) is a terminal state
	// of its own, never a retry candidate: it never reaches ErrorRecovery,
	// so it can't trip the circuit breaker or consume an attempt, and it's
	// counted against cancelled, not failed.
	if errors.Is(err, context.Canceled) {
		opCtx.Metadata["outcome"] = "Cancelled"
		w.cancelled.Add(1)
		w.removePending(ev.ID)
		return
	}

	opCtx.Metadata["outcome"] = "Failed"
	w.emit(interfaces.AlertEventProcessingFailed, ev.ID, err.Error())

	result := w.recovery.AttemptRecovery(ev.ID, err, ev)
	switch result.Kind {
	case recovery.RecoveryQueued:
		w.addPending(ev.ID, ev, opCtx)
		return
	default:
		w.failed.Add(1)
		w.removePending(ev.ID)
	}
}

func (w *Worker) recordFailure(operationID, msg string, err error) {
	w.failed.Add(1)
	w.emit(interfaces.AlertEventProcessingFailed, operationID, err.Error())
}

func (w *Worker) addPending(id string, ev interfaces.IOEvent, opCtx *interfaces.OperationContext) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.pending[id] = &pendingRetry{event: ev, opCtx: opCtx}
}

func (w *Worker) removePending(id string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	delete(w.pending, id)
}

// retryLoop polls ErrorRecovery's backoff schedule for this worker's own
// pending retries and replays them once due. Recovery only tracks retry
// policy state, not the original event payload, so the Worker that
// dequeued the event is the only place that can actually re-invoke it.
func (w *Worker) retryLoop() {
	defer close(w.retryDone)
	ticker := time.NewTicker(constants.RecoverySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.retryStop:
			return
		case <-ticker.C:
			w.retryDueOperations()
		}
	}
}

func (w *Worker) retryDueOperations() {
	w.pendingMu.Lock()
	due := make([]*pendingRetry, 0)
	for id, p := range w.pending {
		if w.recovery.DueForRetry(id) {
			due = append(due, p)
		}
	}
	w.pendingMu.Unlock()

	for _, p := range due {
		w.activeOps.Store(p.event.ID, p.opCtx)
		w.runProcessor(context.Background(), p.event, p.opCtx)
		w.activeOps.Delete(p.event.ID)
	}
}

// eventContext derives a context bounded by deadline and, if cancel is
// non-nil, also cancelled the moment the event's own cancel token trips.
func eventContext(parent context.Context, deadline time.Duration, cancel interfaces.CancelToken) (context.Context, context.CancelFunc) {
	ctx, cancelFn := context.WithTimeout(parent, deadline)
	if cancel == nil {
		return ctx, cancelFn
	}
	go func() {
		select {
		case <-cancel.Done():
			cancelFn()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelFn
}
