package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/ioengine/internal/interfaces"
	"github.com/ehrlich-b/ioengine/internal/queue"
	"github.com/ehrlich-b/ioengine/internal/recovery"
)

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []interfaces.Alert
}

func (a *recordingAlerts) Emit(alert interfaces.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerts) count(kind interfaces.AlertKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, al := range a.alerts {
		if al.Kind == kind {
			n++
		}
	}
	return n
}

// funcProcessor adapts a plain function to interfaces.EventProcessor.
type funcProcessor struct {
	fn func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error)
}

func (f *funcProcessor) Process(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
	return f.fn(ctx, ev, opCtx, cancel)
}

type fakeCancelToken struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

func newFakeCancelToken() *fakeCancelToken {
	return &fakeCancelToken{done: make(chan struct{})}
}

func (c *fakeCancelToken) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.done)
	}
}

func (c *fakeCancelToken) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *fakeCancelToken) Done() <-chan struct{} { return c.done }

func newTestWorker(t *testing.T, eventType interfaces.EventType, processor interfaces.EventProcessor, alerts *recordingAlerts) (*Worker, *queue.EventQueue) {
	t.Helper()
	q := queue.NewEventQueue(eventType, 100)
	pool := queue.NewResourcePool(10, 64*1024, time.Minute)
	rec := recovery.New()
	w := New(Config{
		EventType: eventType,
		Queue:     q,
		Processor: processor,
		Pool:      pool,
		Recovery:  rec,
		Alerts:    alerts,
		BatchMax:  32,
		Deadline:  time.Second,
	})
	return w, q
}

func TestWorker_ParallelDispatch_OverlapsInTime(t *testing.T) {
	alerts := &recordingAlerts{}
	var starts []time.Time
	var mu sync.Mutex

	proc := &funcProcessor{fn: func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		return interfaces.Outcome{}, nil
	}}

	w, q := newTestWorker(t, interfaces.EventFileRead, proc, alerts)
	w.threads = NewDedicatedThreadPool(4)
	defer w.threads.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 4; i++ {
		q.Push(interfaces.IOEvent{ID: uuidLike(i), Type: interfaces.EventFileRead, Priority: interfaces.PriorityMedium})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	first, last := starts[0], starts[len(starts)-1]
	mu.Unlock()
	assert.Less(t, last.Sub(first), 25*time.Millisecond, "parallel events should start close together")

	w.Stop(time.Second)
}

func TestWorker_SequentialDispatch_NeverOverlaps(t *testing.T) {
	alerts := &recordingAlerts{}
	var mu sync.Mutex
	active := 0
	var maxActive int32

	proc := &funcProcessor{fn: func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
		mu.Lock()
		active++
		if int32(active) > maxActive {
			maxActive = int32(active)
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return interfaces.Outcome{}, nil
	}}

	w, q := newTestWorker(t, interfaces.EventAudioOutput, proc, alerts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 6; i++ {
		q.Push(interfaces.IOEvent{ID: uuidLike(i), Type: interfaces.EventAudioOutput, Priority: interfaces.PriorityMedium})
	}

	require.Eventually(t, func() bool {
		return w.Snapshot().EventsProcessed == 6
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), maxActive, "audio events must never overlap on one worker")
	w.Stop(time.Second)
}

func TestWorker_PanicIsRecoveredAsFailure(t *testing.T) {
	alerts := &recordingAlerts{}
	proc := &funcProcessor{fn: func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
		panic("processor exploded")
	}}

	w, q := newTestWorker(t, interfaces.EventMetadataUpdate, proc, alerts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	q.Push(interfaces.IOEvent{ID: "evt-panic", Type: interfaces.EventMetadataUpdate, Priority: interfaces.PriorityLow})

	require.Eventually(t, func() bool {
		return w.Snapshot().EventsFailed == 1
	}, 2*time.Second, 5*time.Millisecond)

	w.Stop(time.Second)
}

func TestWorker_CancelledEventIsDroppedNotFailed(t *testing.T) {
	alerts := &recordingAlerts{}
	var invoked atomic.Bool
	proc := &funcProcessor{fn: func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
		invoked.Store(true)
		return interfaces.Outcome{}, nil
	}}

	w, q := newTestWorker(t, interfaces.EventCacheUpdate, proc, alerts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	token := newFakeCancelToken()
	token.Cancel()
	q.Push(interfaces.IOEvent{ID: "evt-cancelled", Type: interfaces.EventCacheUpdate, Priority: interfaces.PriorityLow, Cancel: token})

	q.Push(interfaces.IOEvent{ID: "evt-sentinel", Type: interfaces.EventCacheUpdate, Priority: interfaces.PriorityLow})

	require.Eventually(t, func() bool {
		return w.Snapshot().EventsProcessed == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, invoked.Load(), "cancelled event must never reach the processor")
	assert.Equal(t, uint64(0), w.Snapshot().EventsFailed)
	w.Stop(time.Second)
}

func TestWorker_MidRunCancellationIsCancelledNotFailed(t *testing.T) {
	alerts := &recordingAlerts{}
	token := newFakeCancelToken()
	proc := &funcProcessor{fn: func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
		<-ctx.Done()
		return interfaces.Outcome{}, ctx.Err()
	}}

	w, q := newTestWorker(t, interfaces.EventCacheUpdate, proc, alerts)
	w.deadline = time.Minute // only the explicit Cancel() below should end this

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	q.Push(interfaces.IOEvent{ID: "evt-midrun-cancel", Type: interfaces.EventCacheUpdate, Priority: interfaces.PriorityLow, Cancel: token})

	require.Eventually(t, func() bool {
		return len(w.ActiveOperations()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	token.Cancel()

	require.Eventually(t, func() bool {
		return w.Snapshot().EventsCancelled == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(0), w.Snapshot().EventsFailed, "a mid-run cancellation must never be counted as a failure")
	assert.Equal(t, uint64(0), w.Snapshot().EventsProcessed)

	// The cancelled attempt must never be scheduled for retry.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), w.Snapshot().EventsFailed)
	assert.Equal(t, uint64(1), w.Snapshot().EventsCancelled)

	w.Stop(time.Second)
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	alerts := &recordingAlerts{}
	var attempts atomic.Int32
	proc := &funcProcessor{fn: func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
		n := attempts.Add(1)
		if n < 3 {
			return interfaces.Outcome{}, errors.New("transient failure")
		}
		return interfaces.Outcome{BytesProcessed: 10}, nil
	}}

	w, q := newTestWorker(t, interfaces.EventFileWrite, proc, alerts)
	w.recovery.Stop() // not needed here, retryLoop drives retries directly

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	q.Push(interfaces.IOEvent{ID: "evt-retry", Type: interfaces.EventFileWrite, Priority: interfaces.PriorityMedium})

	require.Eventually(t, func() bool {
		return attempts.Load() == 3
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return w.Snapshot().EventsProcessed == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, uint64(0), w.Snapshot().EventsFailed)
	w.Stop(time.Second)
}

func TestWorker_ValidationRejectsBadPath(t *testing.T) {
	alerts := &recordingAlerts{}
	proc := &funcProcessor{fn: func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
		return interfaces.Outcome{}, nil
	}}

	w, q := newTestWorker(t, interfaces.EventFileWrite, proc, alerts)
	w.validator = rejectingValidator{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	q.Push(interfaces.IOEvent{ID: "evt-bad-path", Type: interfaces.EventFileWrite, Priority: interfaces.PriorityLow, FilePath: "/etc/shadow"})

	require.Eventually(t, func() bool {
		return w.Snapshot().EventsFailed == 1
	}, 2*time.Second, 5*time.Millisecond)

	w.Stop(time.Second)
}

type rejectingValidator struct{}

func (rejectingValidator) ValidateRead(path string) interfaces.Validation {
	return interfaces.Validation{OK: false, Reason: "outside sandbox"}
}
func (rejectingValidator) ValidateWrite(path string) interfaces.Validation {
	return interfaces.Validation{OK: false, Reason: "outside sandbox"}
}

func TestWorker_StopDrainsQueuedWork(t *testing.T) {
	alerts := &recordingAlerts{}
	var processed atomic.Int32
	proc := &funcProcessor{fn: func(ctx context.Context, ev interfaces.IOEvent, opCtx *interfaces.OperationContext, cancel interfaces.CancelToken) (interfaces.Outcome, error) {
		processed.Add(1)
		return interfaces.Outcome{}, nil
	}}

	w, q := newTestWorker(t, interfaces.EventSpoutData, proc, alerts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		q.Push(interfaces.IOEvent{ID: uuidLike(i), Type: interfaces.EventSpoutData, Priority: interfaces.PriorityLow})
	}

	w.Stop(2 * time.Second)
	assert.Equal(t, int32(5), processed.Load())
	assert.Equal(t, StateStopped, w.State())
}

func uuidLike(i int) string {
	return "evt-" + string(rune('a'+i))
}
