// Package recovery implements the engine's error-recovery layer: a
// per-operation attempt counter, a fixed backoff schedule and a circuit
// breaker, fed by a ring-buffered error log. It has no direct teacher
// equivalent (go-ublk simply returns the raw io_uring completion error to
// the caller); the state machine here is grounded on the teacher's
// *Error taxonomy (Op/Code/Inner) for classifying what was retried, and on
// its general habit of a ticker-driven background sweep over a map
// (ResourcePool.cleanup_expired's pattern, generalized to a shorter tick).
package recovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ehrlich-b/ioengine/internal/constants"
	"github.com/ehrlich-b/ioengine/internal/interfaces"
)

// ResultKind is the outcome of an AttemptRecovery call.
type ResultKind int

const (
	// RecoveryQueued means the caller should retry; Attempt holds the new
	// attempt count.
	RecoveryQueued ResultKind = iota
	// CircuitOpen means the breaker is open and the cooldown has not
	// elapsed; the caller must not retry yet.
	CircuitOpen
	// MaxAttemptsReached means the attempt ceiling was hit on this call;
	// the breaker has just been opened.
	MaxAttemptsReached
	// NotRetryable means can_retry rejected this error/event combination
	// outright (cancellation, a validation or invalid-argument error,
	// critical priority, UserInput, or a permission error above Low
	// priority); no further attempts will be scheduled.
	NotRetryable
)

// Result is the return value of AttemptRecovery.
type Result struct {
	Kind    ResultKind
	Attempt int
}

// ErrorRecord is one entry in the ring-buffered error log.
type ErrorRecord struct {
	OperationID string
	EventType   interfaces.EventType
	Code        interfaces.ErrorCode
	Message     string
	Time        time.Time
}

// RecoveryState tracks one operation's retry history.
type RecoveryState struct {
	OperationID            string
	EventType              interfaces.EventType
	Priority               interfaces.Priority
	CreationTime           time.Time
	AttemptCount           int
	ErrorCount             int
	ConsecutiveFailures    int
	LastErrorTime          time.Time
	LastSuccessTime        time.Time
	CircuitBreakerOpen     bool
	CircuitBreakerOpenedAt time.Time

	mu sync.Mutex
}

// RecoveryStatistics is a point-in-time view of ErrorRecovery activity.
type RecoveryStatistics struct {
	TotalAttempts  uint64
	TotalSuccesses uint64
	TotalFailures  uint64
	ActiveStates   int
	OpenBreakers   int
	ErrorsByCode   map[interfaces.ErrorCode]uint64
}

// ErrorRecovery implements the retry/backoff/circuit-breaker policy shared
// by every Worker. One instance serves the whole engine; RecoveryState is
// keyed per operation_id so concurrent operations never contend on each
// other's retry bookkeeping.
type ErrorRecovery struct {
	maxAttempts       int
	recoveryDelay     time.Duration
	delayPerAttempt   time.Duration
	circuitCooldown   time.Duration
	failuresToOpen    int
	stateIdleExpire   time.Duration
	stateMaxAge       time.Duration

	states sync.Map // string -> *RecoveryState

	logMu    sync.Mutex
	log      []ErrorRecord
	logHead  int
	logCount int
	logCap   int

	totalAttempts  atomic.Uint64
	totalSuccesses atomic.Uint64
	totalFailures  atomic.Uint64

	sweepOnce sync.Once
	stopCh    chan struct{}
	stopped   atomic.Bool
}

// New builds an ErrorRecovery with the spec's default policy knobs.
func New() *ErrorRecovery {
	return &ErrorRecovery{
		maxAttempts:     constants.MaxRecoveryAttempts,
		recoveryDelay:   constants.RecoveryDelay,
		delayPerAttempt: constants.RecoveryDelayPerAttempt,
		circuitCooldown: constants.CircuitBreakerCooldown,
		failuresToOpen:  constants.ConsecutiveFailuresToOpen,
		stateIdleExpire: constants.RecoveryStateIdleExpire,
		stateMaxAge:     constants.RecoveryStateMaxAge,
		logCap:          constants.ErrorHistoryCap,
		stopCh:          make(chan struct{}),
	}
}

func (r *ErrorRecovery) stateFor(operationID string, event interfaces.IOEvent) *RecoveryState {
	if v, ok := r.states.Load(operationID); ok {
		return v.(*RecoveryState)
	}
	fresh := &RecoveryState{
		OperationID:  operationID,
		EventType:    event.Type,
		Priority:     event.Priority,
		CreationTime: time.Now(),
	}
	actual, _ := r.states.LoadOrStore(operationID, fresh)
	return actual.(*RecoveryState)
}

func (r *ErrorRecovery) recordError(operationID string, eventType interfaces.EventType, code interfaces.ErrorCode, msg string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	rec := ErrorRecord{OperationID: operationID, EventType: eventType, Code: code, Message: msg, Time: time.Now()}
	if r.log == nil {
		r.log = make([]ErrorRecord, r.logCap)
	}
	r.log[r.logHead] = rec
	r.logHead = (r.logHead + 1) % r.logCap
	if r.logCount < r.logCap {
		r.logCount++
	}
}

// errorCode extracts the shared taxonomy code from err, if it carries one
// (the root package's *Error implements interfaces.CodedError); otherwise
// falls back to a conservative classification of the raw error.
func errorCode(err error) interfaces.ErrorCode {
	var coded interfaces.CodedError
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return classifyRaw(err)
}

// classifyRaw mirrors the root package's own classification for errors
// that never passed through WrapError; duplicated rather than imported
// because this package is a dependency of the root package, not the
// reverse.
func classifyRaw(err error) interfaces.ErrorCode {
	switch {
	case errors.Is(err, context.Canceled):
		return interfaces.ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return interfaces.ErrCodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return interfaces.ErrCodeTimeout
		}
		return interfaces.ErrCodeTransientIO
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPERM, syscall.EACCES:
			return interfaces.ErrCodePermissionDenied
		case syscall.ETIMEDOUT:
			return interfaces.ErrCodeTimeout
		case syscall.EINVAL, syscall.E2BIG:
			return interfaces.ErrCodeInvalidArgument
		default:
			return interfaces.ErrCodeTransientIO
		}
	}

	return interfaces.ErrCodeTransientIO
}

// canRetry decides retryability: timeouts, I/O errors and socket errors
// are retryable; UserInput and Critical-priority events never retry;
// permission denials retry only for Low-priority events; a cancelled
// operation is never retried, regardless of priority or event type — the
// producer or a deadline deliberately ended it, so scheduling a replay
// would run it again against a token that already tripped.
func canRetry(code interfaces.ErrorCode, event interfaces.IOEvent) bool {
	if code == interfaces.ErrCodeCancelled {
		return false
	}
	if event.Priority == interfaces.PriorityCritical {
		return false
	}
	if event.Type == interfaces.EventUserInput {
		return false
	}
	if code == interfaces.ErrCodePermissionDenied {
		return event.Priority == interfaces.PriorityLow
	}
	if code == interfaces.ErrCodeValidation || code == interfaces.ErrCodeInvalidArgument {
		return false
	}
	return true
}

// AttemptRecovery records a failure and decides whether (and when) the
// operation should be retried.
func (r *ErrorRecovery) AttemptRecovery(operationID string, err error, event interfaces.IOEvent) Result {
	code := errorCode(err)
	r.recordError(operationID, event.Type, code, err.Error())
	r.totalAttempts.Add(1)

	state := r.stateFor(operationID, event)

	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()
	state.ErrorCount++
	state.ConsecutiveFailures++
	state.LastErrorTime = now

	if !canRetry(code, event) {
		state.CircuitBreakerOpen = true
		state.CircuitBreakerOpenedAt = now
		r.totalFailures.Add(1)
		return Result{Kind: NotRetryable}
	}

	if state.CircuitBreakerOpen {
		if now.Sub(state.CircuitBreakerOpenedAt) < r.circuitCooldown {
			r.totalFailures.Add(1)
			return Result{Kind: CircuitOpen}
		}
		// Cooldown elapsed: half-open, reset the attempt counter and allow
		// exactly one more attempt through the normal path below.
		state.AttemptCount = 0
		state.CircuitBreakerOpen = false
	}

	if state.AttemptCount >= r.maxAttempts {
		state.CircuitBreakerOpen = true
		state.CircuitBreakerOpenedAt = now
		r.totalFailures.Add(1)
		return Result{Kind: MaxAttemptsReached}
	}

	state.AttemptCount++
	return Result{Kind: RecoveryQueued, Attempt: state.AttemptCount}
}

// MarkSuccessful clears an operation's failure streak and closes its
// breaker. Safe to call for an operation_id that never failed.
func (r *ErrorRecovery) MarkSuccessful(operationID string) {
	v, ok := r.states.Load(operationID)
	if !ok {
		return
	}
	state := v.(*RecoveryState)

	state.mu.Lock()
	state.LastSuccessTime = time.Now()
	state.ConsecutiveFailures = 0
	state.CircuitBreakerOpen = false
	state.mu.Unlock()

	r.totalSuccesses.Add(1)
}

// backoffFor returns recovery_delay + attempt_count*100ms for the state's
// current attempt count. Caller must hold state.mu.
func (r *ErrorRecovery) backoffFor(state *RecoveryState) time.Duration {
	return r.recoveryDelay + time.Duration(state.AttemptCount)*r.delayPerAttempt
}

// DueForRetry reports whether operationID's backoff window has elapsed and
// its breaker is closed, i.e. the Worker should re-invoke the processor
// now. Intended to be polled by the sweeper, but exposed for callers that
// want to check eagerly.
func (r *ErrorRecovery) DueForRetry(operationID string) bool {
	v, ok := r.states.Load(operationID)
	if !ok {
		return false
	}
	state := v.(*RecoveryState)

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.CircuitBreakerOpen {
		return false
	}
	if state.ConsecutiveFailures >= r.failuresToOpen {
		state.CircuitBreakerOpen = true
		state.CircuitBreakerOpenedAt = time.Now()
		return false
	}
	return time.Since(state.LastErrorTime) >= r.backoffFor(state)
}

// RunSweeper starts the background goroutine that scans for states whose
// backoff window has elapsed, invoking onDue(operationID) for each. It
// returns immediately; call Stop to end the sweep loop. Safe to call only
// once per ErrorRecovery.
func (r *ErrorRecovery) RunSweeper(ctx context.Context, onDue func(operationID string)) {
	r.sweepOnce.Do(func() {
		go r.sweepLoop(ctx, onDue)
	})
}

func (r *ErrorRecovery) sweepLoop(ctx context.Context, onDue func(operationID string)) {
	ticker := time.NewTicker(constants.RecoverySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.states.Range(func(key, value any) bool {
				operationID := key.(string)
				if r.DueForRetry(operationID) && onDue != nil {
					onDue(operationID)
				}
				return true
			})
		}
	}
}

// Stop ends the background sweeper, if running.
func (r *ErrorRecovery) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stopCh)
	}
}

// Cleanup drops states idle past stateIdleExpire or older than
// stateMaxAge, returning the number removed.
func (r *ErrorRecovery) Cleanup() int {
	now := time.Now()
	removed := 0

	r.states.Range(func(key, value any) bool {
		state := value.(*RecoveryState)
		state.mu.Lock()
		last := state.LastErrorTime
		if state.LastSuccessTime.After(last) {
			last = state.LastSuccessTime
		}
		idle := now.Sub(last) >= r.stateIdleExpire
		old := now.Sub(state.CreationTime) >= r.stateMaxAge
		state.mu.Unlock()

		if idle || old {
			r.states.Delete(key)
			removed++
		}
		return true
	})

	return removed
}

// Snapshot returns a point-in-time view of recovery activity.
func (r *ErrorRecovery) Snapshot() RecoveryStatistics {
	stats := RecoveryStatistics{
		TotalAttempts:  r.totalAttempts.Load(),
		TotalSuccesses: r.totalSuccesses.Load(),
		TotalFailures:  r.totalFailures.Load(),
		ErrorsByCode:   make(map[interfaces.ErrorCode]uint64),
	}

	r.states.Range(func(_, value any) bool {
		state := value.(*RecoveryState)
		stats.ActiveStates++
		state.mu.Lock()
		if state.CircuitBreakerOpen {
			stats.OpenBreakers++
		}
		state.mu.Unlock()
		return true
	})

	r.logMu.Lock()
	for i := 0; i < r.logCount; i++ {
		stats.ErrorsByCode[r.log[i].Code]++
	}
	r.logMu.Unlock()

	return stats
}
