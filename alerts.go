package ioengine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/ioengine/internal/interfaces"
)

// Re-export the alert taxonomy at the package root, same pattern as
// errors.go's ErrorCode re-export: internal/worker and internal/recovery
// only know interfaces.Alert{,Kind,Bus} to avoid an import cycle.
type (
	Alert     = interfaces.Alert
	AlertKind = interfaces.AlertKind
)

const (
	AlertWorkerStarted            = interfaces.AlertWorkerStarted
	AlertWorkerError              = interfaces.AlertWorkerError
	AlertEventProcessingFailed    = interfaces.AlertEventProcessingFailed
	AlertBatchProcessingFailed    = interfaces.AlertBatchProcessingFailed
	AlertWorkerStopTimeout        = interfaces.AlertWorkerStopTimeout
	AlertWorkerDisposeError       = interfaces.AlertWorkerDisposeError
	AlertResourcePoolCleanupError = interfaces.AlertResourcePoolCleanupError
	AlertCircuitBreakerOpened     = interfaces.AlertCircuitBreakerOpened
	AlertCircuitBreakerClosed     = interfaces.AlertCircuitBreakerClosed
)

// AlertSubscriber receives alerts from an EventBus. OnAlert is called
// synchronously from the bus's own per-subscriber delivery goroutine, never
// from the publisher's goroutine, so a slow subscriber only ever delays
// itself.
type AlertSubscriber interface {
	OnAlert(Alert)
}

// AlertSubscriberFunc adapts a function to AlertSubscriber.
type AlertSubscriberFunc func(Alert)

func (f AlertSubscriberFunc) OnAlert(a Alert) { f(a) }

const (
	alertBufferSize  = 64
	alertSendRetries = 3
)

// alertSub is one subscriber's delivery channel and drop bookkeeping.
type alertSub struct {
	ch         chan Alert
	dropped    atomic.Uint64
	loggedDrop atomic.Bool
}

// EventBus is the engine's in-process alert bus: Emit fans a typed Alert
// out to every subscriber without blocking the caller beyond a brief,
// bounded retry against a full buffer. Grounded on the registration-map
// plus buffered-per-subscriber-channel shape common to the retrieved
// pub/sub examples, simplified to the engine's actual need: no topic
// filtering, no per-subscriber retry policy, a single drop-and-log-once
// fallback instead of a circuit breaker (the breaker concern already lives
// in internal/recovery, scoped to I/O operations, not bus delivery).
type EventBus struct {
	mu   sync.RWMutex
	subs []*alertSub

	logger Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEventBus creates an alert bus. logger may be nil (drops go unlogged).
func NewEventBus(logger Logger) *EventBus {
	return &EventBus{logger: logger, stopCh: make(chan struct{})}
}

// Subscribe registers sub and starts its dedicated delivery goroutine.
func (b *EventBus) Subscribe(sub AlertSubscriber) {
	s := &alertSub{ch: make(chan Alert, alertBufferSize)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case a := <-s.ch:
				sub.OnAlert(a)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Emit implements interfaces.AlertBus. It never blocks the caller beyond a
// few bounded retries against a full per-subscriber buffer; once those are
// exhausted for one subscriber the alert is dropped for that subscriber and
// the drop is logged exactly once (not once per dropped alert, so a
// sustained overload doesn't itself become a log-spam problem).
func (b *EventBus) Emit(a Alert) {
	b.mu.RLock()
	subs := make([]*alertSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, a)
	}
}

func (b *EventBus) deliver(s *alertSub, a Alert) {
	for attempt := 0; attempt < alertSendRetries; attempt++ {
		select {
		case s.ch <- a:
			return
		default:
			if attempt < alertSendRetries-1 {
				time.Sleep(time.Millisecond)
			}
		}
	}
	s.dropped.Add(1)
	if b.logger != nil && !s.loggedDrop.Swap(true) {
		b.logger.Printf("ioengine: alert subscriber buffer full, dropping alerts (kind=%s)", a.Kind)
	}
}

// Stop ends every subscriber's delivery goroutine and waits for them to
// exit. Emit after Stop delivers to no one: no subscriber goroutine remains
// to drain the channel, so alerts fill its buffer and are then dropped (and
// logged once) as for any full subscriber; the send itself stays safe since
// the channel is never closed.
func (b *EventBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

var _ interfaces.AlertBus = (*EventBus)(nil)
