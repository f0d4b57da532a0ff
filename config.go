package ioengine

import (
	"runtime"
	"time"

	"github.com/ehrlich-b/ioengine/internal/constants"
)

// Re-export the tunable defaults for the public API, mirroring the
// teacher's constants.go re-export of internal/constants.
const (
	DefaultQueueCapacity      = constants.DefaultQueueCapacity
	DefaultBatchMax           = constants.DefaultBatchMax
	WorkerParallelSubBatch    = constants.WorkerParallelSubBatch
	MaxPooledBuffersPerClass  = constants.MaxPooledBuffersPerClass
	MaxBufferSize             = constants.MaxBufferSize
	MaxRecoveryAttempts       = constants.MaxRecoveryAttempts
	ConsecutiveFailuresToOpen = constants.ConsecutiveFailuresToOpen
	ErrorHistoryCap           = constants.ErrorHistoryCap

	BufferIdleExpire            = constants.BufferIdleExpire
	ResourcePoolCleanupInterval = constants.ResourcePoolCleanupInterval
	RecoveryDelay                = constants.RecoveryDelay
	RecoverySweepInterval        = constants.RecoverySweepInterval
	CircuitBreakerCooldown       = constants.CircuitBreakerCooldown
	ProgressInterval             = constants.ProgressInterval
	OperationDeadline            = constants.OperationDeadline
)

// Config holds every tunable named in the spec's external-interfaces
// configuration list. Grounded on the teacher's DefaultParams(backend)
// pattern in backend.go: one struct, one DefaultConfig constructor, fields
// grouped by the subsystem they govern.
type Config struct {
	// QueueCapacity is the bounded capacity applied to every EventQueue,
	// keyed by event type; an EventType absent from the map gets
	// DefaultQueueCapacity.
	QueueCapacity map[EventType]int

	// BatchMax is the per-type batch size hint passed to TakeBatch; absent
	// entries get DefaultBatchMax.
	BatchMax map[EventType]int

	// WorkerParallelSubBatch is the fixed sub-batch size (5). IsolationManager
	// does not pass it to its workers: they always split at
	// constants.WorkerParallelSubBatch, so changing this field has no effect.
	WorkerParallelSubBatch int

	// MaxPooledBuffersPerClass bounds each ResourcePool size class free list.
	MaxPooledBuffersPerClass int
	// MaxBufferSize clamps ResourcePool.GetBuffer requests.
	MaxBufferSize uint32
	// BufferIdleExpire is the idle threshold past which a buffer is expired.
	BufferIdleExpire time.Duration
	// ResourcePoolCleanupInterval is the default cadence of the expiration
	// sweep. IsolationManager does not read it; its sweep runs on
	// CleanupInterval.
	ResourcePoolCleanupInterval time.Duration

	// The six recovery fields below describe ErrorRecovery's policy.
	// IsolationManager builds its ErrorRecovery with the package defaults
	// and does not pass these fields to it, so changing them has no effect.

	// MaxRecoveryAttempts is the attempt ceiling before the breaker opens.
	MaxRecoveryAttempts int
	// RecoveryDelay is the base backoff before a retry becomes eligible.
	RecoveryDelay time.Duration
	// CircuitBreakerCooldown is how long an open breaker stays open.
	CircuitBreakerCooldown time.Duration
	// ConsecutiveFailuresToOpen is the streak of failures that opens the breaker.
	ConsecutiveFailuresToOpen int
	// ErrorHistoryCap bounds the ErrorRecovery ring buffer.
	ErrorHistoryCap int
	// RecoverySweepInterval is the cadence of the background recovery sweeper.
	RecoverySweepInterval time.Duration

	// DedicatedPoolSize is the fixed size of the DedicatedThreadPool.
	DedicatedPoolSize int
	// OperationDeadline bounds any single processor invocation.
	OperationDeadline time.Duration

	// ProgressInterval is the cadence of ProgressTracker snapshots.
	ProgressInterval time.Duration
	// CleanupInterval is the cadence of IsolationManager's cleanup sweep,
	// which runs both ResourcePool.CleanupExpired and ErrorRecovery.Cleanup.
	CleanupInterval time.Duration

	// PathValidator is consulted before any FileRead/FileWrite event is
	// dispatched; nil means "accept everything" (tests may leave this nil,
	// but production wiring should always supply one, per spec §6).
	PathValidator PathValidator
	// Logger is optional; nil means no logging.
	Logger Logger
	// Observer is optional; nil means a no-op observer.
	Observer Observer

	// Processors supplies the EventProcessor backing each event type the
	// manager should serve. An event type with no entry here never gets a
	// queue or worker: IsolationManager.Start only wires up the event types a
	// caller actually registered a processor for.
	Processors map[EventType]EventProcessor
}

// DefaultConfig returns a Config with every default named in the spec.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:               map[EventType]int{},
		BatchMax:                    map[EventType]int{},
		Processors:                  map[EventType]EventProcessor{},
		WorkerParallelSubBatch:      WorkerParallelSubBatch,
		MaxPooledBuffersPerClass:    MaxPooledBuffersPerClass,
		MaxBufferSize:               MaxBufferSize,
		BufferIdleExpire:            BufferIdleExpire,
		ResourcePoolCleanupInterval: ResourcePoolCleanupInterval,
		MaxRecoveryAttempts:         MaxRecoveryAttempts,
		RecoveryDelay:               RecoveryDelay,
		CircuitBreakerCooldown:      CircuitBreakerCooldown,
		ConsecutiveFailuresToOpen:   ConsecutiveFailuresToOpen,
		ErrorHistoryCap:             ErrorHistoryCap,
		RecoverySweepInterval:       RecoverySweepInterval,
		DedicatedPoolSize:           constants.DedicatedPoolSize(runtime.NumCPU()),
		OperationDeadline:           OperationDeadline,
		ProgressInterval:            ProgressInterval,
		CleanupInterval:             ResourcePoolCleanupInterval,
	}
}

// queueCapacityFor returns the configured capacity for eventType, falling
// back to DefaultQueueCapacity.
func (c Config) queueCapacityFor(eventType EventType) int {
	if v, ok := c.QueueCapacity[eventType]; ok && v > 0 {
		return v
	}
	return DefaultQueueCapacity
}

// batchMaxFor returns the configured batch size for eventType, falling back
// to DefaultBatchMax.
func (c Config) batchMaxFor(eventType EventType) int {
	if v, ok := c.BatchMax[eventType]; ok && v > 0 {
		return v
	}
	return DefaultBatchMax
}
