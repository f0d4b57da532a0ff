package constants

import "time"

// Default configuration constants, one per knob enumerated in the engine's
// external-interfaces configuration list.
const (
	// DefaultQueueCapacity is the default bounded capacity of each EventQueue.
	DefaultQueueCapacity = 1024

	// DefaultBatchMax is the default max_n passed to EventQueue.TakeBatch.
	DefaultBatchMax = 32

	// WorkerParallelSubBatch is the fixed sub-batch size within one priority group.
	WorkerParallelSubBatch = 5

	// MaxPooledBuffersPerClass bounds each ResourcePool size class's free list.
	MaxPooledBuffersPerClass = 100

	// MaxBufferSize is the clamp applied to ResourcePool.GetBuffer requests (64 KiB).
	MaxBufferSize = 64 * 1024

	// MaxRecoveryAttempts is the default attempt ceiling before the circuit breaker opens.
	MaxRecoveryAttempts = 3

	// ConsecutiveFailuresToOpen is the streak of failures that opens the breaker.
	ConsecutiveFailuresToOpen = 3

	// ErrorHistoryCap bounds the ErrorRecovery ring buffer.
	ErrorHistoryCap = 1000
)

// Timing constants governing the engine's background sweepers and
// per-operation deadlines.
const (
	// BufferIdleExpire is how long an unused ResourceBuffer may sit in a
	// free list before cleanup_expired reclaims it.
	BufferIdleExpire = 5 * time.Minute

	// BufferExpireAccessCount is the access-count ceiling past which a
	// buffer is expired regardless of idle time.
	BufferExpireAccessCount = 1000

	// ResourcePoolCleanupInterval is the cadence of ResourcePool.cleanup_expired.
	ResourcePoolCleanupInterval = 60 * time.Second

	// RecoveryDelay is the base backoff before a retry becomes eligible.
	RecoveryDelay = 100 * time.Millisecond

	// RecoveryDelayPerAttempt is added to RecoveryDelay per prior attempt.
	RecoveryDelayPerAttempt = 100 * time.Millisecond

	// RecoverySweepInterval is the cadence of ErrorRecovery's background sweeper.
	RecoverySweepInterval = 500 * time.Millisecond

	// CircuitBreakerCooldown is how long an open breaker stays open before
	// allowing a half-open attempt.
	CircuitBreakerCooldown = 30 * time.Second

	// RecoveryStateIdleExpire is how long an idle RecoveryState survives cleanup.
	RecoveryStateIdleExpire = time.Hour

	// RecoveryStateMaxAge is the absolute age ceiling for a RecoveryState.
	RecoveryStateMaxAge = 24 * time.Hour

	// ProgressInterval is the cadence of ProgressTracker snapshots.
	ProgressInterval = 100 * time.Millisecond

	// OperationDeadline is the hard per-operation ceiling enforced by Worker.
	OperationDeadline = 5 * time.Minute

	// WorkerIdlePoll is how long a Worker sleeps after an empty TakeBatch or
	// while its queue is paused, before trying again.
	WorkerIdlePoll = 1 * time.Millisecond
)

// DedicatedPoolSize returns the default DedicatedThreadPool size:
// max(4, 2*logicalCPU), exactly the sizing heuristic named in the spec.
func DedicatedPoolSize(logicalCPU int) int {
	size := 2 * logicalCPU
	if size < 4 {
		return 4
	}
	return size
}
