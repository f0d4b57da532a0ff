package ioengine

import (
	"sync/atomic"
	"time"
)

// latencyBuckets are the histogram boundaries in nanoseconds, log-spaced
// from 1us to 10s, carried over unchanged from the teacher's device-level
// histogram (an I/O engine's latency spread is the same shape whether the
// unit of work is a block-device read or a FileRead event).
var latencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// typeMetrics is one event type's slice of the engine-wide counters.
type typeMetrics struct {
	Ops            atomic.Uint64
	Bytes          atomic.Uint64
	Errors         atomic.Uint64
	TotalLatencyNs atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32
}

// Metrics tracks per-event-type performance and operational statistics
// for the whole engine. Re-keyed from the teacher's fixed Read/Write/
// Discard/Flush counters onto the engine's eleven-member EventType set;
// the map is populated once at construction for every entry in
// AllEventTypes, so the hot path never takes a lock to find its counters.
type Metrics struct {
	byType map[EventType]*typeMetrics

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with one counter set pre-allocated
// per known event type.
func NewMetrics() *Metrics {
	m := &Metrics{byType: make(map[EventType]*typeMetrics, len(AllEventTypes))}
	for _, t := range AllEventTypes {
		m.byType[t] = &typeMetrics{}
	}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) counters(eventType EventType) *typeMetrics {
	if c, ok := m.byType[eventType]; ok {
		return c
	}
	// Defensive fallback for an event type outside AllEventTypes (should
	// never happen given the closed taxonomy, but avoids a nil deref).
	return &typeMetrics{}
}

// ObserveEvent implements interfaces.Observer: one completed event, its
// payload size, processing latency and whether it succeeded.
func (m *Metrics) ObserveEvent(eventType EventType, bytes uint64, latencyNs uint64, success bool) {
	c := m.counters(eventType)
	c.Ops.Add(1)
	if success {
		c.Bytes.Add(bytes)
	} else {
		c.Errors.Add(1)
	}
	c.TotalLatencyNs.Add(latencyNs)
	for i, bucket := range latencyBuckets {
		if latencyNs <= bucket {
			c.LatencyBuckets[i].Add(1)
		}
	}
}

// ObserveQueueDepth implements interfaces.Observer.
func (m *Metrics) ObserveQueueDepth(eventType EventType, depth int) {
	c := m.counters(eventType)
	c.QueueDepthTotal.Add(uint64(depth))
	c.QueueDepthCount.Add(1)
	for {
		current := c.MaxQueueDepth.Load()
		if uint32(depth) <= current {
			break
		}
		if c.MaxQueueDepth.CompareAndSwap(current, uint32(depth)) {
			break
		}
	}
}

// Stop marks the engine as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// TypeSnapshot is one event type's point-in-time statistics.
type TypeSnapshot struct {
	EventType     EventType
	Ops           uint64
	Bytes         uint64
	Errors        uint64
	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64
	AvgQueueDepth float64
	MaxQueueDepth uint32
	IOPS          float64
	Bandwidth     float64
	ErrorRate     float64
}

// MetricsSnapshot is a point-in-time view across every event type.
type MetricsSnapshot struct {
	ByType     map[EventType]TypeSnapshot
	TotalOps   uint64
	TotalBytes uint64
	TotalErrors uint64
	UptimeNs   uint64
}

// Snapshot computes derived per-type and aggregate statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{ByType: make(map[EventType]TypeSnapshot, len(m.byType))}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	uptimeSeconds := float64(snap.UptimeNs) / 1e9

	for eventType, c := range m.byType {
		ops := c.Ops.Load()
		bytes := c.Bytes.Load()
		errs := c.Errors.Load()

		ts := TypeSnapshot{
			EventType:     eventType,
			Ops:           ops,
			Bytes:         bytes,
			Errors:        errs,
			MaxQueueDepth: c.MaxQueueDepth.Load(),
		}

		if total := c.TotalLatencyNs.Load(); ops > 0 {
			ts.AvgLatencyNs = total / ops
			ts.LatencyP50Ns = calculatePercentile(c, ops, 0.50)
			ts.LatencyP99Ns = calculatePercentile(c, ops, 0.99)
			ts.LatencyP999Ns = calculatePercentile(c, ops, 0.999)
		}
		if count := c.QueueDepthCount.Load(); count > 0 {
			ts.AvgQueueDepth = float64(c.QueueDepthTotal.Load()) / float64(count)
		}
		if uptimeSeconds > 0 {
			ts.IOPS = float64(ops) / uptimeSeconds
			ts.Bandwidth = float64(bytes) / uptimeSeconds
		}
		if ops > 0 {
			ts.ErrorRate = float64(errs) / float64(ops) * 100.0
		}

		snap.ByType[eventType] = ts
		snap.TotalOps += ops
		snap.TotalBytes += bytes
		snap.TotalErrors += errs
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) via linear interpolation between histogram buckets, unchanged
// from the teacher's per-device estimator.
func calculatePercentile(c *typeMetrics, totalOps uint64, percentile float64) uint64 {
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range latencyBuckets {
		bucketCount := c.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = c.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return latencyBuckets[numLatencyBuckets-1]
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveEvent(EventType, uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueDepth(EventType, int)             {}

// MetricsObserver adapts a *Metrics to the Observer interface, mirroring
// the teacher's split between the counters (Metrics) and the pluggable
// sink interface (Observer) that other collaborators depend on.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver builds an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveEvent(eventType EventType, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.ObserveEvent(eventType, bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(eventType EventType, depth int) {
	o.metrics.ObserveQueueDepth(eventType, depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
	_ Observer = (*Metrics)(nil)
)
