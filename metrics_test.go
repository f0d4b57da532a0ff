package ioengine

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	// Record some operations
	m.ObserveEvent(FileRead, 1024, 1000000, true)  // 1KB read, 1ms latency, success
	m.ObserveEvent(FileWrite, 2048, 2000000, true) // 2KB write, 2ms latency, success
	m.ObserveEvent(FileRead, 512, 500000, false)   // 512B read, 0.5ms latency, error

	snap = m.Snapshot()
	reads := snap.ByType[FileRead]
	writes := snap.ByType[FileWrite]

	// Check operation counts
	if reads.Ops != 2 {
		t.Errorf("Expected 2 read ops, got %d", reads.Ops)
	}
	if writes.Ops != 1 {
		t.Errorf("Expected 1 write op, got %d", writes.Ops)
	}

	// Check byte counts (only successful operations)
	if reads.Bytes != 1024 {
		t.Errorf("Expected 1024 read bytes, got %d", reads.Bytes)
	}
	if writes.Bytes != 2048 {
		t.Errorf("Expected 2048 write bytes, got %d", writes.Bytes)
	}

	// Check error counts
	if reads.Errors != 1 {
		t.Errorf("Expected 1 read error, got %d", reads.Errors)
	}
	if writes.Errors != 0 {
		t.Errorf("Expected 0 write errors, got %d", writes.Errors)
	}

	// Check error rate
	expectedErrorRate := float64(1) / float64(2) * 100.0 // 1 error out of 2 read ops
	if reads.ErrorRate < expectedErrorRate-0.1 || reads.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected read error rate ~%.1f%%, got %.1f%%", expectedErrorRate, reads.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	// Record queue depths
	m.ObserveQueueDepth(NetworkIO, 10)
	m.ObserveQueueDepth(NetworkIO, 20)
	m.ObserveQueueDepth(NetworkIO, 15)

	snap := m.Snapshot()
	netIO := snap.ByType[NetworkIO]

	// Check max queue depth
	if netIO.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", netIO.MaxQueueDepth)
	}

	// Check average queue depth
	expectedAvg := float64(10+20+15) / 3.0
	if netIO.AvgQueueDepth < expectedAvg-0.1 || netIO.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, netIO.AvgQueueDepth)
	}

	// An event type with no recorded depths is untouched.
	if other := snap.ByType[AudioInput]; other.MaxQueueDepth != 0 {
		t.Errorf("Expected AudioInput queue depth to be untouched, got %+v", other)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	// Record operations with known latencies
	m.ObserveEvent(FileRead, 1024, 1000000, true)  // 1ms
	m.ObserveEvent(FileRead, 1024, 2000000, true) // 2ms

	snap := m.Snapshot()
	reads := snap.ByType[FileRead]

	// Check average latency
	expectedAvgNs := uint64(1500000) // 1.5ms in nanoseconds
	if reads.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, reads.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	// Sleep briefly to generate uptime
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	// Check that uptime is reasonable (should be at least 10ms)
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	// Stop metrics and check stopped uptime
	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	// Uptime should not have increased significantly after stop
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 { // Allow 2ms tolerance
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestObserver(t *testing.T) {
	// Test NoOpObserver doesn't panic
	observer := NoOpObserver{}
	observer.ObserveEvent(FileRead, 1024, 1000000, true)
	observer.ObserveQueueDepth(FileRead, 10)

	// Test MetricsObserver forwards to metrics
	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveEvent(FileRead, 1024, 1000000, true)
	metricsObserver.ObserveEvent(FileWrite, 2048, 2000000, true)

	snap := m.Snapshot()
	if snap.ByType[FileRead].Ops != 1 {
		t.Errorf("Expected 1 read op from observer, got %d", snap.ByType[FileRead].Ops)
	}
	if snap.ByType[FileWrite].Ops != 1 {
		t.Errorf("Expected 1 write op from observer, got %d", snap.ByType[FileWrite].Ops)
	}
	if snap.ByType[FileRead].Bytes != 1024 {
		t.Errorf("Expected 1024 read bytes from observer, got %d", snap.ByType[FileRead].Bytes)
	}
	if snap.ByType[FileWrite].Bytes != 2048 {
		t.Errorf("Expected 2048 write bytes from observer, got %d", snap.ByType[FileWrite].Bytes)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	// Simulate a known time period
	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	// Record operations
	m.ObserveEvent(FileRead, 1024, 1000000, true)
	m.ObserveEvent(FileWrite, 2048, 2000000, true)

	// Simulate 1 second has passed
	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()
	reads := snap.ByType[FileRead]
	writes := snap.ByType[FileWrite]

	// Check IOPS rates (should be ~1/sec each)
	if reads.IOPS < 0.9 || reads.IOPS > 1.1 {
		t.Errorf("Expected read IOPS ~1.0, got %.2f", reads.IOPS)
	}
	if writes.IOPS < 0.9 || writes.IOPS > 1.1 {
		t.Errorf("Expected write IOPS ~1.0, got %.2f", writes.IOPS)
	}

	// Check bandwidth rates (should be ~1024 B/s read, ~2048 B/s write)
	if reads.Bandwidth < 1000 || reads.Bandwidth > 1050 {
		t.Errorf("Expected read bandwidth ~1024, got %.2f", reads.Bandwidth)
	}
	if writes.Bandwidth < 2000 || writes.Bandwidth > 2100 {
		t.Errorf("Expected write bandwidth ~2048, got %.2f", writes.Bandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// Record operations with various latencies on one event type:
	// 50 ops at 500us, 49 ops at 5ms, 1 op at 50ms (the slowest, above P99).
	for i := 0; i < 50; i++ {
		m.ObserveEvent(NetworkIO, 1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.ObserveEvent(NetworkIO, 1024, 5_000_000, true) // 5ms
	}
	m.ObserveEvent(NetworkIO, 1024, 50_000_000, true) // 50ms

	snap := m.Snapshot()
	netIO := snap.ByType[NetworkIO]

	if netIO.Ops != 100 {
		t.Errorf("Expected 100 total ops, got %d", netIO.Ops)
	}

	// P50 should land in the 100us-1ms bucket range.
	if netIO.LatencyP50Ns < 100_000 || netIO.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", netIO.LatencyP50Ns)
	}

	// P99 should land in the 5ms-100ms range.
	if netIO.LatencyP99Ns < 5_000_000 || netIO.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", netIO.LatencyP99Ns)
	}
}
