package walb

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a walb
// engine
type Metrics struct {
	// Operation counters
	PackWrites  atomic.Uint64 // Log-pack writes submitted to the log device
	DataWrites  atomic.Uint64 // Data-device writes
	RedoApplies atomic.Uint64 // Redo pack applications
	Checkpoints atomic.Uint64 // Checkpoint syncs
	FlushOps    atomic.Uint64 // Log-device flushes

	// Sector counters
	PackSectors atomic.Uint64 // Physical blocks appended to the log
	DataSectors atomic.Uint64 // Logical sectors applied to the data device
	RedoRecords atomic.Uint64 // Records replayed by redo

	// Error counters
	PackErrors       atomic.Uint64
	DataErrors       atomic.Uint64
	RedoErrors       atomic.Uint64
	CheckpointErrors atomic.Uint64
	FlushErrors      atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative operation latency in nanoseconds
	OpCount        atomic.Uint64 // Total operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	Buckets [numLatencyBuckets]atomic.Uint64

	// Engine lifecycle
	StartTime atomic.Int64 // Engine start timestamp (UnixNano)
	StopTime  atomic.Int64 // Engine stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordPackWrite records a log-pack write
func (m *Metrics) RecordPackWrite(sectors uint64, latencyNs uint64, success bool) {
	m.PackWrites.Add(1)
	if success {
		m.PackSectors.Add(sectors)
	} else {
		m.PackErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDataWrite records a data-device write
func (m *Metrics) RecordDataWrite(sectors uint64, latencyNs uint64, success bool) {
	m.DataWrites.Add(1)
	if success {
		m.DataSectors.Add(sectors)
	} else {
		m.DataErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRedoApply records one redo pack application
func (m *Metrics) RecordRedoApply(records uint64, latencyNs uint64, success bool) {
	m.RedoApplies.Add(1)
	if success {
		m.RedoRecords.Add(records)
	} else {
		m.RedoErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCheckpoint records one checkpoint sync
func (m *Metrics) RecordCheckpoint(latencyNs uint64, success bool) {
	m.Checkpoints.Add(1)
	if !success {
		m.CheckpointErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a log-device flush
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records current queue depth for statistics
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	// Update max queue depth atomically
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.Buckets[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	PackWrites  uint64
	DataWrites  uint64
	RedoApplies uint64
	Checkpoints uint64
	FlushOps    uint64

	PackSectors uint64
	DataSectors uint64
	RedoRecords uint64

	PackErrors       uint64
	DataErrors       uint64
	RedoErrors       uint64
	CheckpointErrors uint64
	FlushErrors      uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	TotalOps  uint64
	ErrorRate float64 // Percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PackWrites:       m.PackWrites.Load(),
		DataWrites:       m.DataWrites.Load(),
		RedoApplies:      m.RedoApplies.Load(),
		Checkpoints:      m.Checkpoints.Load(),
		FlushOps:         m.FlushOps.Load(),
		PackSectors:      m.PackSectors.Load(),
		DataSectors:      m.DataSectors.Load(),
		RedoRecords:      m.RedoRecords.Load(),
		PackErrors:       m.PackErrors.Load(),
		DataErrors:       m.DataErrors.Load(),
		RedoErrors:       m.RedoErrors.Load(),
		CheckpointErrors: m.CheckpointErrors.Load(),
		FlushErrors:      m.FlushErrors.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.PackWrites + snap.DataWrites + snap.RedoApplies + snap.Checkpoints + snap.FlushOps

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.PackErrors + snap.DataErrors + snap.RedoErrors + snap.CheckpointErrors + snap.FlushErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	return snap
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.PackWrites.Store(0)
	m.DataWrites.Store(0)
	m.RedoApplies.Store(0)
	m.Checkpoints.Store(0)
	m.FlushOps.Store(0)
	m.PackSectors.Store(0)
	m.DataSectors.Store(0)
	m.RedoRecords.Store(0)
	m.PackErrors.Store(0)
	m.DataErrors.Store(0)
	m.RedoErrors.Store(0)
	m.CheckpointErrors.Store(0)
	m.FlushErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.Buckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObservePackWrite(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveDataWrite(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveRedoApply(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveCheckpoint(uint64, bool)         {}
func (NoOpObserver) ObserveFlush(uint64, bool)              {}
func (NoOpObserver) ObserveQueueDepth(uint32)               {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePackWrite(sectors uint64, latencyNs uint64, success bool) {
	o.metrics.RecordPackWrite(sectors, latencyNs, success)
}

func (o *MetricsObserver) ObserveDataWrite(sectors uint64, latencyNs uint64, success bool) {
	o.metrics.RecordDataWrite(sectors, latencyNs, success)
}

func (o *MetricsObserver) ObserveRedoApply(records uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRedoApply(records, latencyNs, success)
}

func (o *MetricsObserver) ObserveCheckpoint(latencyNs uint64, success bool) {
	o.metrics.RecordCheckpoint(latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface checks
var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
