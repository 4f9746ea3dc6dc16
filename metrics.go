package govhd

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
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

// Metrics tracks performance and operational statistics for an open
// Driver: data reads/writes, bitmap reads/writes, zero-bitmap writes,
// BAT writes, cache evictions, and the two transient back-pressure
// counters.
type Metrics struct {
	DataReads  atomic.Uint64
	DataWrites atomic.Uint64

	DataReadBytes  atomic.Uint64
	DataWriteBytes atomic.Uint64

	DataReadErrors  atomic.Uint64
	DataWriteErrors atomic.Uint64

	BitmapReads      atomic.Uint64
	BitmapWrites     atomic.Uint64
	ZeroBitmapWrites atomic.Uint64
	BATWrites        atomic.Uint64

	CacheEvictions atomic.Uint64
	BATBusyEvents  atomic.Uint64
	CacheBusyEvents atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time set.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDataRead records a data-read run's outcome.
func (m *Metrics) RecordDataRead(bytes uint64, latencyNs uint64, success bool) {
	m.DataReads.Add(1)
	if success {
		m.DataReadBytes.Add(bytes)
	} else {
		m.DataReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDataWrite records a data-write run's outcome.
func (m *Metrics) RecordDataWrite(bytes uint64, latencyNs uint64, success bool) {
	m.DataWrites.Add(1)
	if success {
		m.DataWriteBytes.Add(bytes)
	} else {
		m.DataWriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordBitmapRead records a bitmap-cache-miss load.
func (m *Metrics) RecordBitmapRead() { m.BitmapReads.Add(1) }

// RecordBitmapWrite records a bitmap commit write.
func (m *Metrics) RecordBitmapWrite() { m.BitmapWrites.Add(1) }

// RecordZeroBitmapWrite records the zero-bitmap write issued when a
// new block is allocated.
func (m *Metrics) RecordZeroBitmapWrite() { m.ZeroBitmapWrites.Add(1) }

// RecordBATWrite records a block-allocation-table sector write.
func (m *Metrics) RecordBATWrite() { m.BATWrites.Add(1) }

// RecordCacheEviction records a bitmap-cache slot eviction.
func (m *Metrics) RecordCacheEviction() { m.CacheEvictions.Add(1) }

// RecordBATBusy records a write rejected because another block
// allocation was already pending.
func (m *Metrics) RecordBATBusy() { m.BATBusyEvents.Add(1) }

// RecordCacheBusy records a request rejected because the bitmap cache
// had nothing evictable or the request pool was exhausted.
func (m *Metrics) RecordCacheBusy() { m.CacheBusyEvents.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the driver as stopped, freezing uptime calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived
// rates and latency percentiles filled in.
type MetricsSnapshot struct {
	DataReads        uint64
	DataWrites       uint64
	DataReadBytes    uint64
	DataWriteBytes   uint64
	DataReadErrors   uint64
	DataWriteErrors  uint64
	BitmapReads      uint64
	BitmapWrites     uint64
	ZeroBitmapWrites uint64
	BATWrites        uint64
	CacheEvictions   uint64
	BATBusyEvents    uint64
	CacheBusyEvents  uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS  float64
	WriteIOPS float64
	ErrorRate float64
}

// Snapshot takes a point-in-time copy of the metrics with derived
// statistics computed.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		DataReads:        m.DataReads.Load(),
		DataWrites:       m.DataWrites.Load(),
		DataReadBytes:    m.DataReadBytes.Load(),
		DataWriteBytes:   m.DataWriteBytes.Load(),
		DataReadErrors:   m.DataReadErrors.Load(),
		DataWriteErrors:  m.DataWriteErrors.Load(),
		BitmapReads:      m.BitmapReads.Load(),
		BitmapWrites:     m.BitmapWrites.Load(),
		ZeroBitmapWrites: m.ZeroBitmapWrites.Load(),
		BATWrites:        m.BATWrites.Load(),
		CacheEvictions:   m.CacheEvictions.Load(),
		BATBusyEvents:    m.BATBusyEvents.Load(),
		CacheBusyEvents:  m.CacheBusyEvents.Load(),
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

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.DataReads) / uptimeSeconds
		snap.WriteIOPS = float64(snap.DataWrites) / uptimeSeconds
	}

	totalErrors := snap.DataReadErrors + snap.DataWriteErrors
	totalOps := snap.DataReads + snap.DataWrites
	if totalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(totalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, called from the
// driver's completion path. Implementations must be safe for
// concurrent use, though with a single-threaded engine behind it each
// call currently arrives from one goroutine at a time.
type Observer interface {
	ObserveDataRead(bytes uint64, latencyNs uint64, success bool)
	ObserveDataWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveBitmapRead()
	ObserveBitmapWrite()
	ObserveZeroBitmapWrite()
	ObserveBATWrite()
	ObserveCacheEviction()
	ObserveBATBusy()
	ObserveCacheBusy()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDataRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveDataWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveBitmapRead()                    {}
func (NoOpObserver) ObserveBitmapWrite()                   {}
func (NoOpObserver) ObserveZeroBitmapWrite()                {}
func (NoOpObserver) ObserveBATWrite()                      {}
func (NoOpObserver) ObserveCacheEviction()                 {}
func (NoOpObserver) ObserveBATBusy()                       {}
func (NoOpObserver) ObserveCacheBusy()                     {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDataRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordDataRead(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveDataWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordDataWrite(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveBitmapRead()      { o.metrics.RecordBitmapRead() }
func (o *MetricsObserver) ObserveBitmapWrite()     { o.metrics.RecordBitmapWrite() }
func (o *MetricsObserver) ObserveZeroBitmapWrite() { o.metrics.RecordZeroBitmapWrite() }
func (o *MetricsObserver) ObserveBATWrite()        { o.metrics.RecordBATWrite() }
func (o *MetricsObserver) ObserveCacheEviction()   { o.metrics.RecordCacheEviction() }
func (o *MetricsObserver) ObserveBATBusy()         { o.metrics.RecordBATBusy() }
func (o *MetricsObserver) ObserveCacheBusy()       { o.metrics.RecordCacheBusy() }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
