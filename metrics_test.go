package govhd

import "testing"

func TestMetricsSnapshotInitialState(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	if snap.DataReads != 0 || snap.DataWrites != 0 {
		t.Errorf("expected zero ops initially, got reads=%d writes=%d", snap.DataReads, snap.DataWrites)
	}
	if snap.ErrorRate != 0 {
		t.Errorf("expected zero error rate with no ops, got %f", snap.ErrorRate)
	}
}

func TestMetricsRecordDataReadWrite(t *testing.T) {
	m := NewMetrics()
	m.RecordDataRead(1024, 1_000_000, true)
	m.RecordDataWrite(2048, 2_000_000, true)
	m.RecordDataRead(512, 500_000, false)

	snap := m.Snapshot()
	if snap.DataReads != 2 {
		t.Errorf("expected 2 data reads, got %d", snap.DataReads)
	}
	if snap.DataWrites != 1 {
		t.Errorf("expected 1 data write, got %d", snap.DataWrites)
	}
	if snap.DataReadBytes != 1024 {
		t.Errorf("expected 1024 bytes counted for the successful read only, got %d", snap.DataReadBytes)
	}
	if snap.DataWriteBytes != 2048 {
		t.Errorf("expected 2048 write bytes, got %d", snap.DataWriteBytes)
	}
	if snap.DataReadErrors != 1 {
		t.Errorf("expected 1 read error, got %d", snap.DataReadErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsRecordMetadataCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordBitmapRead()
	m.RecordBitmapRead()
	m.RecordBitmapWrite()
	m.RecordZeroBitmapWrite()
	m.RecordBATWrite()
	m.RecordCacheEviction()
	m.RecordBATBusy()
	m.RecordCacheBusy()

	snap := m.Snapshot()
	if snap.BitmapReads != 2 {
		t.Errorf("expected 2 bitmap reads, got %d", snap.BitmapReads)
	}
	if snap.BitmapWrites != 1 || snap.ZeroBitmapWrites != 1 || snap.BATWrites != 1 {
		t.Errorf("expected one each of bitmap/zero-bitmap/BAT writes, got %+v", snap)
	}
	if snap.CacheEvictions != 1 || snap.BATBusyEvents != 1 || snap.CacheBusyEvents != 1 {
		t.Errorf("expected one each of the busy/eviction counters, got %+v", snap)
	}
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 100; i++ {
		m.RecordDataRead(4096, 10_000, true) // every op in the second (10us) bucket
	}
	snap := m.Snapshot()
	if snap.LatencyP50Ns > LatencyBuckets[1] {
		t.Errorf("expected p50 within the first two buckets, got %d", snap.LatencyP50Ns)
	}
	if snap.AvgLatencyNs != 10_000 {
		t.Errorf("expected avg latency 10000ns, got %d", snap.AvgLatencyNs)
	}
}

func TestMetricsStopFreezesUptime(t *testing.T) {
	m := NewMetrics()
	m.Stop()
	snap1 := m.Snapshot()
	snap2 := m.Snapshot()
	if snap1.UptimeNs != snap2.UptimeNs {
		t.Error("expected uptime frozen after Stop, but it changed between snapshots")
	}
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveDataRead(100, 1000, true)
	obs.ObserveDataWrite(200, 2000, true)
	obs.ObserveBitmapRead()
	obs.ObserveBitmapWrite()
	obs.ObserveZeroBitmapWrite()
	obs.ObserveBATWrite()
	obs.ObserveCacheEviction()
	obs.ObserveBATBusy()
	obs.ObserveCacheBusy()

	snap := m.Snapshot()
	if snap.DataReads != 1 || snap.DataWrites != 1 {
		t.Errorf("expected the observer's calls recorded into the backing metrics, got %+v", snap)
	}
	if snap.BitmapReads != 1 || snap.BitmapWrites != 1 || snap.ZeroBitmapWrites != 1 || snap.BATWrites != 1 {
		t.Errorf("expected the observer's metadata calls recorded, got %+v", snap)
	}
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var obs Observer = NoOpObserver{}
	// Must not panic; these calls have nowhere to record to.
	obs.ObserveDataRead(1, 1, true)
	obs.ObserveDataWrite(1, 1, false)
	obs.ObserveBitmapRead()
	obs.ObserveBitmapWrite()
	obs.ObserveZeroBitmapWrite()
	obs.ObserveBATWrite()
	obs.ObserveCacheEviction()
	obs.ObserveBATBusy()
	obs.ObserveCacheBusy()
}
