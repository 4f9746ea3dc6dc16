package engine

// Observer lets the root package's metrics adapter see inside the
// engine's completion path without the engine importing anything from
// the root package (the dependency only ever points inward). All
// methods are called synchronously from the same single-threaded loop
// that runs the rest of the engine, so an implementation need not be
// safe for concurrent use from the engine's own perspective — the root
// package's MetricsObserver happens to use atomics anyway since its
// Metrics type is also read from other goroutines (the owning Driver's
// Metrics()/MetricsSnapshot() callers).
type Observer interface {
	ObserveDataRead(bytes uint64, latencyNs uint64, success bool)
	ObserveDataWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveBitmapRead()
	ObserveBitmapWrite()
	ObserveZeroBitmapWrite()
	ObserveBATWrite()
	ObserveCacheEviction()
	ObserveBATBusy()
	// ObserveCacheBusy covers both bitmap-cache exhaustion and request-
	// pool exhaustion: the engine's request pool has no counterpart in
	// the root package's metrics taxonomy, and both conditions mean the
	// same thing to an operator — the scheduler returned BUSY for a
	// reason other than the single BAT slot.
	ObserveCacheBusy()
}

// noopObserver discards every observation; it is the Engine's default
// so call sites never need a nil check.
type noopObserver struct{}

func (noopObserver) ObserveDataRead(uint64, uint64, bool)  {}
func (noopObserver) ObserveDataWrite(uint64, uint64, bool) {}
func (noopObserver) ObserveBitmapRead()                    {}
func (noopObserver) ObserveBitmapWrite()                   {}
func (noopObserver) ObserveZeroBitmapWrite()               {}
func (noopObserver) ObserveBATWrite()                      {}
func (noopObserver) ObserveCacheEviction()                 {}
func (noopObserver) ObserveBATBusy()                       {}
func (noopObserver) ObserveCacheBusy()                     {}

var _ Observer = noopObserver{}
