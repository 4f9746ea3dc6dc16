package govhd

import (
	"sync"

	"github.com/blktap/govhd/internal/engine"
)

// MockRing provides an in-memory implementation of internal/engine.Ring
// for deterministic tests of the engine and driver: a fixed backing
// buffer, immediate completion, and call-count tracking for
// verification, with no real file descriptor or io_uring instance
// involved.
type MockRing struct {
	mu   sync.Mutex
	data []byte

	pending    []engine.Completion
	submitted  []mockOp
	readCalls  int
	writeCalls int
	submits    int
	polls      int
	closed     bool

	// FailNextN operations (reads and writes, counted together) return
	// a negative result instead of succeeding, for exercising the
	// driver's and engine's error paths.
	FailNextN int
}

type mockOp struct {
	write    bool
	offset   int64
	length   int
	userData uint64
}

// NewMockRing creates a mock ring backed by a zeroed buffer of size
// bytes.
func NewMockRing(size int64) *MockRing {
	return &MockRing{data: make([]byte, size)}
}

func (r *MockRing) PrepareRead(fd int, offset int64, buf []byte, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readCalls++
	r.submitted = append(r.submitted, mockOp{write: false, offset: offset, length: len(buf), userData: userData})
	r.queueCompletion(func() int32 {
		if offset < 0 || offset+int64(len(buf)) > int64(len(r.data)) {
			return -1
		}
		copy(buf, r.data[offset:offset+int64(len(buf))])
		return int32(len(buf))
	}, userData)
	return nil
}

func (r *MockRing) PrepareWrite(fd int, offset int64, buf []byte, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeCalls++
	r.submitted = append(r.submitted, mockOp{write: true, offset: offset, length: len(buf), userData: userData})
	r.queueCompletion(func() int32 {
		if offset < 0 || offset+int64(len(buf)) > int64(len(r.data)) {
			return -1
		}
		copy(r.data[offset:offset+int64(len(buf))], buf)
		return int32(len(buf))
	}, userData)
	return nil
}

// queueCompletion resolves an operation immediately (the mock ring has
// no real asynchrony) unless FailNextN has marked it to fail, mirroring
// a real ring's eventual CQE without requiring a Submit/Poll round trip
// to observe the result through the buffer.
func (r *MockRing) queueCompletion(apply func() int32, userData uint64) {
	var result int32
	if r.FailNextN > 0 {
		r.FailNextN--
		result = -1
	} else {
		result = apply()
	}
	r.pending = append(r.pending, engine.Completion{UserData: userData, Result: result})
}

// Submit is a no-op: the mock ring resolves operations as they are
// prepared, queuing their completions for the next Poll.
func (r *MockRing) Submit() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	n := len(r.submitted)
	r.submitted = r.submitted[:0]
	return n, nil
}

// Poll drains every completion queued since the last call.
func (r *MockRing) Poll() ([]engine.Completion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	out := r.pending
	r.pending = nil
	return out, nil
}

func (r *MockRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Data returns a copy of the ring's backing buffer for assertions.
func (r *MockRing) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// CallCounts returns the number of times each ring method has been
// invoked, for verifying an engine issued the I/O a scenario expects.
func (r *MockRing) CallCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]int{
		"read":   r.readCalls,
		"write":  r.writeCalls,
		"submit": r.submits,
		"poll":   r.polls,
	}
}

// IsClosed reports whether Close has been called.
func (r *MockRing) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var _ engine.Ring = (*MockRing)(nil)
