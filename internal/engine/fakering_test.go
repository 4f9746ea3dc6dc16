package engine

// recordedOp captures one PrepareRead/PrepareWrite call's file offset
// and buffer length, so a test can assert I/O landed where the write
// path's own bookkeeping (BAT entries, reserved sectors) says it
// should, instead of only checking that a callback eventually fired.
type recordedOp struct {
	write  bool
	offset int64
	length int
}

// fakeRing is a minimal in-process Ring double for engine unit tests:
// every prepared op completes successfully the next time Poll is
// called, in FIFO order. It never touches a real file descriptor.
type fakeRing struct {
	pending []Completion
	closed  bool
	ops     []recordedOp

	// failNext, if non-empty, is consumed FIFO: a true means the next
	// prepared op completes with a negative (failure) result instead.
	failNext []bool
}

func (r *fakeRing) prepare(offset int64, buf []byte, userData uint64, write bool) error {
	fail := false
	if len(r.failNext) > 0 {
		fail = r.failNext[0]
		r.failNext = r.failNext[1:]
	}
	result := int32(len(buf))
	if fail {
		result = -5
	}
	r.ops = append(r.ops, recordedOp{write: write, offset: offset, length: len(buf)})
	r.pending = append(r.pending, Completion{UserData: userData, Result: result})
	return nil
}

func (r *fakeRing) PrepareRead(fd int, offset int64, buf []byte, userData uint64) error {
	return r.prepare(offset, buf, userData, false)
}

func (r *fakeRing) PrepareWrite(fd int, offset int64, buf []byte, userData uint64) error {
	return r.prepare(offset, buf, userData, true)
}

func (r *fakeRing) Submit() (int, error) { return len(r.pending), nil }

func (r *fakeRing) Poll() ([]Completion, error) {
	out := r.pending
	r.pending = nil
	return out, nil
}

func (r *fakeRing) Close() error {
	r.closed = true
	return nil
}

var _ Ring = (*fakeRing)(nil)
