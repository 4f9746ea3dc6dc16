//go:build !linux

package aio

import (
	"golang.org/x/sys/unix"

	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/engine"
)

// genericRing implements engine.Ring on platforms without io_uring by
// farming each prepared operation out to a small worker pool that calls
// unix.Pread/Pwrite and reports back over a completion channel. Each
// Prepare* call hands its job to the workers at once and Submit is a
// no-op; Poll only ever
// drains what has already landed in the channel, preserving the same
// non-blocking do_callbacks contract the io_uring backend gives the
// engine.
type genericRing struct {
	jobs chan genericJob
	done chan engine.Completion
	stop chan struct{}
}

type genericJob struct {
	write    bool
	fd       int
	offset   int64
	buf      []byte
	userData uint64
}

const genericWorkers = 4

// New starts a worker pool backing a portable Ring. entries is
// accepted for signature parity with the io_uring backend but only
// sizes the job/completion channel buffers here.
func New(entries uint32) (engine.Ring, error) {
	depth := int(entries)
	if depth <= 0 {
		depth = constants.DefaultQueueDepth
	}
	r := &genericRing{
		jobs: make(chan genericJob, depth),
		done: make(chan engine.Completion, depth),
		stop: make(chan struct{}),
	}
	for i := 0; i < genericWorkers; i++ {
		go r.worker()
	}
	return r, nil
}

func (r *genericRing) worker() {
	for {
		select {
		case <-r.stop:
			return
		case j := <-r.jobs:
			var n int
			var err error
			if j.write {
				n, err = unix.Pwrite(j.fd, j.buf, j.offset)
			} else {
				n, err = unix.Pread(j.fd, j.buf, j.offset)
			}
			res := int32(n)
			if err != nil {
				res = -1
			}
			r.done <- engine.Completion{UserData: j.userData, Result: res}
		}
	}
}

func (r *genericRing) PrepareRead(fd int, offset int64, buf []byte, userData uint64) error {
	r.jobs <- genericJob{write: false, fd: fd, offset: offset, buf: buf, userData: userData}
	return nil
}

func (r *genericRing) PrepareWrite(fd int, offset int64, buf []byte, userData uint64) error {
	r.jobs <- genericJob{write: true, fd: fd, offset: offset, buf: buf, userData: userData}
	return nil
}

// Submit is a no-op: jobs are already dispatched to workers as they are
// prepared, since there is no separate kernel submission step to batch
// without io_uring.
func (r *genericRing) Submit() (int, error) { return 0, nil }

// Poll drains whatever completions have already arrived without
// blocking.
func (r *genericRing) Poll() ([]engine.Completion, error) {
	var out []engine.Completion
	for {
		select {
		case c := <-r.done:
			out = append(out, c)
		default:
			return out, nil
		}
	}
}

func (r *genericRing) Close() error {
	close(r.stop)
	return nil
}
