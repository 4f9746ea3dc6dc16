//go:build linux

package aio

import (
	"errors"
	"fmt"

	"github.com/pawelgaczynski/giouring"

	"github.com/blktap/govhd/internal/engine"
)

// uringRing implements engine.Ring directly against io_uring: a single
// submission/completion ring carrying plain IORING_OP_READ/WRITE ops,
// submitted in a batch and polled non-blockingly.
type uringRing struct {
	ring *giouring.Ring
}

// New creates an io_uring-backed Ring with room for entries in-flight
// submissions.
func New(entries uint32) (engine.Ring, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("aio: create io_uring: %w", err)
	}
	return &uringRing{ring: ring}, nil
}

func (r *uringRing) PrepareRead(fd int, offset int64, buf []byte, userData uint64) error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return errors.New("aio: submission queue full")
	}
	sqe.PrepareRead(fd, buf, uint64(offset))
	sqe.UserData = userData
	return nil
}

func (r *uringRing) PrepareWrite(fd int, offset int64, buf []byte, userData uint64) error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return errors.New("aio: submission queue full")
	}
	sqe.PrepareWrite(fd, buf, uint64(offset))
	sqe.UserData = userData
	return nil
}

func (r *uringRing) Submit() (int, error) {
	n, err := r.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("aio: submit: %w", err)
	}
	return int(n), nil
}

// Poll drains every completion currently queued without blocking,
// matching the engine's cooperative do_callbacks loop:
// the engine decides when to call Poll again, the ring never parks a
// goroutine waiting on the kernel.
func (r *uringRing) Poll() ([]engine.Completion, error) {
	var out []engine.Completion
	for {
		cqe, err := r.ring.PeekCQE()
		if err != nil || cqe == nil {
			break
		}
		out = append(out, engine.Completion{UserData: cqe.UserData, Result: cqe.Res})
		r.ring.CQESeen(cqe)
	}
	return out, nil
}

func (r *uringRing) Close() error {
	r.ring.QueueExit()
	return nil
}
