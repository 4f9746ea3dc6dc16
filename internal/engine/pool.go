package engine

import "github.com/blktap/govhd/internal/constants"

// RequestPool is a fixed-size array of Request descriptors with a LIFO
// free list. The engine is single-threaded by design, so the free list
// needs no lock.
type RequestPool struct {
	slots []Request
	free  []int // stack of free slot indices; top of stack is len(free)-1
}

// NewRequestPool allocates a pool sized to a fixed number of request
// descriptors (constants.DataRequests), with every slot initially free.
func NewRequestPool() *RequestPool {
	p := &RequestPool{
		slots: make([]Request, constants.DataRequests),
		free:  make([]int, constants.DataRequests),
	}
	for i := range p.slots {
		p.slots[i].index = i
		p.free[i] = constants.DataRequests - 1 - i
	}
	return p
}

// Get pops a free descriptor, or reports ok=false when the pool is
// exhausted — the caller surfaces this as a transient BUSY condition
//, never blocks.
func (p *RequestPool) Get() (*Request, bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return &p.slots[idx], true
}

// Put resets and returns a descriptor to the free list. Callers must
// not touch r after calling Put.
func (p *RequestPool) Put(r *Request) {
	idx := r.index
	r.Reset()
	p.free = append(p.free, idx)
}

// InUse reports how many descriptors are currently checked out, for
// metrics and tests.
func (p *RequestPool) InUse() int {
	return len(p.slots) - len(p.free)
}

// Cap returns the pool's total capacity.
func (p *RequestPool) Cap() int {
	return len(p.slots)
}
