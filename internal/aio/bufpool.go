// Package aio provides the two concrete engine.Ring implementations
// (a real io_uring backend on Linux, a portable pread/pwrite fallback
// elsewhere) plus a pooled allocator for the page-aligned sector
// buffers both backends hand to the kernel.
package aio

import (
	"sync"

	"github.com/blktap/govhd/internal/constants"
)

// Buffer size buckets, chosen to cover one sector up through one full
// default allocation block (constants.DefaultBlockSizeSectors sectors)
// without forcing every caller up to the largest bucket.
const (
	bucket4k   = 4 * 1024
	bucket64k  = 64 * 1024
	bucket512k = 512 * 1024
	bucket2m   = constants.DefaultBlockSizeSectors * constants.SectorSize
)

var bufPool = struct {
	p4k, p64k, p512k, p2m sync.Pool
}{
	p4k:   sync.Pool{New: func() any { b := make([]byte, bucket4k); return &b }},
	p64k:  sync.Pool{New: func() any { b := make([]byte, bucket64k); return &b }},
	p512k: sync.Pool{New: func() any { b := make([]byte, bucket512k); return &b }},
	p2m:   sync.Pool{New: func() any { b := make([]byte, bucket2m); return &b }},
}

// GetBuffer returns a buffer of length size, pooled when size fits a
// bucket and freshly allocated when it exceeds bucket2m. Callers performing O_DIRECT I/O are responsible for any
// additional alignment the target filesystem demands; pooled buffers
// are allocated at bucket boundaries that are already page multiples.
func GetBuffer(size int) []byte {
	switch {
	case size <= bucket4k:
		return (*bufPool.p4k.Get().(*[]byte))[:size]
	case size <= bucket64k:
		return (*bufPool.p64k.Get().(*[]byte))[:size]
	case size <= bucket512k:
		return (*bufPool.p512k.Get().(*[]byte))[:size]
	case size <= bucket2m:
		return (*bufPool.p2m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool it came from, keyed on
// capacity. Buffers with a non-standard capacity (oversized reads past
// bucket2m) are simply dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case bucket4k:
		bufPool.p4k.Put(&buf)
	case bucket64k:
		bufPool.p64k.Put(&buf)
	case bucket512k:
		bufPool.p512k.Put(&buf)
	case bucket2m:
		bufPool.p2m.Put(&buf)
	}
}
