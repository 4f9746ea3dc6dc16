package engine

import "errors"

// ErrNotAllocated signals a read over a sector range that has no
// backing data in this image (a sparse hole); the host dispatcher is
// expected to consult a parent image.
var ErrNotAllocated = errors.New("engine: sector range not allocated")

// ErrBusy signals transient resource exhaustion (request pool, bitmap
// cache, or the single BAT pending-write slot) — the caller should
// retry after any in-flight completion.
var ErrBusy = errors.New("engine: busy, retry after next completion")

// ErrInvalidRange signals a request outside the image's current size.
var ErrInvalidRange = errors.New("engine: sector range out of bounds")
