package engine

import (
	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/wire"
)

// RunState is the classification a maximal sector run is given before
// the engine decides what I/O, if any, to schedule for it.
type RunState int

const (
	// BATClear is an unallocated block (not applicable to FIXED images,
	// which are short-circuited before classification runs at all).
	BATClear RunState = iota
	// BATLocked is a block whose allocation is blocked behind another
	// block's in-flight BAT write.
	BATLocked
	// BitSet covers a maximal run of sectors already present.
	BitSet
	// BitClear covers a maximal run of sectors known absent.
	BitClear
	// NotCached means the block is allocated but its bitmap is not in
	// the cache and no read for it is outstanding.
	NotCached
	// ReadPending means a bitmap read for this block is already in
	// flight; the caller must wait for it.
	ReadPending
)

// maxRunInBlock caps a run so it never straddles a block boundary
//.
func maxRunInBlock(sectorsPerBlock, sectorInBlock, requested uint32) uint32 {
	remaining := sectorsPerBlock - sectorInBlock
	if requested < remaining {
		return requested
	}
	return remaining
}

// classify determines the state of the run starting at
// (blockIndex, sectorInBlock) and, for BitSet/BitClear, how many
// sectors from there share that state (capped at maxRun). isWrite
// matters only for unallocated blocks: a read of a hole is always
// BATClear (it never contends for the pending-allocation slot), while
// a write that would need to allocate is BATLocked whenever any
// allocation — for this block or another — is already pending, since
// only one may be outstanding image-wide.
func (e *Engine) classify(blockIndex, sectorInBlock, maxRun uint32, isWrite bool) (state RunState, cacheSlot int, runLen uint32) {
	if !e.bat.IsAllocated(blockIndex) {
		if isWrite {
			if _, pending := e.bat.PendingBlock(); pending {
				return BATLocked, -1, maxRun
			}
		}
		return BATClear, -1, maxRun
	}

	idx, hit := e.cache.Lookup(blockIndex)
	if !hit {
		return NotCached, -1, maxRun
	}
	if e.cache.ReadPending(idx) {
		return ReadPending, idx, maxRun
	}

	// Non-DIFF (DYNAMIC) images carry a bitmap for write-path interlocks
	// only; every allocated block reads back as fully present regardless
	// of bitmap contents.
	if e.diskType != constants.DiskTypeDiff {
		return BitSet, idx, maxRun
	}

	bitmap := e.cache.Bitmap(idx)
	present := wire.BitmapTestBit(bitmap, int(sectorInBlock))
	run := uint32(wire.BitmapRunLength(bitmap, int(sectorInBlock), int(maxRun)))
	if present {
		return BitSet, idx, run
	}
	return BitClear, idx, run
}
