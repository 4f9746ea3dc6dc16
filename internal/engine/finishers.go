package engine

import (
	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/wire"
)

// finishDataRead is the DATA_READ finisher: free the descriptor, then
// run the caller's callback with the completion's error. Reads never join a
// transaction.
func (e *Engine) finishDataRead(r *Request, err error) {
	cb := r.CallerDone
	e.pool.Put(r)
	if cb != nil {
		cb(err)
	}
}

// finishDataWrite is the DATA_WRITE finisher. A write with no
// transaction (a BitSet write to a non-DIFF image)
// signals its caller immediately; a write attached to a transaction
// defers its callback until the transaction finalizes, staging
// its sectors into the slot's shadow bitmap first when the image is
// DIFF type.
func (e *Engine) finishDataWrite(r *Request, err error) {
	tx := r.Tx
	if tx == nil {
		cb := r.CallerDone
		e.pool.Put(r)
		if cb != nil {
			cb(err)
		}
		return
	}
	if err == nil && e.diskType == constants.DiskTypeDiff {
		shadow := e.cache.EnsureShadow(tx.CacheSlot)
		wire.BitmapSetRun(shadow, int(r.SectorInBlk), int(r.NumSectors))
	}
	tx.MarkFinished(err)
}

// finishZeroBitmapWrite implements the ZERO_BM_WRITE finisher. Success
// or failure is folded into the owning transaction; whether to proceed
// to the BAT write is decided once the whole data phase (this write
// plus every data write in the tx) has landed, via onDataPhaseDone, so
// a BAT write never starts while a sibling data write is still
// outstanding.
func (e *Engine) finishZeroBitmapWrite(r *Request, err error) {
	r.Tx.MarkFinished(err)
}

// finishBATWrite implements the BAT_WRITE finisher: commit or roll
// back the in-memory BAT entry, then report into the transaction.
func (e *Engine) finishBATWrite(r *Request, err error) {
	if err == nil {
		e.bat.CommitBAT()
	} else {
		e.bat.RollbackBAT()
	}
	r.Tx.MarkFinished(err)
}

// finishBitmapWrite implements the BITMAP_WRITE finisher: atomically
// publish the shadow bitmap on success, or discard it on failure so a
// retry observes the pre-transaction bitmap.
func (e *Engine) finishBitmapWrite(r *Request, err error) {
	tx := r.Tx
	if err == nil {
		e.cache.CommitShadow(tx.CacheSlot)
	} else {
		e.cache.DiscardShadow(tx.CacheSlot)
	}
	tx.MarkFinished(err)
}

// finishBitmapRead implements the BITMAP_READ finisher: clear
// READ_PENDING and re-dispatch every blocked run. On failure the slot
// is evicted so the next Acquire for this block tries again from
// scratch rather than serving a half-read bitmap.
func (e *Engine) finishBitmapRead(r *Request, err error) {
	idx, ok := e.cache.Lookup(r.BlockIndex)
	if !ok {
		return
	}
	e.cache.SetReadPending(idx, false)
	e.cache.Unlock(idx)
	waiters := e.cache.DrainWaiters(idx)
	if err != nil {
		e.evict(idx)
	}
	for _, resume := range waiters {
		resume(err)
	}
}

// evict invalidates a cache slot outright, used when its bitmap read
// failed — there is nothing safe left to reuse in the slot.
func (e *Engine) evict(idx int) {
	e.cache.invalidate(idx)
}

// onDataPhaseDone is the "data-transaction finisher":
// invoked once every initially-tracked request (the grouped data
// writes and, for an allocating tx, the zero-bitmap write) has
// completed. On success it tracks and issues whatever metadata I/O
// the transaction still needs before closing; on failure it unwinds
// without ever committing a bitmap or BAT entry.
func (e *Engine) onDataPhaseDone(tx *Transaction) {
	if tx.Err != nil {
		if tx.Kind == TxBATAndBitmap {
			e.bat.RollbackBAT()
		}
		e.cache.DiscardShadow(tx.CacheSlot)
		tx.Close()
		return
	}

	// An allocating tx's block is not in the committed BAT yet, so its
	// bitmap location comes from the pending reservation.
	bmOffset := e.bitmapOffset(tx.BlockIndex)
	if tx.Kind == TxBATAndBitmap {
		bmOffset = e.bitmapOffsetAt(uint32(e.bat.pendingOffset))
	}

	if tx.Kind == TxBATAndBitmap {
		batReq := e.bat.BATWriteRequest()
		fileOffset, _ := e.bat.BATSectorFor(tx.BlockIndex)
		*batReq = Request{Kind: KindBATWrite, BlockIndex: tx.BlockIndex, FileOffset: fileOffset, Buffer: e.bat.EncodeSectorForPending()}
		tx.Track(batReq)
		e.submitIO(batReq, true)
	}

	if e.diskType == constants.DiskTypeDiff && e.cache.Dirty(tx.CacheSlot) {
		bmReq := e.cache.BitmapRequest(tx.CacheSlot)
		*bmReq = Request{Kind: KindBitmapWrite, BlockIndex: tx.BlockIndex, FileOffset: bmOffset, Buffer: e.cache.EnsureShadow(tx.CacheSlot)}
		tx.Track(bmReq)
		e.submitIO(bmReq, true)
	}

	tx.Close()
}

// finalizeTx is the "bitmap-transaction finalizer":
// signals every tracked data write's caller with the transaction's
// terminal error, returns their descriptors to the pool, unlocks the
// cache slot, and drains anything queued behind this transaction into
// a fresh one.
func (e *Engine) finalizeTx(tx *Transaction) {
	for _, r := range tx.Requests() {
		if r.CallerDone == nil {
			continue // the embedded zero-bm/BAT/bitmap descriptors have no caller
		}
		cb := r.CallerDone
		cb(tx.Err)
		if r.Kind == KindDataWrite {
			e.pool.Put(r)
		}
	}

	e.cache.SetTx(tx.CacheSlot, nil)
	e.cache.Unlock(tx.CacheSlot)

	drained := e.cache.DrainQueue(tx.CacheSlot)
	if len(drained) == 0 {
		return
	}
	next := NewTransaction(TxBitmapOnly, tx.BlockIndex, tx.CacheSlot, e.onDataPhaseDone)
	next.SetOnFinalize(e.finalizeTx)
	e.cache.SetTx(tx.CacheSlot, next)
	e.cache.Lock(tx.CacheSlot)
	for _, r := range drained {
		next.Track(r)
		e.submitIO(r, true)
	}
}
