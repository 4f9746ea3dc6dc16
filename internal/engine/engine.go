// Package engine implements the asynchronous write-path state machine
// for a VHD image: the fixed request-descriptor pool, the bitmap-cache
// LRU, the BAT pending-write slot, the two-phase transaction engine,
// the maximal-run scheduler, and the completion finishers that drive
// them — all running cooperatively on a single goroutine, with the
// AIO ring as the only source of concurrency.
package engine

import (
	"fmt"
	"time"

	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/wire"
)

// Callback is invoked once per completed (or synthesized) run of a
// queued read or write. A single QueueRead/QueueWrite call may invoke
// it more than once when the requested range crosses a block boundary
// and its constituent runs resolve independently.
type Callback func(sectorOffset uint64, numSectors uint32, err error)

// Stats are process-local counters surfaced by the root package's
// metrics adapter.
type Stats struct {
	DataReads        uint64
	DataWrites       uint64
	BitmapReads      uint64
	BitmapWrites     uint64
	ZeroBitmapWrites uint64
	BATWrites        uint64
	CacheEvictions   uint64
	Busy             uint64
}

// Engine ties the pool, bitmap cache, BAT manager, and AIO ring
// together behind the QueueRead/QueueWrite/Submit/DoCallbacks surface
// the root driver forwards to.
type Engine struct {
	fd   int
	ring Ring

	pool *RequestPool
	cache *BitmapCache
	bat   *BATManager

	diskType        uint32
	sectorsPerBlock uint32
	bitmapSectors   uint32
	curSizeSectors  uint64

	nextUserData uint64
	inflight     map[uint64]*Request
	submittedAt  map[uint64]time.Time

	Stats    Stats
	observer Observer
}

// New builds an Engine over an already-decoded BAT and dynamic header.
// fd is the open container file descriptor; ring is the AIO backend.
// diskType distinguishes DYNAMIC from DIFF semantics (FIXED images
// never construct an Engine at all — the driver talks straight to the
// ring).
func New(fd int, ring Ring, batEntries []uint32, h *wire.DynamicHeader, diskType uint32, curSizeSectors uint64) *Engine {
	cache := NewBitmapCache(int(h.BitmapSectors()) * constants.SectorSize)
	e := &Engine{
		fd:              fd,
		ring:            ring,
		pool:            NewRequestPool(),
		cache:           cache,
		bat:             NewBATManager(batEntries, h),
		diskType:        diskType,
		sectorsPerBlock: h.SectorsPerBlock(),
		bitmapSectors:   h.BitmapSectors(),
		curSizeSectors:  curSizeSectors,
		inflight:        make(map[uint64]*Request),
		submittedAt:     make(map[uint64]time.Time),
		observer:        noopObserver{},
	}
	cache.SetOnEvict(func() {
		e.Stats.CacheEvictions++
		e.observer.ObserveCacheEviction()
	})
	return e
}

// SetObserver installs the observer the root driver's metrics adapter
// uses to see inside the completion path. Passing nil restores the
// no-op default.
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	e.observer = o
}

func (e *Engine) dataOffset(blockIndex, sectorInBlock uint32) int64 {
	return e.dataOffsetAt(e.bat.Entry(blockIndex), sectorInBlock)
}

func (e *Engine) bitmapOffset(blockIndex uint32) int64 {
	return e.bitmapOffsetAt(e.bat.Entry(blockIndex))
}

// dataOffsetAt and bitmapOffsetAt compute the same offsets as
// dataOffset/bitmapOffset but take the block's bitmap-sector start
// directly instead of looking it up in the committed BAT — needed for
// an allocating transaction, whose block has only a reserved sector
// offset (from BATManager.ReserveNewBlock) and no committed entry yet.
func (e *Engine) dataOffsetAt(bitmapSectorOffset, sectorInBlock uint32) int64 {
	dataSector := bitmapSectorOffset + e.bitmapSectors + sectorInBlock
	return int64(dataSector) * constants.SectorSize
}

func (e *Engine) bitmapOffsetAt(bitmapSectorOffset uint32) int64 {
	return int64(bitmapSectorOffset) * constants.SectorSize
}

// QueueRead splits [sectorOffset, sectorOffset+numSectors) into
// block-bounded runs and schedules each independently.
func (e *Engine) QueueRead(sectorOffset uint64, numSectors uint32, buf []byte, done Callback) error {
	return e.queue(sectorOffset, numSectors, buf, done, false)
}

// QueueWrite splits [sectorOffset, sectorOffset+numSectors) into
// block-bounded runs and schedules each independently.
func (e *Engine) QueueWrite(sectorOffset uint64, numSectors uint32, buf []byte, done Callback) error {
	return e.queue(sectorOffset, numSectors, buf, done, true)
}

func (e *Engine) queue(sectorOffset uint64, numSectors uint32, buf []byte, done Callback, isWrite bool) error {
	if numSectors == 0 {
		done(sectorOffset, 0, nil)
		return nil
	}
	if sectorOffset+uint64(numSectors) > e.curSizeSectors {
		return ErrInvalidRange
	}

	cur := sectorOffset
	remaining := numSectors
	for remaining > 0 {
		blockIndex := uint32(cur / uint64(e.sectorsPerBlock))
		sectorInBlock := uint32(cur % uint64(e.sectorsPerBlock))
		runCap := maxRunInBlock(e.sectorsPerBlock, sectorInBlock, remaining)

		state, slot, runLen := e.classify(blockIndex, sectorInBlock, runCap, isWrite)
		if runLen == 0 {
			runLen = runCap
		}

		runBuf := buf[:uint64(runLen)*constants.SectorSize]
		runStart := cur

		var err error
		if isWrite {
			err = e.scheduleWrite(state, slot, blockIndex, sectorInBlock, runLen, runStart, runBuf, done)
		} else {
			err = e.scheduleRead(state, slot, blockIndex, sectorInBlock, runLen, runStart, runBuf, done)
		}
		if err != nil {
			return err
		}

		buf = buf[uint64(runLen)*constants.SectorSize:]
		cur += uint64(runLen)
		remaining -= runLen
	}
	return nil
}

// scheduleRead dispatches one already-classified maximal run of a read.
func (e *Engine) scheduleRead(state RunState, slot int, blockIndex, sectorInBlock, runLen uint32, sectorOffset uint64, buf []byte, done Callback) error {
	switch state {
	case BATClear, BitClear:
		done(sectorOffset, runLen, ErrNotAllocated)
		return nil

	case BATLocked:
		// unreachable: classify never returns BATLocked for reads.
		done(sectorOffset, runLen, ErrBusy)
		return nil

	case NotCached:
		return e.startBitmapLoad(blockIndex, func(err error) {
			if err != nil {
				done(sectorOffset, runLen, err)
				return
			}
			_ = e.QueueRead(sectorOffset, runLen, buf, done)
		})

	case ReadPending:
		e.cache.AddWaiter(slot, func(err error) {
			if err != nil {
				done(sectorOffset, runLen, err)
				return
			}
			_ = e.QueueRead(sectorOffset, runLen, buf, done)
		})
		return nil

	case BitSet:
		r, ok := e.pool.Get()
		if !ok {
			e.Stats.Busy++
			e.observer.ObserveCacheBusy()
			return ErrBusy
		}
		r.Kind = KindDataRead
		r.BlockIndex = blockIndex
		r.FileOffset = e.dataOffset(blockIndex, sectorInBlock)
		r.Buffer = buf
		r.CallerDone = func(err error) { done(sectorOffset, runLen, err) }
		e.submitIO(r, false)
		return nil
	}
	return fmt.Errorf("engine: unhandled read state %d", state)
}

// scheduleWrite dispatches one already-classified maximal run of a
// write.
func (e *Engine) scheduleWrite(state RunState, slot int, blockIndex, sectorInBlock, runLen uint32, sectorOffset uint64, buf []byte, done Callback) error {
	switch state {
	case BATLocked:
		e.Stats.Busy++
		e.observer.ObserveBATBusy()
		return ErrBusy

	case BATClear:
		return e.openAllocatingTx(blockIndex, sectorInBlock, runLen, sectorOffset, buf, done)

	case NotCached:
		return e.startBitmapLoad(blockIndex, func(err error) {
			if err != nil {
				done(sectorOffset, runLen, err)
				return
			}
			_ = e.QueueWrite(sectorOffset, runLen, buf, done)
		})

	case ReadPending:
		e.cache.AddWaiter(slot, func(err error) {
			if err != nil {
				done(sectorOffset, runLen, err)
				return
			}
			_ = e.QueueWrite(sectorOffset, runLen, buf, done)
		})
		return nil

	case BitSet:
		if e.diskType != constants.DiskTypeDiff {
			return e.issuePlainWrite(blockIndex, sectorInBlock, runLen, sectorOffset, buf, done)
		}
		return e.joinBitmapTx(slot, blockIndex, sectorInBlock, runLen, sectorOffset, buf, done)

	case BitClear:
		return e.joinBitmapTx(slot, blockIndex, sectorInBlock, runLen, sectorOffset, buf, done)
	}
	return fmt.Errorf("engine: unhandled write state %d", state)
}

func (e *Engine) issuePlainWrite(blockIndex, sectorInBlock, runLen uint32, sectorOffset uint64, buf []byte, done Callback) error {
	r, ok := e.pool.Get()
	if !ok {
		e.Stats.Busy++
		e.observer.ObserveCacheBusy()
		return ErrBusy
	}
	r.Kind = KindDataWrite
	r.BlockIndex = blockIndex
	r.FileOffset = e.dataOffset(blockIndex, sectorInBlock)
	r.Buffer = buf
	r.CallerDone = func(err error) { done(sectorOffset, runLen, err) }
	e.submitIO(r, true)
	return nil
}

// startBitmapLoad issues the cache entry's embedded BITMAP_READ (or, if
// another run already raced one onto the same slot, just waits behind
// it) and arranges for resume to be invoked once it lands, re-entering
// the scheduler for the original run.
func (e *Engine) startBitmapLoad(blockIndex uint32, resume func(error)) error {
	slot, hit, err := e.cache.Acquire(blockIndex)
	if err != nil {
		e.Stats.Busy++
		e.observer.ObserveCacheBusy()
		return ErrBusy
	}
	if hit {
		if e.cache.ReadPending(slot) {
			e.cache.AddWaiter(slot, resume)
		} else {
			resume(nil)
		}
		return nil
	}
	e.cache.Lock(slot)
	e.cache.SetReadPending(slot, true)
	e.cache.AddWaiter(slot, resume)

	r := e.cache.BitmapRequest(slot)
	*r = Request{Kind: KindBitmapRead, BlockIndex: blockIndex, FileOffset: e.bitmapOffset(blockIndex), Buffer: e.cache.Bitmap(slot)}
	e.submitIO(r, false)
	return nil
}

// openAllocatingTx implements the BAT_CLEAR write action: reserve a
// new block, open a BAT-and-bitmap transaction, and schedule the
// zero-bitmap write plus the data write.
func (e *Engine) openAllocatingTx(blockIndex, sectorInBlock, runLen uint32, sectorOffset uint64, buf []byte, done Callback) error {
	dataReq, ok := e.pool.Get()
	if !ok {
		e.Stats.Busy++
		e.observer.ObserveCacheBusy()
		return ErrBusy
	}

	slot, hit, err := e.cache.Acquire(blockIndex)
	if err != nil {
		e.pool.Put(dataReq)
		e.Stats.Busy++
		e.observer.ObserveCacheBusy()
		return ErrBusy
	}
	if !hit {
		// fresh block: its bitmap starts all-zero, no disk read needed.
		for i := range e.cache.Bitmap(slot) {
			e.cache.Bitmap(slot)[i] = 0
		}
	}
	e.cache.Lock(slot)

	reservedSector, err := e.bat.ReserveNewBlock(blockIndex)
	if err != nil {
		e.cache.Unlock(slot)
		e.pool.Put(dataReq)
		e.Stats.Busy++
		e.observer.ObserveBATBusy()
		return ErrBusy
	}

	tx := NewTransaction(TxBATAndBitmap, blockIndex, slot, e.onDataPhaseDone)
	tx.SetOnFinalize(e.finalizeTx)
	e.cache.SetTx(slot, tx)

	// The BAT entry for blockIndex is still the unused sentinel until
	// CommitBAT runs in the BAT-write finisher, so both I/Os below
	// must derive their offsets from the reservation's own returned
	// sector, not from a BAT lookup.
	dataReq.Kind = KindDataWrite
	dataReq.BlockIndex = blockIndex
	dataReq.SectorInBlk = sectorInBlock
	dataReq.NumSectors = runLen
	dataReq.FileOffset = e.dataOffsetAt(reservedSector, sectorInBlock)
	dataReq.Buffer = buf
	dataReq.CallerDone = func(err error) { done(sectorOffset, runLen, err) }
	tx.Track(dataReq)

	zreq := e.bat.ZeroBMRequest()
	*zreq = Request{Kind: KindZeroBitmapWrite, BlockIndex: blockIndex, FileOffset: e.bitmapOffsetAt(reservedSector), Buffer: e.cache.Bitmap(slot)}
	tx.Track(zreq)

	e.submitIO(dataReq, true)
	e.submitIO(zreq, true)
	return nil
}

// joinBitmapTx implements the BIT_CLEAR (and DIFF BIT_SET) write
// action: join the cache entry's current open transaction, or open a
// fresh one, and track the data write under it.
func (e *Engine) joinBitmapTx(slot int, blockIndex, sectorInBlock, runLen uint32, sectorOffset uint64, buf []byte, done Callback) error {
	r, ok := e.pool.Get()
	if !ok {
		e.Stats.Busy++
		e.observer.ObserveCacheBusy()
		return ErrBusy
	}
	r.Kind = KindDataWrite
	r.BlockIndex = blockIndex
	r.SectorInBlk = sectorInBlock
	r.NumSectors = runLen
	r.FileOffset = e.dataOffset(blockIndex, sectorInBlock)
	r.Buffer = buf
	r.CallerDone = func(err error) { done(sectorOffset, runLen, err) }

	tx := e.cache.Tx(slot)
	switch {
	case tx != nil && tx.closed:
		// the open tx has already moved past accepting new members;
		// this write rides the next one.
		e.cache.Enqueue(slot, r)
		return nil
	case tx == nil:
		tx = NewTransaction(TxBitmapOnly, blockIndex, slot, e.onDataPhaseDone)
		tx.SetOnFinalize(e.finalizeTx)
		e.cache.SetTx(slot, tx)
	}
	tx.Track(r)
	e.submitIO(r, true)
	return nil
}

// Submit flushes the accumulated submission vector to the ring
//.
func (e *Engine) Submit() (int, error) {
	return e.ring.Submit()
}

// DoCallbacks performs a non-blocking completion drain and routes each
// event through its originating request's finisher.
func (e *Engine) DoCallbacks() error {
	completions, err := e.ring.Poll()
	if err != nil {
		return err
	}
	for _, c := range completions {
		r, ok := e.inflight[c.UserData]
		if !ok {
			continue
		}
		delete(e.inflight, c.UserData)
		latencyNs := uint64(0)
		if start, ok := e.submittedAt[c.UserData]; ok {
			latencyNs = uint64(time.Since(start))
			delete(e.submittedAt, c.UserData)
		}

		var ioErr error
		if c.Result < 0 {
			ioErr = fmt.Errorf("engine: io error, result=%d", c.Result)
		} else if int(c.Result) != len(r.Buffer) {
			ioErr = fmt.Errorf("engine: short io, got=%d want=%d", c.Result, len(r.Buffer))
		}
		e.dispatchCompletion(r, ioErr, latencyNs)
	}
	return nil
}

func (e *Engine) submitIO(r *Request, isWrite bool) {
	ud := e.nextUserData
	e.nextUserData++
	e.inflight[ud] = r
	e.submittedAt[ud] = time.Now()
	var err error
	if isWrite {
		err = e.ring.PrepareWrite(e.fd, r.FileOffset, r.Buffer, ud)
	} else {
		err = e.ring.PrepareRead(e.fd, r.FileOffset, r.Buffer, ud)
	}
	if err != nil {
		delete(e.inflight, ud)
		delete(e.submittedAt, ud)
		e.dispatchCompletion(r, err, 0)
	}
}

func (e *Engine) dispatchCompletion(r *Request, err error, latencyNs uint64) {
	switch r.Kind {
	case KindDataRead:
		e.Stats.DataReads++
		e.observer.ObserveDataRead(uint64(len(r.Buffer)), latencyNs, err == nil)
		e.finishDataRead(r, err)
	case KindDataWrite:
		e.Stats.DataWrites++
		e.observer.ObserveDataWrite(uint64(len(r.Buffer)), latencyNs, err == nil)
		e.finishDataWrite(r, err)
	case KindBitmapRead:
		e.Stats.BitmapReads++
		e.observer.ObserveBitmapRead()
		e.finishBitmapRead(r, err)
	case KindZeroBitmapWrite:
		e.Stats.ZeroBitmapWrites++
		e.observer.ObserveZeroBitmapWrite()
		e.finishZeroBitmapWrite(r, err)
	case KindBATWrite:
		e.Stats.BATWrites++
		e.observer.ObserveBATWrite()
		e.finishBATWrite(r, err)
	case KindBitmapWrite:
		e.Stats.BitmapWrites++
		e.observer.ObserveBitmapWrite()
		e.finishBitmapWrite(r, err)
	}
}
