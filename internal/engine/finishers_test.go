package engine

import (
	"errors"
	"testing"

	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/wire"
)

func newTestEngine(t *testing.T, diskType uint32) (*Engine, *fakeRing) {
	t.Helper()
	h := testHeader(t, 64)
	bat := makeBAT(4)
	ring := &fakeRing{}
	e := New(0, ring, bat, h, diskType, 4*64)
	return e, ring
}

func TestFinishDataReadReturnsDescriptorAndInvokesCallback(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	r, ok := e.pool.Get()
	if !ok {
		t.Fatal("pool exhausted")
	}

	var gotErr error
	called := false
	r.CallerDone = func(err error) { called = true; gotErr = err }

	inUseBefore := e.pool.InUse()
	e.finishDataRead(r, nil)

	if !called || gotErr != nil {
		t.Errorf("expected callback invoked with nil error, called=%v err=%v", called, gotErr)
	}
	if e.pool.InUse() != inUseBefore-1 {
		t.Error("expected the descriptor to be returned to the pool")
	}
}

func TestFinishDataWriteNoTxSignalsImmediately(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	r, _ := e.pool.Get()
	called := false
	r.CallerDone = func(error) { called = true }

	e.finishDataWrite(r, nil)
	if !called {
		t.Error("a write with no transaction should signal its caller immediately")
	}
}

func TestFinishDataWriteDiffStagesShadowBitRun(t *testing.T) {
	e, _ := newTestEngine(t, constants.DiskTypeDiff)
	slot, _, _ := e.cache.Acquire(0)
	tx := NewTransaction(TxBitmapOnly, 0, slot, nil)
	e.cache.SetTx(slot, tx)

	r, _ := e.pool.Get()
	r.Tx = tx
	r.SectorInBlk = 2
	r.NumSectors = 3
	tx.Track(r)

	e.finishDataWrite(r, nil)

	if !e.cache.Dirty(slot) {
		t.Fatal("expected a shadow bitmap to be staged for a DIFF write")
	}
	staged := e.cache.EnsureShadow(slot)
	for i := 2; i < 5; i++ {
		if !wire.BitmapTestBit(staged, i) {
			t.Errorf("expected bit %d set in the staged shadow", i)
		}
	}
}

func TestFinishZeroBitmapWriteMarksTxFinished(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	var dataPhaseCalls int
	tx := NewTransaction(TxBATAndBitmap, 0, 0, func(*Transaction) { dataPhaseCalls++ })
	r := &Request{Tx: tx}
	tx.Track(r)

	e.finishZeroBitmapWrite(r, nil)
	if dataPhaseCalls != 1 {
		t.Errorf("expected the data-phase finisher to fire, got %d calls", dataPhaseCalls)
	}
}

func TestFinishBATWriteCommitsOnSuccess(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	sector, err := e.bat.ReserveNewBlock(0)
	if err != nil {
		t.Fatalf("ReserveNewBlock: %v", err)
	}
	tx := NewTransaction(TxBATAndBitmap, 0, 0, nil)
	r := &Request{Tx: tx}
	tx.Track(r)

	e.finishBATWrite(r, nil)
	if !e.bat.IsAllocated(0) || e.bat.Entry(0) != sector {
		t.Error("expected the BAT entry to be committed on a successful BAT write")
	}
}

func TestFinishBATWriteRollsBackOnFailure(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	if _, err := e.bat.ReserveNewBlock(0); err != nil {
		t.Fatalf("ReserveNewBlock: %v", err)
	}
	tx := NewTransaction(TxBATAndBitmap, 0, 0, nil)
	r := &Request{Tx: tx}
	tx.Track(r)

	e.finishBATWrite(r, errors.New("io failure"))
	if e.bat.IsAllocated(0) {
		t.Error("expected the BAT entry to remain unallocated after a failed BAT write")
	}
	if _, pending := e.bat.PendingBlock(); pending {
		t.Error("expected the pending reservation to clear after rollback")
	}
}

func TestFinishBitmapWriteCommitsShadowOnSuccess(t *testing.T) {
	e, _ := newTestEngine(t, constants.DiskTypeDiff)
	slot, _, _ := e.cache.Acquire(0)
	shadow := e.cache.EnsureShadow(slot)
	shadow[0] = 0xAB

	tx := NewTransaction(TxBitmapOnly, 0, slot, nil)
	r := &Request{Tx: tx}
	tx.Track(r)

	e.finishBitmapWrite(r, nil)
	if e.cache.Dirty(slot) {
		t.Error("expected Dirty to clear after a committed bitmap write")
	}
	if e.cache.Bitmap(slot)[0] != 0xAB {
		t.Error("expected the committed bitmap to reflect the shadow")
	}
}

func TestFinishBitmapWriteDiscardsShadowOnFailure(t *testing.T) {
	e, _ := newTestEngine(t, constants.DiskTypeDiff)
	slot, _, _ := e.cache.Acquire(0)
	original := append([]byte(nil), e.cache.Bitmap(slot)...)
	shadow := e.cache.EnsureShadow(slot)
	shadow[0] = 0xAB

	tx := NewTransaction(TxBitmapOnly, 0, slot, nil)
	r := &Request{Tx: tx}
	tx.Track(r)

	e.finishBitmapWrite(r, errors.New("io failure"))
	if e.cache.Dirty(slot) {
		t.Error("expected Dirty to clear after a discarded bitmap write")
	}
	if e.cache.Bitmap(slot)[0] != original[0] {
		t.Error("expected the committed bitmap untouched by a discarded shadow")
	}
}

func TestFinishBitmapReadSuccessReleasesWaiters(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	slot, _, _ := e.cache.Acquire(3)
	e.cache.Lock(slot)
	e.cache.SetReadPending(slot, true)

	var resumeErrs []error
	e.cache.AddWaiter(slot, func(err error) { resumeErrs = append(resumeErrs, err) })

	r := e.cache.BitmapRequest(slot)
	r.BlockIndex = 3
	e.finishBitmapRead(r, nil)

	if e.cache.ReadPending(slot) {
		t.Error("expected ReadPending to clear")
	}
	if e.cache.Locked(slot) {
		t.Error("expected the slot to unlock once its bitmap read lands")
	}
	if len(resumeErrs) != 1 || resumeErrs[0] != nil {
		t.Errorf("expected one waiter resumed with nil error, got %v", resumeErrs)
	}
}

func TestFinishBitmapReadFailureEvictsSlot(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	slot, _, _ := e.cache.Acquire(3)
	e.cache.Lock(slot)
	e.cache.SetReadPending(slot, true)

	var resumeErrs []error
	e.cache.AddWaiter(slot, func(err error) { resumeErrs = append(resumeErrs, err) })

	r := e.cache.BitmapRequest(slot)
	r.BlockIndex = 3
	readErr := errors.New("read failure")
	e.finishBitmapRead(r, readErr)

	if len(resumeErrs) != 1 || resumeErrs[0] != readErr {
		t.Errorf("expected the waiter to be resumed with the read error, got %v", resumeErrs)
	}
	if _, hit := e.cache.Lookup(3); hit {
		t.Error("expected a failed bitmap read to evict the slot")
	}
}

func TestOnDataPhaseDoneAllocatingTxSchedulesBATWrite(t *testing.T) {
	e, ring := newTestEngine(t, 0)
	slot, _, _ := e.cache.Acquire(0)
	if _, err := e.bat.ReserveNewBlock(0); err != nil {
		t.Fatalf("ReserveNewBlock: %v", err)
	}

	tx := NewTransaction(TxBATAndBitmap, 0, slot, e.onDataPhaseDone)
	tx.SetOnFinalize(e.finalizeTx)
	e.cache.SetTx(slot, tx)
	e.cache.Lock(slot)

	dataReq, _ := e.pool.Get()
	dataReq.Kind = KindDataWrite
	dataReq.CallerDone = func(error) {}
	tx.Track(dataReq)
	tx.MarkFinished(nil) // data write lands, firing onDataPhaseDone

	if len(ring.pending) != 1 {
		t.Fatalf("expected one pending completion (the BAT write), got %d", len(ring.pending))
	}
	if e.cache.Tx(slot) == nil {
		t.Fatal("the tx should not finalize until the follow-on BAT write also finishes")
	}
	if tx.Finished >= tx.Started {
		t.Error("expected the follow-on BAT write to still be outstanding")
	}
}

func TestOnDataPhaseDoneFailureRollsBackWithoutBATWrite(t *testing.T) {
	e, ring := newTestEngine(t, 0)
	slot, _, _ := e.cache.Acquire(0)
	if _, err := e.bat.ReserveNewBlock(0); err != nil {
		t.Fatalf("ReserveNewBlock: %v", err)
	}

	tx := NewTransaction(TxBATAndBitmap, 0, slot, e.onDataPhaseDone)
	tx.SetOnFinalize(e.finalizeTx)
	e.cache.SetTx(slot, tx)
	e.cache.Lock(slot)

	dataReq, _ := e.pool.Get()
	dataReq.CallerDone = func(error) {}
	tx.Track(dataReq)
	tx.MarkFinished(errors.New("disk full"))

	if len(ring.pending) != 0 {
		t.Error("a failed data phase must never issue the BAT write")
	}
	if _, pending := e.bat.PendingBlock(); pending {
		t.Error("expected the reservation rolled back on a failed data phase")
	}
	if !tx.closed {
		t.Error("expected the tx to close immediately once it has failed")
	}
}

func TestFinalizeTxInvokesCallbacksAndUnlocksSlot(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	slot, _, _ := e.cache.Acquire(0)
	e.cache.Lock(slot)
	tx := NewTransaction(TxBitmapOnly, 0, slot, nil)
	e.cache.SetTx(slot, tx)

	var gotErr error
	called := false
	r, _ := e.pool.Get()
	r.Kind = KindDataWrite
	r.CallerDone = func(err error) { called = true; gotErr = err }
	tx.Track(r)
	tx.Err = errors.New("boom")

	e.finalizeTx(tx)

	if !called || gotErr == nil {
		t.Error("expected the tracked request's callback invoked with the tx's terminal error")
	}
	if e.cache.Locked(slot) {
		t.Error("expected the slot unlocked after finalize")
	}
	if e.cache.Tx(slot) != nil {
		t.Error("expected the slot's tx cleared after finalize")
	}
}

func TestFinalizeTxDrainsQueueIntoFreshTx(t *testing.T) {
	e, ring := newTestEngine(t, 0)
	slot, _, _ := e.cache.Acquire(0)
	e.cache.Lock(slot)
	tx := NewTransaction(TxBitmapOnly, 0, slot, e.onDataPhaseDone)
	e.cache.SetTx(slot, tx)

	queued, _ := e.pool.Get()
	queued.CallerDone = func(error) {}
	e.cache.Enqueue(slot, queued)

	e.finalizeTx(tx)

	next := e.cache.Tx(slot)
	if next == nil || next == tx {
		t.Fatal("expected a fresh transaction installed for the drained queue")
	}
	if !e.cache.Locked(slot) {
		t.Error("expected the slot to remain locked for the fresh transaction")
	}
	if len(ring.pending) != 1 {
		t.Errorf("expected the drained request resubmitted to the ring, got %d pending", len(ring.pending))
	}
}
