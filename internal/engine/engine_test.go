package engine

import (
	"testing"

	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/wire"
)

// testHeader builds a minimal dynamic header for unit tests, with a
// block size of sectorsPerBlock sectors and a plausible table offset.
func testHeader(t *testing.T, sectorsPerBlock uint32) *wire.DynamicHeader {
	t.Helper()
	h := wire.NewDynamicHeader()
	h.BlockSize = sectorsPerBlock * constants.SectorSize
	h.TableOffset = constants.FooterSize + constants.DynamicHeaderSize
	h.MaxTableEntries = 4
	return h
}

// makeBAT returns an all-unused BAT of n entries.
func makeBAT(n int) []uint32 {
	bat := make([]uint32, n)
	for i := range bat {
		bat[i] = constants.BATUnusedEntry
	}
	return bat
}

// TestOpenAllocatingTxUsesReservedOffsets verifies that the zero-bitmap
// write and the data write an allocating transaction issues for a
// BAT_CLEAR block land at the sector BATManager.ReserveNewBlock
// actually reserved, not at whatever sentinel value the BAT entry
// still holds until the transaction's BAT write commits.
func TestOpenAllocatingTxUsesReservedOffsets(t *testing.T) {
	h := testHeader(t, 16)
	ring := &fakeRing{}
	e := New(0, ring, makeBAT(4), h, constants.DiskTypeDynamic, 4*16)

	// next_db for a freshly opened, fully unallocated image is seeded
	// from the post-metadata prefix and must not collide with it, so
	// the first block's reservation lands there rather than at sector 0.
	wantReserved := e.bat.nextDB
	if wantReserved == 0 {
		t.Fatal("next_db must be seeded past the footer/header/BAT region, not left at 0")
	}

	done := false
	if err := e.QueueWrite(0, 1, make([]byte, constants.SectorSize), func(uint64, uint32, error) {
		done = true
	}); err != nil {
		t.Fatalf("QueueWrite: %v", err)
	}

	if e.bat.IsAllocated(0) {
		t.Fatal("block must not be marked allocated until the BAT write commits")
	}

	wantBitmapOffset := e.bitmapOffsetAt(wantReserved)
	wantDataOffset := e.dataOffsetAt(wantReserved, 0)

	var bitmapWrites, dataWrites int
	for _, op := range ring.ops {
		if !op.write {
			continue
		}
		switch op.offset {
		case wantBitmapOffset:
			bitmapWrites++
			if op.length != int(h.BitmapSectors())*constants.SectorSize {
				t.Errorf("zero-bitmap write length = %d, want %d", op.length, int(h.BitmapSectors())*constants.SectorSize)
			}
		case wantDataOffset:
			dataWrites++
			if op.length != constants.SectorSize {
				t.Errorf("data write length = %d, want %d", op.length, constants.SectorSize)
			}
		}
	}
	if bitmapWrites != 1 {
		t.Errorf("expected exactly one zero-bitmap write at offset %d (the reserved sector), got %d; ops=%+v", wantBitmapOffset, bitmapWrites, ring.ops)
	}
	if dataWrites != 1 {
		t.Errorf("expected exactly one data write at offset %d (the reserved sector's data region), got %d; ops=%+v", wantDataOffset, dataWrites, ring.ops)
	}

	pumpUntilDone(t, e, 8)
	if !done {
		t.Fatal("write never completed")
	}
	if !e.bat.IsAllocated(0) {
		t.Error("expected block 0 allocated once the transaction finalizes")
	}
	if e.bat.Entry(0) != wantReserved {
		t.Errorf("expected committed BAT entry 0 = %d (the reserved sector), got %d", wantReserved, e.bat.Entry(0))
	}
}
