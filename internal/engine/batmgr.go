package engine

import (
	"errors"

	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/wire"
)

// ErrBATBusy is returned when a second block allocation is requested
// while one is already pending a BAT write: at most one block
// reservation may be in flight at a time.
var ErrBATBusy = errors.New("engine: a block allocation is already pending")

// BATManager owns the in-memory block allocation table and the
// data-region bump allocator that backs ReserveNewBlock.
// Like the rest of this engine it assumes single-threaded, cooperative
// access: the "pending" slot is a plain field, not a mutex-guarded one.
type BATManager struct {
	entries         []uint32
	sectorsPerBlock uint32
	tableOffset     int64

	nextDB uint32 // next free data sector, advanced past each new block

	// pendingBlock/pendingOffset are the single in-flight reservation;
	// pendingBlock is -1 when no allocation is outstanding.
	pendingBlock  int
	pendingOffset uint64

	// zeroBMReq/batWriteReq are the two fixed embedded descriptors the
	// pending-write slot uses for its own metadata I/O, so a block
	// allocation never fails for want of a pool slot.
	zeroBMReq  Request
	batWriteReq Request
}

// NewBATManager builds a manager from a decoded BAT and the header
// fields that describe the data region's geometry.
func NewBATManager(entries []uint32, h *wire.DynamicHeader) *BATManager {
	m := &BATManager{
		entries:         entries,
		sectorsPerBlock: h.SectorsPerBlock(),
		tableOffset:     int64(h.TableOffset),
		pendingBlock:    -1,
	}
	high := m.scanHighWaterMark()
	if floor := metadataPrefixSectors(h); floor > high {
		high = floor
	}
	m.nextDB = alignDataRegion(high, bitmapSectorsFor(m.sectorsPerBlock))
	return m
}

// scanHighWaterMark derives next_db from the highest currently
// allocated BAT entry, since a freshly opened image carries no
// separate on-disk cursor.
func (m *BATManager) scanHighWaterMark() uint32 {
	perBlockSectors := m.sectorsPerBlock + bitmapSectorsFor(m.sectorsPerBlock)
	var high uint32
	for _, e := range m.entries {
		if wire.IsUnused(e) {
			continue
		}
		end := e + perBlockSectors
		if end > high {
			high = end
		}
	}
	return high
}

// metadataPrefixSectors returns the sector past the end of the BAT and
// every parent locator's data: no block's bitmap or data region may
// ever begin below it, even on a freshly created image whose BAT
// carries no allocated entries to derive a high-water mark from.
func metadataPrefixSectors(h *wire.DynamicHeader) uint32 {
	batBytes := uint64(h.MaxTableEntries) * wire.BATEntrySize
	batSectors := uint32((batBytes + constants.SectorSize - 1) / constants.SectorSize)
	prefix := uint32(h.TableOffset/constants.SectorSize) + batSectors
	for i := range h.ParentLocators {
		loc := &h.ParentLocators[i]
		if loc.Empty() {
			continue
		}
		end := loc.PlatformDataOffset + uint64(loc.PlatformDataLength)
		endSector := uint32((end + constants.SectorSize - 1) / constants.SectorSize)
		if endSector > prefix {
			prefix = endSector
		}
	}
	return prefix
}

func bitmapSectorsFor(sectorsPerBlock uint32) uint32 {
	bits := sectorsPerBlock
	bytes := (bits + 7) / 8
	sectors := (bytes + constants.SectorSize - 1) / constants.SectorSize
	if sectors == 0 {
		sectors = 1
	}
	return sectors
}

// alignDataRegion returns the smallest value >= candidate such that
// adding bitmapSectors to it lands on a page boundary — i.e. it aligns
// the data region that follows the bitmap, not the bitmap's own start.
func alignDataRegion(candidate, bitmapSectors uint32) uint32 {
	return alignToPage(candidate+bitmapSectors) - bitmapSectors
}

func alignToPage(sector uint32) uint32 {
	rem := sector % constants.SectorsPerPage
	if rem == 0 {
		return sector
	}
	return sector + (constants.SectorsPerPage - rem)
}

// Entry returns the current (committed) BAT entry for a block.
func (m *BATManager) Entry(blockIndex uint32) uint32 {
	return m.entries[blockIndex]
}

// IsAllocated reports whether a block already has a data offset.
func (m *BATManager) IsAllocated(blockIndex uint32) bool {
	return !wire.IsUnused(m.entries[blockIndex])
}

// PendingBlock reports the block index with an outstanding BAT write,
// or false if none is pending.
func (m *BATManager) PendingBlock() (uint32, bool) {
	if m.pendingBlock < 0 {
		return 0, false
	}
	return uint32(m.pendingBlock), true
}

// ReserveNewBlock bumps the data-region cursor to reserve space for
// blockIndex's bitmap-plus-data extent and occupies the single pending
// slot. The BAT write for the reservation (issued by onDataPhaseDone)
// must be followed by CommitBAT or RollbackBAT before reserving again.
func (m *BATManager) ReserveNewBlock(blockIndex uint32) (sectorOffset uint32, err error) {
	if m.pendingBlock != -1 {
		return 0, ErrBATBusy
	}
	sectorOffset = m.nextDB
	bmSectors := bitmapSectorsFor(m.sectorsPerBlock)
	extent := bmSectors + m.sectorsPerBlock
	m.nextDB = alignDataRegion(m.nextDB+extent, bmSectors)
	m.pendingBlock = int(blockIndex)
	m.pendingOffset = uint64(sectorOffset)
	return sectorOffset, nil
}

// BATSectorFor returns which on-disk BAT sector and intra-sector entry
// index blockIndex lives at, and that sector's absolute file offset.
func (m *BATManager) BATSectorFor(blockIndex uint32) (fileOffset int64, entryInSector int) {
	entriesPerSector := int64(wire.BATEntriesPerSector)
	sectorNum := int64(blockIndex) / entriesPerSector
	entryInSector = int(int64(blockIndex) % entriesPerSector)
	fileOffset = m.tableOffset + sectorNum*constants.SectorSize
	return fileOffset, entryInSector
}

// EncodeSectorForPending builds the full on-disk BAT sector covering
// the pending block, substituting its reserved offset for the
// sentinel it still holds in m.entries — every other entry in the
// sector is encoded as already committed, so the write never needs a
// prior read of that sector.
func (m *BATManager) EncodeSectorForPending() []byte {
	sectorNum := int64(m.pendingBlock) / int64(wire.BATEntriesPerSector)
	first := uint32(sectorNum) * wire.BATEntriesPerSector
	last := first + wire.BATEntriesPerSector
	if last > uint32(len(m.entries)) {
		last = uint32(len(m.entries))
	}
	sector := append([]uint32(nil), m.entries[first:last]...)
	sector[uint32(m.pendingBlock)-first] = uint32(m.pendingOffset)
	return wire.EncodeBATSector(sector)
}

// CommitBAT finalizes a pending reservation: the in-memory BAT entry
// is updated to point at the reserved sector and the pending slot is
// freed, making a new ReserveNewBlock legal again.
func (m *BATManager) CommitBAT() {
	if m.pendingBlock < 0 {
		return
	}
	m.entries[m.pendingBlock] = uint32(m.pendingOffset)
	m.pendingBlock = -1
}

// RollbackBAT abandons a pending reservation after its BAT write
// failed. The reserved sector range is not reused (the cursor already
// moved past it) to avoid ever handing out the same extent twice.
func (m *BATManager) RollbackBAT() {
	m.pendingBlock = -1
}

// ZeroBMRequest returns the pending slot's embedded zero-bitmap-write
// descriptor.
func (m *BATManager) ZeroBMRequest() *Request { return &m.zeroBMReq }

// BATWriteRequest returns the pending slot's embedded BAT-sector-write
// descriptor.
func (m *BATManager) BATWriteRequest() *Request { return &m.batWriteReq }
