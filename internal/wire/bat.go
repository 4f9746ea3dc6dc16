// Package wire implements the VHD container's byte-exact on-disk
// format: footer/header/locator decoding, BAT and bitmap encoding,
// checksum verification, and timestamp/UTF transcoding. It has no
// knowledge of the write-path state machine in internal/engine; it
// only converts between bytes and typed values.
package wire

import (
	"encoding/binary"

	"github.com/blktap/govhd/internal/constants"
)

// BATEntrySize is the on-disk size of one BAT entry.
const BATEntrySize = 4

// DecodeBATSector decodes a raw 512-byte (or larger) BAT sector into
// big-endian u32 entries.
func DecodeBATSector(buf []byte) []uint32 {
	n := len(buf) / BATEntrySize
	entries := make([]uint32, n)
	for i := 0; i < n; i++ {
		entries[i] = binary.BigEndian.Uint32(buf[i*BATEntrySize : i*BATEntrySize+BATEntrySize])
	}
	return entries
}

// EncodeBATSector encodes a full slice of BAT entries into bytes.
func EncodeBATSector(entries []uint32) []byte {
	buf := make([]byte, len(entries)*BATEntrySize)
	for i, e := range entries {
		binary.BigEndian.PutUint32(buf[i*BATEntrySize:i*BATEntrySize+BATEntrySize], e)
	}
	return buf
}

// PatchBATEntry rewrites a single big-endian u32 entry in place within
// an encoded (big-endian) BAT sector buffer, leaving every other entry in
// that sector unchanged.
func PatchBATEntry(sectorBuf []byte, entryIndexInSector int, value uint32) {
	off := entryIndexInSector * BATEntrySize
	binary.BigEndian.PutUint32(sectorBuf[off:off+BATEntrySize], value)
}

// BATEntriesPerSector is how many 4-byte entries fit in one 512-byte
// sector of the block allocation table.
const BATEntriesPerSector = constants.SectorSize / BATEntrySize

// IsUnused reports whether a BAT entry is the "unused" sentinel
//.
func IsUnused(entry uint32) bool {
	return entry == constants.BATUnusedEntry
}
