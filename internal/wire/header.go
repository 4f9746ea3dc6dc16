package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/blktap/govhd/internal/constants"
)

// ParentLocator is one of a dynamic-disk header's eight locator slots.
// Only MACX and W2KU platform codes are decoded by internal/locator;
// the rest are carried through unmodified.
type ParentLocator struct {
	PlatformCode       [4]byte
	PlatformDataSpace  uint32 // may be sectors or bytes depending on writer
	PlatformDataLength uint32 // length in bytes of the locator data
	Reserved           uint32
	PlatformDataOffset uint64
}

const parentLocatorSize = 24

func (p *ParentLocator) marshalInto(buf []byte) {
	copy(buf[0:4], p.PlatformCode[:])
	binary.BigEndian.PutUint32(buf[4:8], p.PlatformDataSpace)
	binary.BigEndian.PutUint32(buf[8:12], p.PlatformDataLength)
	binary.BigEndian.PutUint32(buf[12:16], p.Reserved)
	binary.BigEndian.PutUint64(buf[16:24], p.PlatformDataOffset)
}

func (p *ParentLocator) unmarshalFrom(buf []byte) {
	copy(p.PlatformCode[:], buf[0:4])
	p.PlatformDataSpace = binary.BigEndian.Uint32(buf[4:8])
	p.PlatformDataLength = binary.BigEndian.Uint32(buf[8:12])
	p.Reserved = binary.BigEndian.Uint32(buf[12:16])
	p.PlatformDataOffset = binary.BigEndian.Uint64(buf[16:24])
}

// Code returns the locator's platform code as a string for comparison
// against constants.LocatorCodeMACX / constants.LocatorCodeW2KU.
func (p *ParentLocator) Code() string {
	return string(p.PlatformCode[:])
}

// Empty reports whether this locator slot is unused.
func (p *ParentLocator) Empty() bool {
	return p.PlatformCode == [4]byte{} && p.PlatformDataOffset == 0
}

// DynamicHeader is the 1024-byte structure located at a non-FIXED
// footer's data_offset.
type DynamicHeader struct {
	Cookie            [8]byte
	DataOffset        uint64 // unused, always constants.NoDataOffset
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueID    UUID
	ParentTimestamp   uint32
	reserved1         uint32
	ParentUnicodeName [512]byte
	ParentLocators    [constants.MaxParentLocators]ParentLocator
}

// NewDynamicHeader returns a zeroed header with cookie, version, and
// data-offset sentinel populated.
func NewDynamicHeader() *DynamicHeader {
	h := &DynamicHeader{
		DataOffset:    constants.NoDataOffset,
		HeaderVersion: constants.DynamicHeaderVersion,
	}
	copy(h.Cookie[:], constants.DynamicHeaderCookie)
	return h
}

// MarshalBinary encodes the header into its 1024-byte on-disk form.
func (h *DynamicHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, constants.DynamicHeaderSize)
	copy(buf[0:8], h.Cookie[:])
	binary.BigEndian.PutUint64(buf[8:16], h.DataOffset)
	binary.BigEndian.PutUint64(buf[16:24], h.TableOffset)
	binary.BigEndian.PutUint32(buf[24:28], h.HeaderVersion)
	binary.BigEndian.PutUint32(buf[28:32], h.MaxTableEntries)
	binary.BigEndian.PutUint32(buf[32:36], h.BlockSize)
	binary.BigEndian.PutUint32(buf[36:40], h.Checksum)
	copy(buf[40:56], h.ParentUniqueID[:])
	binary.BigEndian.PutUint32(buf[56:60], h.ParentTimestamp)
	binary.BigEndian.PutUint32(buf[60:64], h.reserved1)
	copy(buf[64:576], h.ParentUnicodeName[:])
	off := 576
	for i := range h.ParentLocators {
		h.ParentLocators[i].marshalInto(buf[off : off+parentLocatorSize])
		off += parentLocatorSize
	}
	// remaining bytes to 1024 are reserved padding, left zero.
	return buf, nil
}

// UnmarshalBinary decodes a 1024-byte buffer into the header.
func (h *DynamicHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < constants.DynamicHeaderSize {
		return ErrShortBuffer
	}
	copy(h.Cookie[:], buf[0:8])
	h.DataOffset = binary.BigEndian.Uint64(buf[8:16])
	h.TableOffset = binary.BigEndian.Uint64(buf[16:24])
	h.HeaderVersion = binary.BigEndian.Uint32(buf[24:28])
	h.MaxTableEntries = binary.BigEndian.Uint32(buf[28:32])
	h.BlockSize = binary.BigEndian.Uint32(buf[32:36])
	h.Checksum = binary.BigEndian.Uint32(buf[36:40])
	copy(h.ParentUniqueID[:], buf[40:56])
	h.ParentTimestamp = binary.BigEndian.Uint32(buf[56:60])
	h.reserved1 = binary.BigEndian.Uint32(buf[60:64])
	copy(h.ParentUnicodeName[:], buf[64:576])
	off := 576
	for i := range h.ParentLocators {
		h.ParentLocators[i].unmarshalFrom(buf[off : off+parentLocatorSize])
		off += parentLocatorSize
	}
	return nil
}

// ValidCookie reports whether the cookie field matches "cxsparse".
func (h *DynamicHeader) ValidCookie() bool {
	return string(h.Cookie[:]) == constants.DynamicHeaderCookie
}

// ComputeChecksum mirrors Footer.ComputeChecksum for the header.
func (h *DynamicHeader) ComputeChecksum() (uint32, error) {
	clone := *h
	clone.Checksum = 0
	buf, err := clone.MarshalBinary()
	if err != nil {
		return 0, err
	}
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return ^sum, nil
}

// Validate rejects a header with a bad cookie, unsupported version, or
// mismatched checksum.
func (h *DynamicHeader) Validate() error {
	if !h.ValidCookie() {
		return fmt.Errorf("%w: got %q", ErrBadCookie, h.Cookie)
	}
	if h.HeaderVersion != constants.DynamicHeaderVersion {
		return fmt.Errorf("%w: %#x", ErrUnsupportedVersion, h.HeaderVersion)
	}
	want, err := h.ComputeChecksum()
	if err != nil {
		return err
	}
	if want != h.Checksum {
		return fmt.Errorf("%w: stored=%#x computed=%#x", ErrChecksumMismatch, h.Checksum, want)
	}
	return nil
}

// SectorsPerBlock returns block_size / 512.
func (h *DynamicHeader) SectorsPerBlock() uint32 {
	return h.BlockSize / constants.SectorSize
}

// BitmapSectors returns ceil(sectors_per_block / 8 / 512), the number
// of sectors occupied by one block's allocation bitmap.
func (h *DynamicHeader) BitmapSectors() uint32 {
	spb := h.SectorsPerBlock()
	bits := spb
	bytes := (bits + 7) / 8
	sectors := (bytes + constants.SectorSize - 1) / constants.SectorSize
	if sectors == 0 {
		sectors = 1
	}
	return sectors
}
