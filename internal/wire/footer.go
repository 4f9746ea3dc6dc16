package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blktap/govhd/internal/constants"
)

// ErrShortBuffer is returned when a Marshal/Unmarshal call is given a
// buffer shorter than the structure it is encoding or decoding.
var ErrShortBuffer = errors.New("wire: buffer too short")

// ErrBadCookie is returned when a footer or header's cookie field does
// not match the expected magic string.
var ErrBadCookie = errors.New("wire: bad cookie")

// ErrChecksumMismatch is returned when a footer's stored checksum does
// not match the computed checksum of its bytes.
var ErrChecksumMismatch = errors.New("wire: checksum mismatch")

// ErrUnsupportedVersion is returned when a dynamic-disk header reports
// a version this core does not understand.
var ErrUnsupportedVersion = errors.New("wire: unsupported header version")

// DiskGeometry is the CHS geometry recorded in the footer.
type DiskGeometry struct {
	Cylinders       uint16
	Heads           uint8
	SectorsPerTrack uint8
}

// Footer is the 512-byte structure that terminates every VHD image
// (and, for non-FIXED images, is duplicated at byte 0 as a backup
// copy). All multi-byte fields are big-endian on disk.
type Footer struct {
	Cookie            [8]byte
	Features          uint32
	FileFormatVersion uint32
	DataOffset        uint64 // constants.NoDataOffset for FIXED images
	Timestamp         uint32
	CreatorApp        [4]byte
	CreatorVersion    uint32
	CreatorOS         uint32
	OriginalSize      uint64
	CurrentSize       uint64
	Geometry          DiskGeometry
	DiskType          uint32
	Checksum          uint32
	UniqueID          UUID
	SavedState        uint8
}

// NewFooter returns a zeroed footer with the cookie field populated.
func NewFooter() *Footer {
	f := &Footer{}
	copy(f.Cookie[:], constants.FooterCookie)
	return f
}

// MarshalBinary encodes the footer into its 512-byte on-disk form.
func (f *Footer) MarshalBinary() ([]byte, error) {
	buf := make([]byte, constants.FooterSize)
	copy(buf[0:8], f.Cookie[:])
	binary.BigEndian.PutUint32(buf[8:12], f.Features)
	binary.BigEndian.PutUint32(buf[12:16], f.FileFormatVersion)
	binary.BigEndian.PutUint64(buf[16:24], f.DataOffset)
	binary.BigEndian.PutUint32(buf[24:28], f.Timestamp)
	copy(buf[28:32], f.CreatorApp[:])
	binary.BigEndian.PutUint32(buf[32:36], f.CreatorVersion)
	binary.BigEndian.PutUint32(buf[36:40], f.CreatorOS)
	binary.BigEndian.PutUint64(buf[40:48], f.OriginalSize)
	binary.BigEndian.PutUint64(buf[48:56], f.CurrentSize)
	binary.BigEndian.PutUint16(buf[56:58], f.Geometry.Cylinders)
	buf[58] = f.Geometry.Heads
	buf[59] = f.Geometry.SectorsPerTrack
	binary.BigEndian.PutUint32(buf[60:64], f.DiskType)
	binary.BigEndian.PutUint32(buf[64:68], f.Checksum)
	copy(buf[68:84], f.UniqueID[:])
	buf[84] = f.SavedState
	// bytes 85:512 are reserved padding, left zero.
	return buf, nil
}

// UnmarshalBinary decodes a 512-byte buffer into the footer. It does
// not validate the cookie or checksum; callers that need a rejected
// image on corruption should call VerifyChecksum and check Cookie
// separately.
func (f *Footer) UnmarshalBinary(buf []byte) error {
	if len(buf) < constants.FooterSize {
		return ErrShortBuffer
	}
	copy(f.Cookie[:], buf[0:8])
	f.Features = binary.BigEndian.Uint32(buf[8:12])
	f.FileFormatVersion = binary.BigEndian.Uint32(buf[12:16])
	f.DataOffset = binary.BigEndian.Uint64(buf[16:24])
	f.Timestamp = binary.BigEndian.Uint32(buf[24:28])
	copy(f.CreatorApp[:], buf[28:32])
	f.CreatorVersion = binary.BigEndian.Uint32(buf[32:36])
	f.CreatorOS = binary.BigEndian.Uint32(buf[36:40])
	f.OriginalSize = binary.BigEndian.Uint64(buf[40:48])
	f.CurrentSize = binary.BigEndian.Uint64(buf[48:56])
	f.Geometry.Cylinders = binary.BigEndian.Uint16(buf[56:58])
	f.Geometry.Heads = buf[58]
	f.Geometry.SectorsPerTrack = buf[59]
	f.DiskType = binary.BigEndian.Uint32(buf[60:64])
	f.Checksum = binary.BigEndian.Uint32(buf[64:68])
	copy(f.UniqueID[:], buf[68:84])
	f.SavedState = buf[84]
	return nil
}

// ValidCookie reports whether the cookie field matches "conectix".
func (f *Footer) ValidCookie() bool {
	return string(f.Cookie[:]) == constants.FooterCookie
}

// ComputeChecksum returns the ones-complement of the sum of all footer
// bytes with the checksum field itself treated as zero.
func (f *Footer) ComputeChecksum() (uint32, error) {
	clone := *f
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

// VerifyChecksum reports whether the footer's stored checksum matches
// its computed checksum.
func (f *Footer) VerifyChecksum() error {
	want, err := f.ComputeChecksum()
	if err != nil {
		return err
	}
	if want != f.Checksum {
		return fmt.Errorf("%w: stored=%#x computed=%#x", ErrChecksumMismatch, f.Checksum, want)
	}
	return nil
}

// Validate rejects footers with a bad cookie or checksum, surfaced as
// the corruption error class and checked only at open/create time.
func (f *Footer) Validate() error {
	if !f.ValidCookie() {
		return fmt.Errorf("%w: got %q", ErrBadCookie, f.Cookie)
	}
	return f.VerifyChecksum()
}

// IsFixed reports whether this footer describes a FIXED image (no
// BAT, 1:1 sector mapping, data_offset sentinel).
func (f *Footer) IsFixed() bool {
	return f.DiskType == constants.DiskTypeFixed
}
