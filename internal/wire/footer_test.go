package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blktap/govhd/internal/constants"
)

func TestFooterRoundTrip(t *testing.T) {
	f := NewFooter()
	f.FileFormatVersion = constants.DynamicHeaderVersion
	f.DataOffset = constants.NoDataOffset
	f.Timestamp = 0x12345678
	copy(f.CreatorApp[:], "gohd")
	f.OriginalSize = 10 << 30
	f.CurrentSize = 10 << 30
	f.Geometry = DiskGeometry{Cylinders: 1024, Heads: 16, SectorsPerTrack: 63}
	f.DiskType = constants.DiskTypeFixed
	checksum, err := f.ComputeChecksum()
	require.NoError(t, err)
	f.Checksum = checksum

	buf, err := f.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, constants.FooterSize)

	var got Footer
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, *f, got)
	require.NoError(t, got.Validate())
}

func TestFooterValidateRejectsBadCookie(t *testing.T) {
	f := NewFooter()
	copy(f.Cookie[:], "notvhd!!")
	checksum, err := f.ComputeChecksum()
	require.NoError(t, err)
	f.Checksum = checksum

	require.ErrorIs(t, f.Validate(), ErrBadCookie)
}

func TestFooterValidateRejectsBadChecksum(t *testing.T) {
	f := NewFooter()
	f.Checksum = 0xdeadbeef

	require.ErrorIs(t, f.Validate(), ErrChecksumMismatch)
}

func TestFooterUnmarshalShortBuffer(t *testing.T) {
	var f Footer
	require.ErrorIs(t, f.UnmarshalBinary(make([]byte, 10)), ErrShortBuffer)
}

func TestFooterIsFixed(t *testing.T) {
	f := NewFooter()
	f.DiskType = constants.DiskTypeFixed
	require.True(t, f.IsFixed())

	f.DiskType = constants.DiskTypeDynamic
	require.False(t, f.IsFixed())
}
