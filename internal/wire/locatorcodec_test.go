package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUTF8URIRoundTrip(t *testing.T) {
	path := "/var/lib/govhd/base.vhd"
	encoded := EncodeUTF8URI(path)

	decoded, err := DecodeUTF8URI(encoded)
	require.NoError(t, err)
	require.Equal(t, path, decoded)
}

func TestUTF16PathRoundTrip(t *testing.T) {
	path := "C:\\images\\base.vhd"
	encoded, err := EncodeUTF16Path(path)
	require.NoError(t, err)

	decoded, err := DecodeUTF16Path(encoded)
	require.NoError(t, err)
	require.Equal(t, path, decoded)
}

func TestDecodeW2KUPathStripsDriveAndBackslashes(t *testing.T) {
	encoded, err := EncodeUTF16Path("C:\\images\\base.vhd")
	require.NoError(t, err)

	decoded, err := DecodeW2KUPath(encoded)
	require.NoError(t, err)
	require.Equal(t, "/images/base.vhd", decoded)
}
