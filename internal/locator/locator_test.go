package locator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blktap/govhd/internal/wire"
)

func TestDecodeParentIDDecodesMACX(t *testing.T) {
	h := wire.NewDynamicHeader()
	macxData := wire.EncodeUTF8URI("/images/base.vhd")
	h.ParentLocators[0] = wire.ParentLocator{
		PlatformCode:       [4]byte{'M', 'A', 'C', 'X'},
		PlatformDataLength: uint32(len(macxData)),
		PlatformDataOffset: 1,
	}

	path, err := DecodeParentID(h, func(loc *wire.ParentLocator) ([]byte, error) {
		return macxData, nil
	})
	require.NoError(t, err)
	require.Equal(t, "/images/base.vhd", path)
}

func TestDecodeParentIDSkipsUnrecognizedCodes(t *testing.T) {
	h := wire.NewDynamicHeader()
	h.ParentLocators[0] = wire.ParentLocator{
		PlatformCode:       [4]byte{'X', 'Y', 'Z', 'W'},
		PlatformDataOffset: 1,
		PlatformDataLength: 4,
	}

	_, err := DecodeParentID(h, func(loc *wire.ParentLocator) ([]byte, error) {
		t.Fatal("read should not be called for an unrecognized locator code")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNoParent)
}

func TestDecodeParentIDNoLocators(t *testing.T) {
	h := wire.NewDynamicHeader()
	_, err := DecodeParentID(h, func(loc *wire.ParentLocator) ([]byte, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNoParent)
}

func TestValidateParentMatches(t *testing.T) {
	parent := wire.NewFooter()
	parent.UniqueID = wire.UUID{1, 2, 3}
	parent.Timestamp = 1000

	child := wire.NewDynamicHeader()
	child.ParentUniqueID = parent.UniqueID
	child.ParentTimestamp = parent.Timestamp

	require.NoError(t, ValidateParent(child, parent, parent.Timestamp))
}

func TestValidateParentMismatch(t *testing.T) {
	parent := wire.NewFooter()
	parent.UniqueID = wire.UUID{1, 2, 3}

	child := wire.NewDynamicHeader()
	child.ParentUniqueID = wire.UUID{9, 9, 9}

	err := ValidateParent(child, parent, parent.Timestamp)
	require.ErrorIs(t, err, ErrParentMismatch)
}
