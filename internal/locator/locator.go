// Package locator decodes and validates VHD parent-locator entries
// backing GetParentID and ValidateParent. It understands only the
// MACX and W2KU platform codes; all others are ignored.
package locator

import (
	"errors"
	"fmt"

	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/wire"
)

// ErrNoParent is returned by DecodeParentID when a header carries no
// recognized parent locator.
var ErrNoParent = errors.New("locator: no recognized parent locator")

// ErrParentMismatch is returned by ValidateParent when the candidate
// parent's UUID or modification time does not match the child's
// recorded values.
var ErrParentMismatch = errors.New("locator: parent identity mismatch")

// ReadLocatorDataFunc reads the raw locator payload for loc (located
// at loc.PlatformDataOffset within the container file) — fetching the
// bytes is the open path's job since only it holds the file handle;
// this package only knows how to interpret them once read.
type ReadLocatorDataFunc func(loc *wire.ParentLocator) ([]byte, error)

// DecodeParentID returns the filesystem path of the parent image
// recorded in a child's dynamic-disk header, preferring the first
// slot (in locator order) carrying a recognized platform code.
func DecodeParentID(h *wire.DynamicHeader, read ReadLocatorDataFunc) (string, error) {
	for i := range h.ParentLocators {
		loc := &h.ParentLocators[i]
		if loc.Empty() {
			continue
		}
		if loc.Code() != constants.LocatorCodeMACX && loc.Code() != constants.LocatorCodeW2KU {
			continue
		}
		raw, err := read(loc)
		if err != nil {
			continue
		}
		path, err := DecodeLocatorData(loc, raw)
		if err != nil {
			continue
		}
		return path, nil
	}
	return "", ErrNoParent
}

// DecodeLocatorData decodes a single locator's raw bytes (already read
// from PlatformDataOffset by the caller — reading the file is the
// host/open-path's job, not this package's) into a path.
func DecodeLocatorData(loc *wire.ParentLocator, raw []byte) (string, error) {
	switch loc.Code() {
	case constants.LocatorCodeMACX:
		return wire.DecodeUTF8URI(raw)
	case constants.LocatorCodeW2KU:
		return wire.DecodeW2KUPath(raw)
	default:
		return "", fmt.Errorf("locator: unhandled platform code %q", loc.Code())
	}
}

// ValidateParent verifies that a candidate parent footer's UUID and
// modification timestamp match the child header's recorded
// prt_uuid/prt_ts.
func ValidateParent(child *wire.DynamicHeader, parent *wire.Footer, parentModTime uint32) error {
	if child.ParentUniqueID != parent.UniqueID {
		return fmt.Errorf("%w: uuid child=%s parent=%s", ErrParentMismatch, child.ParentUniqueID, parent.UniqueID)
	}
	if child.ParentTimestamp != parentModTime {
		return fmt.Errorf("%w: timestamp child=%d parent=%d", ErrParentMismatch, child.ParentTimestamp, parentModTime)
	}
	return nil
}
