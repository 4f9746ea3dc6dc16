package govhd

import "github.com/blktap/govhd/internal/constants"

// Re-exported tunables, mirrored from internal/constants so callers
// configuring a Driver don't need to import the internal package.
const (
	SectorSize              = constants.SectorSize
	DefaultBlockSizeSectors = constants.DefaultBlockSizeSectors
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DiskTypeFixed           = constants.DiskTypeFixed
	DiskTypeDynamic         = constants.DiskTypeDynamic
	DiskTypeDiff            = constants.DiskTypeDiff
)
