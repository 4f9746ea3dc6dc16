// Package govhd provides the public API for opening, creating, and
// driving I/O against VHD virtual-disk images: a handle type, a
// parameters struct with sane defaults, and an Open/Close lifecycle
// wrapping an internal engine the hot path forwards to.
package govhd

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blktap/govhd/internal/aio"
	"github.com/blktap/govhd/internal/constants"
	"github.com/blktap/govhd/internal/engine"
	"github.com/blktap/govhd/internal/locator"
	"github.com/blktap/govhd/internal/logging"
	"github.com/blktap/govhd/internal/wire"
)

// engineObserver adapts the root package's Observer (driver.go's
// Metrics/Observer surface) onto internal/engine.Observer, so the
// engine's completion path can report into the same Metrics instance
// the FIXED-image passthrough writes into, without the engine package
// importing anything from the root package.
type engineObserver struct {
	o Observer
}

func (a engineObserver) ObserveDataRead(bytes, latencyNs uint64, success bool) {
	a.o.ObserveDataRead(bytes, latencyNs, success)
}
func (a engineObserver) ObserveDataWrite(bytes, latencyNs uint64, success bool) {
	a.o.ObserveDataWrite(bytes, latencyNs, success)
}
func (a engineObserver) ObserveBitmapRead()      { a.o.ObserveBitmapRead() }
func (a engineObserver) ObserveBitmapWrite()     { a.o.ObserveBitmapWrite() }
func (a engineObserver) ObserveZeroBitmapWrite() { a.o.ObserveZeroBitmapWrite() }
func (a engineObserver) ObserveBATWrite()        { a.o.ObserveBATWrite() }
func (a engineObserver) ObserveCacheEviction()   { a.o.ObserveCacheEviction() }
func (a engineObserver) ObserveBATBusy()         { a.o.ObserveBATBusy() }
func (a engineObserver) ObserveCacheBusy()       { a.o.ObserveCacheBusy() }

var _ engine.Observer = engineObserver{}

// Callback is invoked once per completed (or synthesized) run of a
// queued read or write, exactly like internal/engine.Callback — redeclared
// here so callers never need to import the internal package.
type Callback func(sectorOffset uint64, numSectors uint32, err error)

// Options configures Open.
type Options struct {
	Logger   *logging.Logger
	Observer Observer
	// QueueDepth sizes the AIO ring's submission/completion queues.
	QueueDepth uint32
	ReadOnly   bool
	// Ring overrides the AIO ring Open would otherwise construct via
	// internal/aio.New, letting tests substitute a MockRing.
	Ring engine.Ring
}

// Driver is an open VHD image. FIXED images bypass internal/engine
// entirely and talk straight to the AIO ring; DYNAMIC and DIFF images are driven through an
// engine.Engine that implements the write-path state machine.
type Driver struct {
	file *os.File
	fd   int
	ring engine.Ring

	footer *wire.Footer
	header *wire.DynamicHeader
	bat    []uint32

	eng *engine.Engine

	diskType    uint32
	sizeSectors uint64
	path        string
	readOnly    bool

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	// fixedInflight/fixedNextUserData back the FIXED-image direct ring
	// passthrough; DYNAMIC/DIFF images never touch these, the engine
	// tracks its own inflight set instead.
	fixedInflight     map[uint64]fixedPending
	fixedNextUserData uint64
}

type fixedPending struct {
	done         Callback
	sectorOffset uint64
	numSectors   uint32
	expectLen    int
	isWrite      bool
	submittedAt  time.Time
}

// Open opens an existing VHD image at path.
func Open(path string, opts *Options) (*Driver, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithOp("Open")

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, WrapError("Open", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, WrapError("Open", err)
	}
	if fi.Size() < constants.FooterSize {
		f.Close()
		return nil, NewError("Open", CodeCorrupt, "file too short to hold a VHD footer")
	}

	footerBuf := make([]byte, constants.FooterSize)
	if _, err := f.ReadAt(footerBuf, fi.Size()-constants.FooterSize); err != nil {
		f.Close()
		return nil, WrapError("Open", err)
	}
	footer := wire.NewFooter()
	if err := footer.UnmarshalBinary(footerBuf); err != nil {
		f.Close()
		return nil, WrapError("Open", err)
	}
	if err := footer.Validate(); err != nil {
		f.Close()
		return nil, WrapError("Open", err)
	}

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	d := &Driver{
		file:          f,
		fd:            int(f.Fd()),
		footer:        footer,
		diskType:      footer.DiskType,
		path:          path,
		readOnly:      opts.ReadOnly,
		metrics:       metrics,
		observer:      observer,
		logger:        logger,
		fixedInflight: make(map[uint64]fixedPending),
	}

	ring := opts.Ring
	if ring == nil {
		depth := opts.QueueDepth
		if depth == 0 {
			depth = constants.DefaultQueueDepth
		}
		r, err := aio.New(depth)
		if err != nil {
			f.Close()
			return nil, WrapError("Open", err)
		}
		ring = r
	}
	d.ring = ring

	if footer.IsFixed() {
		d.sizeSectors = footer.CurrentSize / constants.SectorSize
		logger.Info("opened fixed image", "path", path, "sectors", d.sizeSectors)
		return d, nil
	}

	headerBuf := make([]byte, constants.DynamicHeaderSize)
	if _, err := f.ReadAt(headerBuf, int64(footer.DataOffset)); err != nil {
		f.Close()
		return nil, WrapError("Open", err)
	}
	header := wire.NewDynamicHeader()
	if err := header.UnmarshalBinary(headerBuf); err != nil {
		f.Close()
		return nil, WrapError("Open", err)
	}
	if err := header.Validate(); err != nil {
		f.Close()
		return nil, WrapError("Open", err)
	}

	batBuf := make([]byte, int(header.MaxTableEntries)*wire.BATEntrySize)
	if _, err := f.ReadAt(batBuf, int64(header.TableOffset)); err != nil {
		f.Close()
		return nil, WrapError("Open", err)
	}
	bat := wire.DecodeBATSector(batBuf)

	d.header = header
	d.bat = bat
	d.sizeSectors = footer.CurrentSize / constants.SectorSize
	d.eng = engine.New(d.fd, ring, bat, header, footer.DiskType, d.sizeSectors)
	d.eng.SetObserver(engineObserver{observer})

	logger.Info("opened image", "path", path, "diskType", footer.DiskType, "sectors", d.sizeSectors)
	return d, nil
}

// Close releases the image's file descriptor and AIO ring. Close is
// only legal with no outstanding requests — the caller must have
// drained every QueueRead/QueueWrite callback first.
func (d *Driver) Close() error {
	if d.ring != nil {
		if err := d.ring.Close(); err != nil {
			d.logger.Warn("error closing ring", "err", err)
		}
	}
	d.metrics.Stop()
	return d.file.Close()
}

// Size returns the image's logical size in bytes.
func (d *Driver) Size() int64 {
	return int64(d.sizeSectors) * constants.SectorSize
}

// Metrics returns this driver's metrics instance.
func (d *Driver) Metrics() *Metrics { return d.metrics }

// QueueRead schedules a read of numSectors sectors starting at
// sectorOffset into buf, invoking done once per resolved run.
func (d *Driver) QueueRead(sectorOffset uint64, numSectors uint32, buf []byte, done Callback) error {
	if d.eng != nil {
		return d.eng.QueueRead(sectorOffset, numSectors, buf, engine.Callback(done))
	}
	return d.queueFixed(sectorOffset, numSectors, buf, done, false)
}

// QueueWrite schedules a write of numSectors sectors starting at
// sectorOffset from buf, invoking done once per resolved run.
func (d *Driver) QueueWrite(sectorOffset uint64, numSectors uint32, buf []byte, done Callback) error {
	if d.eng != nil {
		return d.eng.QueueWrite(sectorOffset, numSectors, buf, engine.Callback(done))
	}
	return d.queueFixed(sectorOffset, numSectors, buf, done, true)
}

// queueFixed is the FIXED-image passthrough: one sector range maps
// directly to one file offset, no BAT or bitmap indirection, so the
// driver talks straight to the ring instead of constructing an Engine
// for a state machine with nothing to track.
func (d *Driver) queueFixed(sectorOffset uint64, numSectors uint32, buf []byte, done Callback, isWrite bool) error {
	if numSectors == 0 {
		done(sectorOffset, 0, nil)
		return nil
	}
	if sectorOffset+uint64(numSectors) > d.sizeSectors {
		return engine.ErrInvalidRange
	}

	ud := d.fixedNextUserData
	d.fixedNextUserData++
	d.fixedInflight[ud] = fixedPending{
		done: done, sectorOffset: sectorOffset, numSectors: numSectors,
		expectLen: len(buf), isWrite: isWrite, submittedAt: time.Now(),
	}

	offset := int64(sectorOffset) * constants.SectorSize
	var err error
	if isWrite {
		err = d.ring.PrepareWrite(d.fd, offset, buf, ud)
	} else {
		err = d.ring.PrepareRead(d.fd, offset, buf, ud)
	}
	if err != nil {
		delete(d.fixedInflight, ud)
		d.observeFixed(isWrite, len(buf), 0, err)
		done(sectorOffset, numSectors, err)
	}
	return nil
}

// observeFixed reports one FIXED-image I/O's outcome to the driver's
// Observer, the same data/bytes/latency shape the engine reports for
// DYNAMIC/DIFF images, since FIXED images bypass internal/engine
// entirely but still owe the caller real metrics.
func (d *Driver) observeFixed(isWrite bool, bytes int, latencyNs uint64, err error) {
	if isWrite {
		d.observer.ObserveDataWrite(uint64(bytes), latencyNs, err == nil)
	} else {
		d.observer.ObserveDataRead(uint64(bytes), latencyNs, err == nil)
	}
}

// Submit flushes the accumulated submission vector to the AIO ring
//.
func (d *Driver) Submit() (int, error) {
	if d.eng != nil {
		return d.eng.Submit()
	}
	return d.ring.Submit()
}

// DoCallbacks performs a non-blocking completion drain, routing each
// event through the engine's finishers (DYNAMIC/DIFF) or straight back
// to the caller (FIXED).
func (d *Driver) DoCallbacks() error {
	if d.eng != nil {
		return d.eng.DoCallbacks()
	}
	completions, err := d.ring.Poll()
	if err != nil {
		return err
	}
	for _, c := range completions {
		p, ok := d.fixedInflight[c.UserData]
		if !ok {
			continue
		}
		delete(d.fixedInflight, c.UserData)
		var ioErr error
		if c.Result < 0 {
			ioErr = fmt.Errorf("govhd: io error, result=%d", c.Result)
		} else if int(c.Result) != p.expectLen {
			ioErr = fmt.Errorf("govhd: short io, got=%d want=%d", c.Result, p.expectLen)
		}
		d.observeFixed(p.isWrite, p.expectLen, uint64(time.Since(p.submittedAt)), ioErr)
		p.done(p.sectorOffset, p.numSectors, ioErr)
	}
	return nil
}

// GetParentID returns the filesystem path of this image's parent, as
// recorded in its dynamic-disk header's locators. Only meaningful for
// DIFF images; FIXED and DYNAMIC images return locator.ErrNoParent.
func (d *Driver) GetParentID() (string, error) {
	if d.header == nil {
		return "", locator.ErrNoParent
	}
	return locator.DecodeParentID(d.header, d.readLocatorData)
}

func (d *Driver) readLocatorData(loc *wire.ParentLocator) ([]byte, error) {
	buf := make([]byte, loc.PlatformDataLength)
	if _, err := d.file.ReadAt(buf, int64(loc.PlatformDataOffset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ValidateParent verifies a candidate parent image's footer matches
// this (DIFF) image's recorded parent identity.
func (d *Driver) ValidateParent(parent *Driver) error {
	if d.header == nil {
		return NewError("ValidateParent", CodeInvalidArgument, "image has no dynamic header")
	}
	return locator.ValidateParent(d.header, parent.footer, parent.footer.Timestamp)
}

// CreateParams configures Create.
type CreateParams struct {
	Path             string
	SizeBytes        uint64
	DiskType         uint32 // DiskTypeFixed, DiskTypeDynamic, or DiskTypeDiff
	BlockSizeSectors uint32 // DYNAMIC/DIFF only; 0 uses constants.DefaultBlockSizeSectors
	ParentPath       string // required for DiskTypeDiff
	CreatorApp       string // 4 ASCII bytes; defaults to "gohd"
}

// Create builds a new VHD image on disk per params. FIXED images are
// preallocated flat files; DYNAMIC and DIFF images get a footer,
// dynamic-disk header, and an all-unused BAT, with DIFF additionally
// carrying a MACX parent locator.
func Create(params CreateParams) error {
	if params.DiskType == constants.DiskTypeDiff && params.ParentPath == "" {
		return NewError("Create", CodeInvalidArgument, "DIFF image requires ParentPath")
	}

	creatorApp := params.CreatorApp
	if creatorApp == "" {
		creatorApp = "gohd"
	}

	footer := wire.NewFooter()
	footer.FileFormatVersion = constants.DynamicHeaderVersion
	footer.Timestamp = wire.ToVHDTimestamp(time.Now())
	copy(footer.CreatorApp[:], creatorApp)
	footer.OriginalSize = params.SizeBytes
	footer.CurrentSize = params.SizeBytes
	footer.DiskType = params.DiskType
	footer.Geometry = chsGeometry(params.SizeBytes)
	if id, err := newUUID(); err == nil {
		footer.UniqueID = id
	}

	if params.DiskType == constants.DiskTypeFixed {
		return createFixed(params, footer)
	}
	return createSparse(params, footer)
}

func createFixed(params CreateParams, footer *wire.Footer) error {
	footer.DataOffset = constants.NoDataOffset
	checksum, err := footer.ComputeChecksum()
	if err != nil {
		return WrapError("Create", err)
	}
	footer.Checksum = checksum
	footerBuf, err := footer.MarshalBinary()
	if err != nil {
		return WrapError("Create", err)
	}

	f, err := os.Create(params.Path)
	if err != nil {
		return WrapError("Create", err)
	}
	defer f.Close()

	totalSize := int64(params.SizeBytes) + constants.FooterSize
	if err := f.Truncate(totalSize); err != nil {
		return WrapError("Create", err)
	}
	if _, err := f.WriteAt(footerBuf, int64(params.SizeBytes)); err != nil {
		return WrapError("Create", err)
	}
	return nil
}

func createSparse(params CreateParams, footer *wire.Footer) error {
	blockSizeSectors := params.BlockSizeSectors
	if blockSizeSectors == 0 {
		blockSizeSectors = constants.DefaultBlockSizeSectors
	}
	blockSize := blockSizeSectors * constants.SectorSize

	header := wire.NewDynamicHeader()
	header.BlockSize = blockSize
	header.MaxTableEntries = uint32((params.SizeBytes + uint64(blockSize) - 1) / uint64(blockSize))
	header.TableOffset = constants.FooterSize + constants.DynamicHeaderSize

	var locatorData []byte
	var locatorOffset uint64
	if params.DiskType == constants.DiskTypeDiff {
		parentFooter, err := readFooterOf(params.ParentPath)
		if err != nil {
			return WrapError("Create", err)
		}
		header.ParentUniqueID = parentFooter.UniqueID
		header.ParentTimestamp = parentFooter.Timestamp

		absPath, err := filepath.Abs(params.ParentPath)
		if err != nil {
			return WrapError("Create", err)
		}
		locatorData = wire.EncodeUTF8URI(absPath)

		nameBytes, err := wire.EncodeUTF16Path(filepath.Base(absPath))
		if err == nil {
			copy(header.ParentUnicodeName[:], nameBytes)
		}

		batBytes := int64(header.MaxTableEntries) * wire.BATEntrySize
		locatorOffset = alignUp(header.TableOffset+uint64(batBytes), constants.SectorSize*constants.SectorsPerPage)
		header.ParentLocators[0] = wire.ParentLocator{
			PlatformCode:       [4]byte{'M', 'A', 'C', 'X'},
			PlatformDataSpace:  uint32((len(locatorData) + constants.SectorSize - 1) / constants.SectorSize),
			PlatformDataLength: uint32(len(locatorData)),
			PlatformDataOffset: locatorOffset,
		}
	}

	footer.DataOffset = constants.FooterSize
	checksum, err := footer.ComputeChecksum()
	if err != nil {
		return WrapError("Create", err)
	}
	footer.Checksum = checksum
	footerBuf, err := footer.MarshalBinary()
	if err != nil {
		return WrapError("Create", err)
	}

	headerChecksum, err := header.ComputeChecksum()
	if err != nil {
		return WrapError("Create", err)
	}
	header.Checksum = headerChecksum
	headerBuf, err := header.MarshalBinary()
	if err != nil {
		return WrapError("Create", err)
	}

	bat := make([]uint32, header.MaxTableEntries)
	for i := range bat {
		bat[i] = constants.BATUnusedEntry
	}
	batBuf := wire.EncodeBATSector(bat)

	dataStart := alignUp(header.TableOffset+uint64(len(batBuf)), constants.SectorSize*constants.SectorsPerPage)
	if params.DiskType == constants.DiskTypeDiff && locatorOffset+uint64(len(locatorData)) > dataStart {
		dataStart = alignUp(locatorOffset+uint64(len(locatorData)), constants.SectorSize*constants.SectorsPerPage)
	}

	f, err := os.Create(params.Path)
	if err != nil {
		return WrapError("Create", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(footerBuf, 0); err != nil {
		return WrapError("Create", err)
	}
	if _, err := f.WriteAt(headerBuf, int64(constants.FooterSize)); err != nil {
		return WrapError("Create", err)
	}
	if _, err := f.WriteAt(batBuf, int64(header.TableOffset)); err != nil {
		return WrapError("Create", err)
	}
	if len(locatorData) > 0 {
		if _, err := f.WriteAt(locatorData, int64(locatorOffset)); err != nil {
			return WrapError("Create", err)
		}
	}
	if err := f.Truncate(int64(dataStart) + constants.FooterSize); err != nil {
		return WrapError("Create", err)
	}
	if _, err := f.WriteAt(footerBuf, int64(dataStart)); err != nil {
		return WrapError("Create", err)
	}
	return nil
}

// Snapshot creates a new DIFF image at childPath whose parent is the
// image currently open at d, ready to accept writes without disturbing
// the parent. The caller is responsible for serializing
// this against concurrent writers of the parent).
func (d *Driver) Snapshot(childPath string) error {
	return Create(CreateParams{
		Path:             childPath,
		SizeBytes:        uint64(d.Size()),
		DiskType:         constants.DiskTypeDiff,
		BlockSizeSectors: d.sectorsPerBlockOrDefault(),
		ParentPath:       d.path,
	})
}

func (d *Driver) sectorsPerBlockOrDefault() uint32 {
	if d.header != nil {
		return d.header.SectorsPerBlock()
	}
	return constants.DefaultBlockSizeSectors
}

func readFooterOf(path string) (*wire.Footer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, constants.FooterSize)
	if _, err := f.ReadAt(buf, fi.Size()-constants.FooterSize); err != nil {
		return nil, err
	}
	footer := wire.NewFooter()
	if err := footer.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	if err := footer.Validate(); err != nil {
		return nil, err
	}
	return footer, nil
}

func newUUID() (wire.UUID, error) {
	var u wire.UUID
	if _, err := rand.Read(u[:]); err != nil {
		return u, err
	}
	return u, nil
}

func alignUp(v, align uint64) uint64 {
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// chsGeometry approximates the CHS geometry the VHD spec recommends
// for a given image size, matching the rounding rule used by every
// known VHD writer.
func chsGeometry(sizeBytes uint64) wire.DiskGeometry {
	totalSectors := sizeBytes / constants.SectorSize
	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}

	var sectorsPerTrack, heads uint64
	var cylinderTimesHeads uint64

	if totalSectors >= 65535*16*63 {
		sectorsPerTrack = 255
		heads = 16
		cylinderTimesHeads = totalSectors / sectorsPerTrack
	} else {
		sectorsPerTrack = 17
		cylinderTimesHeads = totalSectors / sectorsPerTrack
		heads = (cylinderTimesHeads + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cylinderTimesHeads >= heads*1024 || heads > 16 {
			sectorsPerTrack = 31
			heads = 16
			cylinderTimesHeads = totalSectors / sectorsPerTrack
		}
		if cylinderTimesHeads >= heads*1024 {
			sectorsPerTrack = 63
			heads = 16
			cylinderTimesHeads = totalSectors / sectorsPerTrack
		}
	}

	cylinders := cylinderTimesHeads / heads
	return wire.DiskGeometry{
		Cylinders:       uint16(cylinders),
		Heads:           uint8(heads),
		SectorsPerTrack: uint8(sectorsPerTrack),
	}
}
