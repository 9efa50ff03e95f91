// Package datafile implements the DataFileCache coordinator: the
// open/close/commit lifecycle, header and flag word maintenance, and
// the orchestration of the object cache, free-space manager, shadow
// file, and backup manager that sit underneath it. Locking is
// two-tier: the coordinator's sync.RWMutex covers each whole
// operation, while the object cache keeps a private mutex over its own
// map. The free-space structures have no lock of their own.
package datafile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lowlevelgo/dfcache/internal/backup"
	"github.com/lowlevelgo/dfcache/internal/freespace"
	"github.com/lowlevelgo/dfcache/internal/objcache"
	"github.com/lowlevelgo/dfcache/internal/raf"
	"github.com/lowlevelgo/dfcache/internal/rowio"
	"github.com/lowlevelgo/dfcache/internal/shadow"
)

// Error kinds surfaced to callers.
var (
	ErrWrongVersion    = errors.New("datafile: WRONG_DATABASE_FILE_VERSION")
	ErrDataFileFull    = errors.New("datafile: DATA_FILE_IS_FULL")
	ErrDataFileCorrupt = errors.New("datafile: corrupt row record")
	ErrClosed          = errors.New("datafile: cache is closed")
)

// Options configures a DataFileCache at Open time. Zero values pick
// sensible defaults except where noted.
type Options struct {
	Scale           uint32 // dataFileScale, one of {8,16,32,64,128,256,512,1024}; 0 -> 32
	Factor          int    // dataFileFactor; 0 -> 1
	MaxDataFileSize int64  // overrides INT32_MAX*Scale*Factor when nonzero
	Incremental     bool   // propIncrementBackup
	UseBlocks       bool   // propFileSpaces
	MMap            bool   // propNioDataFile
	MaxCacheRows    int    // propCacheMaxRows
	MaxCacheBytes   uint64 // propCacheMaxSize

	// Logger receives the cache's info/detail/severe events; nil uses
	// the process-wide standard logger.
	Logger *logrus.Entry
}

func (o Options) normalized() Options {
	if o.Scale == 0 {
		o.Scale = 32
	}
	if o.Factor == 0 {
		o.Factor = 1
	}
	if o.MaxDataFileSize == 0 {
		o.MaxDataFileSize = int64(2147483647) * int64(o.Scale) * int64(o.Factor)
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// DataFileCache is the coordinator: a single sync.RWMutex guards the
// whole operation set, held across blocking disk I/O.
type DataFileCache struct {
	mu sync.RWMutex

	basePath    string
	dataPath    string
	backupPath  string
	scale       uint32
	maxFileSize int64
	incremental bool
	useBlocks   bool

	raf        raf.RandomAccessFile
	cache      *objcache.Cache
	space      freespace.Manager
	backupMgr  *backup.Manager
	shadowFile *shadow.File
	store      rowio.PersistentStore
	log        *logrus.Entry

	physTail      int64 // physical file length in bytes; the logical tail (fileFreePosition) is space.Tail()
	lostSpaceSize uint64
	spaceListPos  uint32

	fileModified  bool
	cacheModified bool
	closed        bool
}

// cachedRowPadding is max(scale, 8): every stored record's size is a
// multiple of this.
func cachedRowPadding(scale uint32) uint32 {
	if scale > 8 {
		return scale
	}
	return 8
}

func roundUp(n, pad uint32) uint32 {
	if r := n % pad; r != 0 {
		return n + (pad - r)
	}
	return n
}

// readAt/writeAt seek then read/write through the RandomAccessFile's
// stateful cursor.
func (c *DataFileCache) readAt(off int64, buf []byte) error {
	if err := c.raf.Seek(off); err != nil {
		return err
	}
	n, err := c.raf.Read(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short read at %d: got %d want %d", ErrDataFileCorrupt, off, n, len(buf))
	}
	return nil
}

func (c *DataFileCache) writeAt(off int64, buf []byte) error {
	if err := c.raf.Seek(off); err != nil {
		return err
	}
	n, err := c.raf.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short write at %d: got %d want %d", ErrDataFileCorrupt, off, n, len(buf))
	}
	return nil
}

// enlargeFileSpace implements freespace.Enlarger. The logical tail
// comes from the free-space manager itself (c.space.Tail()), not from
// the file's physical OS length: a release that abuts the tail
// retracts the manager's logical tail below the physical length, and
// the next allocation past the free list must reuse that retracted
// range rather than growing the file again. The OS file is only
// extended (via EnsureLength) when the logical tail actually outgrows
// what was already allocated on disk.
func (c *DataFileCache) enlargeFileSpace(deltaBytes uint64) (uint64, error) {
	oldTailBytes := c.space.Tail() * uint64(c.scale)
	newTailBytes := oldTailBytes + deltaBytes
	if newTailBytes > uint64(c.maxFileSize) {
		return 0, ErrDataFileFull
	}
	if newTailBytes > uint64(c.physTail) {
		ok, err := c.raf.EnsureLength(int64(newTailBytes))
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrDataFileFull
		}
		c.physTail = int64(newTailBytes)
	}
	// Growing the file is the first mutation of a fresh commit cycle
	// when it happens right after a commit: the on-disk ISSAVED bit
	// must drop before anything else changes.
	_ = c.setFileModified()
	return oldTailBytes, nil
}

// Both free-space variants satisfy the table-space contract handed to
// external collaborators.
var _ rowio.TableSpaceManager = (freespace.Manager)(nil)

type enlargerAdapter struct{ c *DataFileCache }

func (e enlargerAdapter) EnlargeFileSpace(delta uint64) (uint64, error) {
	return e.c.enlargeFileSpace(delta)
}

// blockIOAdapter implements freespace.BlockIO over the coordinator's
// RandomAccessFile, for the persistent Blocks free-space variant.
// Positions are scaled units, like every other position in the file.
type blockIOAdapter struct{ c *DataFileCache }

const blockIOSize = 512

// BlockSize is 512 bytes, widened to one scale unit for the largest
// scales so it stays a multiple of the scale (a BlockIO requirement).
func (b blockIOAdapter) BlockSize() int {
	if int(b.c.scale) > blockIOSize {
		return int(b.c.scale)
	}
	return blockIOSize
}

func (b blockIOAdapter) ReadBlock(pos uint64) ([]byte, error) {
	buf := make([]byte, b.BlockSize())
	if err := b.c.readAt(int64(pos)*int64(b.c.scale), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBlock shadows the block's previous contents before
// overwriting, so a crash mid-commit rolls the chain back along with
// everything else.
func (b blockIOAdapter) WriteBlock(pos uint64, buf []byte) error {
	a := cacheStoreAdapter{b.c}
	if err := a.ShadowCopy(pos, uint32(len(buf))); err != nil {
		return err
	}
	if err := a.Synch(); err != nil {
		return err
	}
	return b.c.writeAt(int64(pos)*int64(b.c.scale), buf)
}

// cacheStoreAdapter implements objcache.Store, wiring the cache's
// flush protocol to the shadow file (when incremental) and the data
// file.
type cacheStoreAdapter struct{ c *DataFileCache }

func (a cacheStoreAdapter) ShadowCopy(pos uint64, size uint32) error {
	if a.c.shadowFile == nil {
		return nil // full-backup mode: pre-session ZIP covers recovery instead
	}
	return a.c.shadowFile.Copy(int64(pos)*int64(a.c.scale), int64(size))
}

func (a cacheStoreAdapter) WriteAt(pos uint64, size uint32, payload []byte) error {
	return a.c.writeAt(int64(pos)*int64(a.c.scale), recordBytes(size, payload))
}

func (a cacheStoreAdapter) Synch() error {
	if a.c.shadowFile != nil {
		return a.c.shadowFile.Synch()
	}
	return nil
}

func (a cacheStoreAdapter) SetFileModified() {
	_ = a.c.setFileModified()
}

// setFileModified implements the "first write of a commit cycle"
// sequence: read the flag word, clear ISSAVED, write it back, and
// synch, before any payload write. Subsequent writes in the same
// cycle skip this (fileModified already true). Best-effort: errors
// are logged and swallowed, since this runs inside an
// already-in-progress commit/save path.
func (c *DataFileCache) setFileModified() error {
	if c.fileModified {
		return nil
	}
	flags, err := c.loadFlags()
	if err != nil {
		c.log.WithError(err).Debug("setFileModified: flag read failed, continuing")
		return nil //nolint:nilerr // best-effort
	}
	flags = flags.Without(ISSaved)
	if err := c.storeFlags(flags); err != nil {
		c.log.WithError(err).Debug("setFileModified: flag write failed, continuing")
		return nil //nolint:nilerr
	}
	if err := c.raf.Synch(); err != nil {
		c.log.WithError(err).Debug("setFileModified: synch failed, continuing")
		return nil //nolint:nilerr
	}
	c.fileModified = true
	return nil
}
