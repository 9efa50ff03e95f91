package datafile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/lowlevelgo/dfcache/internal/backup"
	"github.com/lowlevelgo/dfcache/internal/freespace"
	"github.com/lowlevelgo/dfcache/internal/objcache"
	"github.com/lowlevelgo/dfcache/internal/raf"
	"github.com/lowlevelgo/dfcache/internal/rowio"
)

// Open brings up a DataFileCache over basePath+".data":
//
//  1. if the data file exists, read its header read-only and decide
//     {isSaved, wrongVersion} before touching anything
//  2. wrongVersion fails immediately with WRONG_DATABASE_FILE_VERSION
//  3. isSaved with a leftover shadow log means the previous session
//     shut down cleanly (or the backup mode was switched); the stale
//     shadow is deleted (a ZIP snapshot is kept)
//  4. not isSaved runs recovery from whatever backup artifact is
//     present (ZIP restore or shadow replay); none present means the
//     data file is assumed intact
//  5. the recovered file is reopened read-write and its header fields
//     loaded; the free-space manager is built from the space-list root
//  6. the session's backup write path opens (fresh shadow, or a ZIP
//     snapshot of an existing data file; a new file gets none)
//  7. ISSAVED is cleared on disk so a crash from here on is detected
func Open(basePath string, opts Options, store rowio.PersistentStore) (*DataFileCache, error) {
	opts = opts.normalized()
	dataPath := basePath + ".data"
	backupPath := basePath + ".backup"
	log := opts.Logger.WithField("data", dataPath)

	bm := backup.New(dataPath, backupPath, opts.Incremental, log)
	isNew := false
	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		isNew = true
	} else {
		hdr, err := readHeaderReadOnly(dataPath)
		if err != nil {
			return nil, err
		}
		if hdr.Flags.Has(ISSaved) {
			if err := bm.DropStaleShadow(); err != nil {
				return nil, err
			}
		} else {
			if err := bm.Recover(); err != nil {
				return nil, fmt.Errorf("datafile: recover: %w", err)
			}
		}
	}

	// A leftover rotation staging file means a defrag crashed before
	// its final swap; the half-built copy is garbage.
	if err := os.Remove(dataPath + ".new"); err == nil {
		log.Info("removed stale defrag staging file")
	}

	variant := raf.VariantBuffered
	if opts.MMap {
		variant = raf.VariantMMap
	}
	f, err := raf.Open(variant, dataPath, false)
	if err != nil {
		return nil, fmt.Errorf("datafile: open data file: %w", err)
	}

	c := &DataFileCache{
		basePath:    basePath,
		dataPath:    dataPath,
		backupPath:  backupPath,
		scale:       opts.Scale,
		maxFileSize: opts.MaxDataFileSize,
		incremental: opts.Incremental,
		useBlocks:   opts.UseBlocks,
		raf:         f,
		backupMgr:   bm,
		store:       store,
		log:         log,
	}

	var hdr Header
	if isNew {
		hdr = initHeader(opts.Scale, opts.Incremental)
		if err := c.writeHeaderAndGrow(hdr); err != nil {
			f.Close()
			return nil, err
		}
		log.WithField("scale", opts.Scale).Info("created new data file")
	} else {
		hdr, err = c.readHeader()
		if err != nil {
			f.Close()
			return nil, err
		}
		length, err := f.Length()
		if err != nil {
			f.Close()
			return nil, err
		}
		c.physTail = length
	}
	c.lostSpaceSize = hdr.EmptySize
	c.spaceListPos = hdr.SpaceListPos

	tailUnits := hdr.FreePos / uint64(opts.Scale)
	if opts.UseBlocks {
		if hdr.SpaceListPos == 0 {
			c.space = freespace.NewBlocks(opts.Scale, enlargerAdapter{c}, tailUnits, blockIOAdapter{c})
		} else {
			sp, err := freespace.OpenBlocks(opts.Scale, enlargerAdapter{c}, tailUnits, blockIOAdapter{c}, uint64(hdr.SpaceListPos))
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("datafile: open block free-space list: %w", err)
			}
			c.space = sp
		}
	} else {
		c.space = freespace.NewSimple(opts.Scale, enlargerAdapter{c}, tailUnits)
	}

	c.cache = objcache.New(opts.MaxCacheRows, opts.MaxCacheBytes, cacheStoreAdapter{c})

	if opts.Incremental {
		sf, err := bm.OpenShadow(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("datafile: open shadow: %w", err)
		}
		c.shadowFile = sf
	} else if !isNew {
		if err := bm.SnapshotBeforeSession(); err != nil {
			f.Close()
			return nil, fmt.Errorf("datafile: snapshot before session: %w", err)
		}
	}

	flags := hdr.Flags.Without(ISSaved).Without(FilesModifiedNew)
	if err := c.storeFlags(flags); err != nil {
		f.Close()
		return nil, err
	}
	if err := c.raf.Synch(); err != nil {
		f.Close()
		return nil, err
	}

	return c, nil
}

// readHeaderReadOnly peeks at an existing data file's header without
// opening it for writing, so the recovery decision is made before the
// file is touched.
func readHeaderReadOnly(dataPath string) (Header, error) {
	f, err := raf.Open(raf.VariantReadOnly, dataPath, true)
	if err != nil {
		return Header{}, fmt.Errorf("datafile: open for header read: %w", err)
	}
	defer f.Close()
	buf := make([]byte, headerSize)
	if err := f.Seek(0); err != nil {
		return Header{}, err
	}
	n, err := f.Read(buf)
	if err != nil {
		return Header{}, fmt.Errorf("datafile: read header: %w", err)
	}
	if n != headerSize {
		return Header{}, fmt.Errorf("%w: truncated header: %d bytes", ErrDataFileCorrupt, n)
	}
	return UnmarshalHeader(buf)
}

func (c *DataFileCache) readHeader() (Header, error) {
	buf := make([]byte, headerSize)
	if err := c.readAt(0, buf); err != nil {
		return Header{}, fmt.Errorf("datafile: read header: %w", err)
	}
	return UnmarshalHeader(buf)
}

func (c *DataFileCache) writeHeaderAndGrow(h Header) error {
	ok, err := c.raf.EnsureLength(int64(h.FreePos))
	if err != nil {
		return fmt.Errorf("datafile: grow to initial free pos: %w", err)
	}
	if !ok {
		return ErrDataFileFull
	}
	c.physTail = int64(h.FreePos)
	if err := c.writeAt(0, MarshalHeader(h)); err != nil {
		return fmt.Errorf("datafile: write header: %w", err)
	}
	return c.raf.Synch()
}

// Commit flushes all dirty cached rows, persists the free-space
// manager's own state,
// write the updated header, sync, then drop the backup artifact since
// the data file is now self-consistent.
func (c *DataFileCache) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.cache.SaveAll(); err != nil {
		return fmt.Errorf("datafile: commit: save cache: %w", err)
	}
	// Closing a dirty free-space manager rewrites its metadata chain
	// in the data file; the on-disk ISSAVED bit must drop before that
	// write, same as for any row flush.
	if c.space.IsModified() {
		_ = c.setFileModified()
	}
	if err := c.space.Close(); err != nil {
		return fmt.Errorf("datafile: commit: close free-space manager: %w", err)
	}
	// The persistent Blocks variant roots its metadata chain at a
	// position only it knows; Simple has no such root and
	// spaceListPos stays 0.
	if rooted, ok := c.space.(interface{ Root() uint64 }); ok {
		c.spaceListPos = uint32(rooted.Root())
	}

	hdr := Header{
		EmptySize:    c.lostSpaceSize + c.space.LostBlocksSize(),
		FreePos:      c.space.Tail() * uint64(c.scale),
		SpaceListPos: c.spaceListPos,
		Flags:        ISSaved.With(RowInfo).With(VNew),
	}
	if c.incremental {
		hdr.Flags = hdr.Flags.With(IsShadowed)
	}
	if err := c.writeAt(0, MarshalHeader(hdr)); err != nil {
		return fmt.Errorf("datafile: commit: write header: %w", err)
	}
	if err := c.raf.Synch(); err != nil {
		return fmt.Errorf("datafile: commit: synch: %w", err)
	}

	if err := c.backupMgr.Discard(); err != nil {
		return fmt.Errorf("datafile: commit: discard backup: %w", err)
	}
	if c.incremental {
		c.shadowFile = nil
		sf, err := c.backupMgr.OpenShadow(c.raf)
		if err != nil {
			return fmt.Errorf("datafile: commit: reopen shadow: %w", err)
		}
		c.shadowFile = sf
	} else {
		// Re-arm recovery for the rest of the session: the next crash
		// must roll back to the state just committed, not to the
		// session's opening snapshot.
		if err := c.backupMgr.SnapshotBeforeSession(); err != nil {
			return fmt.Errorf("datafile: commit: refresh snapshot: %w", err)
		}
	}

	c.fileModified = false
	c.cacheModified = false
	c.log.WithField("freePos", hdr.FreePos).Debug("commit complete")
	return nil
}

// Close shuts the cache down. commit=true runs the full commit
// protocol first (clean shutdown) and reports its errors. commit=false
// never propagates an error past the caller: failures are
// logged and swallowed, any shadow log or ZIP snapshot is left on disk
// untouched so the next Open's recovery step can replay it.
func (c *DataFileCache) Close(commit bool) error {
	c.mu.RLock()
	alreadyClosed := c.closed
	c.mu.RUnlock()
	if alreadyClosed {
		return nil
	}

	var commitErr error
	if commit {
		commitErr = c.Commit()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shadowFile != nil {
		if err := c.shadowFile.Synch(); err != nil {
			c.log.WithError(err).Error("close: shadow synch failed")
		}
		if err := c.shadowFile.Close(); err != nil {
			c.log.WithError(err).Error("close: shadow close failed")
		}
	}
	if err := c.space.Close(); err != nil {
		c.log.WithError(err).Error("close: free-space manager close failed")
	}
	closeErr := c.raf.Close()
	c.closed = true
	if !commit {
		if closeErr != nil {
			c.log.WithError(closeErr).Error("close: data file close failed")
		}
		return nil
	}
	if commitErr != nil {
		return commitErr
	}
	return closeErr
}

// Add hands payload to the configured PersistentStore for encoding,
// allocates storage for the result, and inserts it into the cache as a
// dirty (not-yet-flushed) entry, returning its scaled-unit file
// position — the reference callers use for Get/Remove.
func (c *DataFileCache) Add(payload []byte, asBlock bool) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	out, err := c.store.Set(payload)
	if err != nil {
		return 0, fmt.Errorf("datafile: add: encode: %w", err)
	}
	encoded := out.Bytes()

	pad := cachedRowPadding(c.scale)
	size := roundUp(uint32(4+len(encoded)), pad)
	pos, err := c.space.GetFilePosition(size, asBlock)
	if err != nil {
		return 0, fmt.Errorf("datafile: add: allocate: %w", err)
	}
	entry := &objcache.Entry{Pos: pos, Size: size, Dirty: true, Payload: encoded}
	if err := c.putWithOOMRetry(entry); err != nil {
		return 0, fmt.Errorf("datafile: add: cache insert: %w", err)
	}
	c.cacheModified = true
	return pos, nil
}

// SaveRow re-encodes payload and writes it in place over the row at
// pos, shadowing the old bytes first — the immediate-write path, as
// opposed to Add's write-behind through the cache.
// The slot's storage size is fixed at allocation; a replacement
// that no longer fits must go through Remove+Add instead.
func (c *DataFileCache) SaveRow(pos uint64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	out, err := c.store.Set(payload)
	if err != nil {
		return fmt.Errorf("datafile: saveRow: encode: %w", err)
	}
	encoded := out.Bytes()

	var slot uint32
	if e, ok := c.cache.Get(pos); ok {
		slot = e.Size
		c.cache.Release(pos)
	} else {
		prefix := make([]byte, 4)
		if err := c.readAt(int64(pos)*int64(c.scale), prefix); err != nil {
			return fmt.Errorf("datafile: saveRow: read size prefix at %d: %w", pos, err)
		}
		slot = binary.BigEndian.Uint32(prefix)
	}
	if uint32(4+len(encoded)) > slot {
		return fmt.Errorf("%w: row of %d bytes does not fit slot of %d at pos %d",
			ErrDataFileCorrupt, 4+len(encoded), slot, pos)
	}

	a := cacheStoreAdapter{c}
	a.SetFileModified()
	if err := a.ShadowCopy(pos, slot); err != nil {
		return fmt.Errorf("datafile: saveRow: shadow: %w", err)
	}
	if err := a.Synch(); err != nil {
		return fmt.Errorf("datafile: saveRow: synch shadow: %w", err)
	}
	if err := a.WriteAt(pos, slot, encoded); err != nil {
		return fmt.Errorf("datafile: saveRow: write: %w", err)
	}

	entry := &objcache.Entry{Pos: pos, Size: slot, Payload: encoded}
	if err := c.putWithOOMRetry(entry); err != nil {
		return fmt.Errorf("datafile: saveRow: cache insert: %w", err)
	}
	c.cacheModified = true
	return nil
}

// Get returns the row stored at pos, reading from disk on a cache
// miss. keep=true leaves the entry pinned in the cache for a
// subsequent Release; false pins and immediately releases it (a
// one-shot peek).
func (c *DataFileCache) Get(pos uint64, keep bool) ([]byte, error) {
	return c.get(pos, 0, keep)
}

// GetWithSize is Get for callers that already know the row's storage
// size, skipping the size-prefix read on a cache miss. Both entry
// points share one primitive.
func (c *DataFileCache) GetWithSize(pos uint64, size uint32, keep bool) ([]byte, error) {
	return c.get(pos, size, keep)
}

func (c *DataFileCache) get(pos uint64, size uint32, keep bool) ([]byte, error) {
	c.mu.RLock()
	if e, ok := c.cache.Get(pos); ok {
		c.mu.RUnlock()
		if !keep {
			c.cache.Release(pos)
		}
		return c.decode(e.Payload)
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	// Double-checked: another writer may have populated the cache
	// between the read-lock release above and taking the write lock.
	if e, ok := c.cache.Get(pos); ok {
		if !keep {
			c.cache.Release(pos)
		}
		return c.decode(e.Payload)
	}

	entry, err := c.readEntryFromDisk(pos, size)
	if err != nil {
		return nil, err
	}
	// A record that does not decode is not cached, so a repeated Get
	// reads the disk again.
	if _, err := c.decode(entry.Payload); err != nil {
		return nil, err
	}
	if err := c.putWithOOMRetry(entry); err != nil {
		return nil, fmt.Errorf("datafile: get: cache insert: %w", err)
	}
	payload := entry.Payload
	if e, ok := c.cache.Get(pos); ok {
		payload = e.Payload
		if !keep {
			c.cache.Release(pos)
		}
	}
	return c.decode(payload)
}

func (c *DataFileCache) decode(raw []byte) ([]byte, error) {
	payload, _, err := c.store.Get(rowio.NewRowInput(raw))
	if err != nil {
		return nil, fmt.Errorf("datafile: decode: %w", err)
	}
	return payload, nil
}

// readEntryFromDisk reads the record at pos. size=0 means the storage
// size is unknown and is taken from the record's own 4-byte prefix.
func (c *DataFileCache) readEntryFromDisk(pos uint64, size uint32) (*objcache.Entry, error) {
	if size == 0 {
		prefix := make([]byte, 4)
		if err := c.readAt(int64(pos)*int64(c.scale), prefix); err != nil {
			return nil, fmt.Errorf("datafile: read size prefix at %d: %w", pos, err)
		}
		size = binary.BigEndian.Uint32(prefix)
	}
	if size < 4 {
		return nil, fmt.Errorf("%w: implausible size %d at pos %d", ErrDataFileCorrupt, size, pos)
	}
	payload := make([]byte, size-4)
	if len(payload) > 0 {
		if err := c.readAt(int64(pos)*int64(c.scale)+4, payload); err != nil {
			return nil, fmt.Errorf("datafile: read payload at %d: %w", pos, err)
		}
	}
	return &objcache.Entry{Pos: pos, Size: size, Payload: payload}, nil
}

// putWithOOMRetry inserts with one bounded retry: if the first
// attempt fails, a forced cleanup pass drops the weakest cache
// entries and the insert is retried once before giving up.
func (c *DataFileCache) putWithOOMRetry(e *objcache.Entry) error {
	if err := c.cache.Put(e); err == nil {
		return nil
	} else if cerr := c.cache.ForceCleanUp(); cerr != nil {
		return cerr
	}
	return c.cache.Put(e)
}

// Release decrements the pin count left by a Get with keep=true,
// making the row evictable again once it reaches zero.
func (c *DataFileCache) Release(pos uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Release(pos)
}

// Remove releases a row's storage back to the free-space manager and
// drops it from the cache without flushing it (it is about to be
// overwritten or is logically deleted).
func (c *DataFileCache) Remove(pos uint64, size uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.cache.ReleaseRange(pos, pos+1)
	if err := c.space.Release(pos, size); err != nil {
		return fmt.Errorf("datafile: remove: release: %w", err)
	}
	c.cacheModified = true
	return nil
}

// ReleaseRange evicts cached objects in [start, limit) without
// flushing them, regardless of pin state.
func (c *DataFileCache) ReleaseRange(start, limit uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.ReleaseRange(start, limit)
}
