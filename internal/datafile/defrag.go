package datafile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/lowlevelgo/dfcache/internal/freespace"
	"github.com/lowlevelgo/dfcache/internal/raf"
)

// RowDirectory enumerates the positions of every live row. The cache
// itself cannot produce this list — the free-space manager only knows
// about holes, not occupied regions — so the embedder's row directory
// or table-space index supplies it.
type RowDirectory interface {
	LivePositions() ([]uint64, error)
}

// Defrag runs the one-shot defragmentation pass: flush the cache,
// copy every live row in position order into a freshly
// created "<base>.data.new" file at compacted positions, then swap the
// compacted file in under the original name and carry on over it. The
// FILES_MODIFIED_NEW flag is persisted on the old file across the
// rotation so a crash mid-defrag is detected by the next Open (which
// discards the stale staging file; the old data file is still the
// recoverable one until the swap).
//
// The returned map is old-position -> new-position for every relocated
// row, for the caller to repoint whatever index structure referenced
// the old positions.
func (c *DataFileCache) Defrag(dir RowDirectory) (map[uint64]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if err := c.cache.SaveAll(); err != nil {
		return nil, fmt.Errorf("datafile: defrag: flush cache: %w", err)
	}

	flags, err := c.loadFlags()
	if err != nil {
		return nil, fmt.Errorf("datafile: defrag: load flags: %w", err)
	}
	if err := c.storeFlags(flags.With(FilesModifiedNew)); err != nil {
		return nil, fmt.Errorf("datafile: defrag: mark modified-new: %w", err)
	}
	if err := c.raf.Synch(); err != nil {
		return nil, fmt.Errorf("datafile: defrag: synch modified-new flag: %w", err)
	}

	positions, err := dir.LivePositions()
	if err != nil {
		return nil, fmt.Errorf("datafile: defrag: enumerate live rows: %w", err)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	c.log.WithField("rows", len(positions)).Info("defrag started")

	newPath := c.dataPath + ".new"
	os.Remove(newPath)
	newFile, err := raf.Open(raf.VariantBuffered, newPath, false)
	if err != nil {
		return nil, fmt.Errorf("datafile: defrag: create staging file: %w", err)
	}

	remap := make(map[uint64]uint64, len(positions))
	cursor := minInitialFreePos(c.scale)
	for _, pos := range positions {
		entry, err := c.readEntryFromDisk(pos, 0)
		if err != nil {
			newFile.Close()
			os.Remove(newPath)
			return nil, fmt.Errorf("datafile: defrag: read pos %d: %w", pos, err)
		}
		record := recordBytes(entry.Size, entry.Payload)
		if err := newFile.Seek(cursor); err != nil {
			newFile.Close()
			os.Remove(newPath)
			return nil, err
		}
		if _, err := newFile.Write(record); err != nil {
			newFile.Close()
			os.Remove(newPath)
			return nil, fmt.Errorf("datafile: defrag: write pos %d: %w", pos, err)
		}
		remap[pos] = uint64(cursor) / uint64(c.scale)
		cursor += int64(entry.Size)
	}

	newHdr := Header{
		EmptySize:    0,
		FreePos:      uint64(cursor),
		SpaceListPos: 0,
		Flags:        ISSaved.With(RowInfo).With(VNew),
	}
	if c.incremental {
		newHdr.Flags = newHdr.Flags.With(IsShadowed)
	}
	if err := newFile.Seek(0); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return nil, err
	}
	if _, err := newFile.Write(MarshalHeader(newHdr)); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return nil, fmt.Errorf("datafile: defrag: write staging header: %w", err)
	}
	if err := newFile.Synch(); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return nil, fmt.Errorf("datafile: defrag: synch staging file: %w", err)
	}
	if err := newFile.Close(); err != nil {
		os.Remove(newPath)
		return nil, fmt.Errorf("datafile: defrag: close staging file: %w", err)
	}

	if err := c.raf.Close(); err != nil {
		return nil, fmt.Errorf("datafile: defrag: close current file: %w", err)
	}
	if err := atomic.ReplaceFile(newPath, c.dataPath); err != nil {
		return nil, fmt.Errorf("datafile: defrag: rotate into place: %w", err)
	}

	reopened, err := raf.Open(raf.VariantBuffered, c.dataPath, false)
	if err != nil {
		return nil, fmt.Errorf("datafile: defrag: reopen rotated file: %w", err)
	}
	c.raf = reopened
	c.physTail = cursor
	c.lostSpaceSize = 0
	c.spaceListPos = 0
	c.cache.Clear()

	// The compacted file has no holes: the free-space manager restarts
	// empty with the new tail.
	tailUnits := uint64(cursor) / uint64(c.scale)
	if c.useBlocks {
		c.space = freespace.NewBlocks(c.scale, enlargerAdapter{c}, tailUnits, blockIOAdapter{c})
	} else {
		c.space = freespace.NewSimple(c.scale, enlargerAdapter{c}, tailUnits)
	}

	// The pre-defrag backup artifact describes a file that no longer
	// exists; drop it and start the write path over the rotated file.
	if err := c.backupMgr.Discard(); err != nil {
		return nil, fmt.Errorf("datafile: defrag: discard stale backup: %w", err)
	}
	if c.incremental {
		c.shadowFile = nil
		sf, err := c.backupMgr.OpenShadow(c.raf)
		if err != nil {
			return nil, fmt.Errorf("datafile: defrag: reopen shadow: %w", err)
		}
		c.shadowFile = sf
	} else {
		if err := c.backupMgr.SnapshotBeforeSession(); err != nil {
			return nil, fmt.Errorf("datafile: defrag: refresh snapshot: %w", err)
		}
	}

	c.fileModified = false
	c.cacheModified = false
	c.log.WithField("freePos", cursor).Info("defrag complete")
	return remap, nil
}

// recordBytes assembles the on-disk record for a row: 4-byte size
// prefix, payload, zero padding out to the slot's storage size.
func recordBytes(size uint32, payload []byte) []byte {
	record := make([]byte, size)
	binary.BigEndian.PutUint32(record[:4], size)
	copy(record[4:], payload)
	return record
}
