// Package shadow implements the page-granular copy-on-first-write log
// that lets a crashed write session be rolled back to the last
// committed state.
//
// Format:
//
//	Header (32 bytes):
//	  [0:8]   Magic     "DFSHDW\x00\x00"
//	  [8:12]  Version   uint32 BE
//	  [12:16] Reserved
//	  [16:24] MaxOrigOffset uint64 BE — highest original offset shadowed
//	  [24:28] HeaderCRC uint32 BE (CRC32-C of bytes 0:24)
//	  [28:32] Padding
//
//	Entry (repeated until EOF):
//	  [0:8]   OrigOffset (page-aligned) uint64 BE
//	  [8:8+PageSize] page bytes
package shadow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// PageSize is the shadowing granularity.
const PageSize = 1 << 14

const (
	headerSize  = 32
	entryHdrLen = 8
)

var magic = [8]byte{'D', 'F', 'S', 'H', 'D', 'W', 0, 0}

// IsMagic reports whether head starts with the shadow-file magic.
// Callers use it to tell an incremental backup apart from a ZIP
// snapshot sharing the same backup path.
func IsMagic(head []byte) bool {
	return len(head) >= 8 && string(head[:8]) == string(magic[:])
}

const formatVersion uint32 = 1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// DataFile is the minimal read surface ShadowFile needs from the data
// file it is shadowing — narrow enough that any raf.RandomAccessFile
// (or a test double) satisfies it.
type DataFile interface {
	Seek(offset int64) error
	Read(buf []byte) (int, error)
}

// File is an append-only log of original data-file pages, captured on
// first write within a commit cycle.
type File struct {
	f        *os.File
	path     string
	data     DataFile
	shadowed map[int64]struct{} // page-aligned original offsets already copied
	writePos int64
	maxOrig  int64
}

// Open opens or creates the shadow file at path. data is the data file
// whose original pages Copy will read from.
func Open(path string, data DataFile) (*File, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec // caller-chosen path
	if err != nil {
		return nil, fmt.Errorf("shadow: open: %w", err)
	}
	sf := &File{f: f, path: path, data: data, shadowed: make(map[int64]struct{})}
	if exists {
		if err := sf.readExisting(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := sf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		sf.writePos = headerSize
	}
	return sf, nil
}

func (sf *File) writeHeader() error {
	var hdr [headerSize]byte
	copy(hdr[0:8], magic[:])
	binary.BigEndian.PutUint32(hdr[8:12], formatVersion)
	binary.BigEndian.PutUint64(hdr[16:24], uint64(sf.maxOrig))
	crc := crc32.Checksum(hdr[:24], crcTable)
	binary.BigEndian.PutUint32(hdr[24:28], crc)
	if _, err := sf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("shadow: write header: %w", err)
	}
	return sf.f.Sync()
}

// readExisting replays an on-disk shadow file's entry index so Copy
// can continue skipping already-shadowed pages within the same
// process lifetime (used by the incremental BackupManager path, which
// reopens an existing shadow to append to it).
func (sf *File) readExisting() error {
	var hdr [headerSize]byte
	if _, err := sf.f.ReadAt(hdr[:], 0); err != nil && err != io.EOF {
		return fmt.Errorf("shadow: read header: %w", err)
	}
	if string(hdr[0:8]) != string(magic[:]) {
		return fmt.Errorf("shadow: bad magic")
	}
	ver := binary.BigEndian.Uint32(hdr[8:12])
	if ver != formatVersion {
		return fmt.Errorf("shadow: unsupported version %d", ver)
	}
	stored := binary.BigEndian.Uint32(hdr[24:28])
	if crc32.Checksum(hdr[:24], crcTable) != stored {
		return fmt.Errorf("shadow: header CRC mismatch")
	}
	sf.maxOrig = int64(binary.BigEndian.Uint64(hdr[16:24]))

	pos := int64(headerSize)
	for {
		var eh [entryHdrLen]byte
		n, err := sf.f.ReadAt(eh[:], pos)
		if n < entryHdrLen {
			break // EOF or truncated tail
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("shadow: read entry header: %w", err)
		}
		orig := int64(binary.BigEndian.Uint64(eh[:]))
		page := make([]byte, PageSize)
		if n, err := sf.f.ReadAt(page, pos+entryHdrLen); n < PageSize {
			if err != nil && err != io.EOF {
				return fmt.Errorf("shadow: read entry page: %w", err)
			}
			break // truncated tail entry — crash mid-append, ignore it
		}
		sf.shadowed[orig] = struct{}{}
		pos += entryHdrLen + PageSize
	}
	sf.writePos = pos
	return nil
}

// Copy captures every 16 KiB page overlapping [origOffset,
// origOffset+length) that has not already been shadowed in this
// commit cycle. Pages already shadowed are skipped so repeated writes
// to the same region cost nothing after the first.
func (sf *File) Copy(origOffset, length int64) error {
	if length <= 0 {
		return nil
	}
	start := origOffset - origOffset%PageSize
	end := origOffset + length
	for page := start; page < end; page += PageSize {
		if _, done := sf.shadowed[page]; done {
			continue
		}
		if err := sf.copyOnePage(page); err != nil {
			return err
		}
		sf.shadowed[page] = struct{}{}
		if page+PageSize > sf.maxOrig {
			sf.maxOrig = page + PageSize
		}
	}
	return nil
}

func (sf *File) copyOnePage(pageOffset int64) error {
	buf := make([]byte, PageSize)
	if err := sf.data.Seek(pageOffset); err != nil {
		return fmt.Errorf("shadow: seek original: %w", err)
	}
	n, err := sf.data.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("shadow: read original page: %w", err)
	}
	// A page read past current EOF (first write ever touching this
	// region) is zero-filled; n may be short.
	_ = n

	entry := make([]byte, entryHdrLen+PageSize)
	binary.BigEndian.PutUint64(entry[:entryHdrLen], uint64(pageOffset))
	copy(entry[entryHdrLen:], buf)

	if _, err := sf.f.WriteAt(entry, sf.writePos); err != nil {
		return fmt.Errorf("shadow: append entry: %w", err)
	}
	sf.writePos += int64(len(entry))
	return nil
}

// Synch flushes header and entries to durable storage. After this
// returns, RestoreFile can undo any overwrite of a previously-copied
// page.
func (sf *File) Synch() error {
	if err := sf.writeHeader(); err != nil {
		return err
	}
	return sf.f.Sync()
}

// SavedLength returns the total number of bytes shadowed so far.
func (sf *File) SavedLength() int64 {
	return int64(len(sf.shadowed)) * PageSize
}

// Close closes the shadow file without removing it.
func (sf *File) Close() error {
	return sf.f.Close()
}

// Discard closes and removes the shadow file. Safe to call on a
// successful commit, where the shadow's undo information is no longer
// needed.
func (sf *File) Discard() error {
	sf.f.Close()
	if err := os.Remove(sf.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shadow: remove: %w", err)
	}
	return nil
}
