package freespace

import (
	"encoding/binary"
	"fmt"
)

// Block metadata layout: a fixed-capacity chain of allocation blocks,
// each storing an array of (offset, length) region entries plus a
// next-block pointer.
//
//	[0:8]   NextBlockPos  uint64 BE — scaled position of next block, 0 = end
//	[8:12]  EntryCount    uint32 BE
//	[12:12+16*EntryCount] entries: (Offset uint64 BE, Length uint64 BE)

const (
	blockMetaHdrLen = 12
	blockEntryLen   = 16
	// BlockUnits is the alignment, in scaled units, of an asBlock
	// allocation. Metadata chain blocks are allocated in BlockSize
	// bytes, not in BlockUnits.
	BlockUnits = blockAlignUnits
)

// BlockIO is the narrow persistence surface Blocks needs from the
// coordinator: read/write a fixed-size metadata block by scaled
// position. Block positions themselves are allocated through the
// region set, like any row, so the tail advances and freed space is
// reused first. BlockSize must be a multiple of the scale.
type BlockIO interface {
	ReadBlock(pos uint64) ([]byte, error)
	WriteBlock(pos uint64, buf []byte) error
	BlockSize() int
}

// Blocks is the persistent variant: free regions are additionally
// mirrored into a linked chain of metadata blocks rooted at
// spaceManagerPosition, so a clean close/reopen rebuilds the in-memory
// structure without relying on the coordinator's own recovery.
type Blocks struct {
	rs       regionSet
	io       BlockIO
	root     uint64   // spaceManagerPosition; 0 = none yet
	chain    []uint64 // scaled positions of the persisted chain's blocks
	modified bool
}

// NewBlocks creates an empty Blocks manager (new file case).
func NewBlocks(scale uint32, enl Enlarger, initialTail uint64, io BlockIO) *Blocks {
	return &Blocks{rs: newRegionSet(scale, enl, initialTail), io: io}
}

// OpenBlocks walks the metadata chain rooted at root and rebuilds the
// in-memory free-region set.
func OpenBlocks(scale uint32, enl Enlarger, initialTail uint64, io BlockIO, root uint64) (*Blocks, error) {
	b := &Blocks{rs: newRegionSet(scale, enl, initialTail), io: io, root: root}
	pos := root
	for pos != 0 {
		buf, err := io.ReadBlock(pos)
		if err != nil {
			return nil, fmt.Errorf("freespace: load block %d: %w", pos, err)
		}
		next, entries, err := decodeBlock(buf)
		if err != nil {
			return nil, err
		}
		for _, r := range entries {
			b.rs.regions = b.rs.insertCoalesced(b.rs.regions, r)
		}
		b.chain = append(b.chain, pos)
		pos = next
	}
	return b, nil
}

func decodeBlock(buf []byte) (next uint64, entries []Region, err error) {
	if len(buf) < blockMetaHdrLen {
		return 0, nil, fmt.Errorf("freespace: block too short")
	}
	next = binary.BigEndian.Uint64(buf[0:8])
	count := binary.BigEndian.Uint32(buf[8:12])
	off := blockMetaHdrLen
	for i := uint32(0); i < count; i++ {
		if off+blockEntryLen > len(buf) {
			return 0, nil, fmt.Errorf("freespace: block entry overruns buffer")
		}
		o := binary.BigEndian.Uint64(buf[off : off+8])
		l := binary.BigEndian.Uint64(buf[off+8 : off+16])
		entries = append(entries, Region{Offset: o, Length: l})
		off += blockEntryLen
	}
	return next, entries, nil
}

func encodeBlock(size int, next uint64, entries []Region) []byte {
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], next)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(entries)))
	off := blockMetaHdrLen
	for _, r := range entries {
		binary.BigEndian.PutUint64(buf[off:off+8], r.Offset)
		binary.BigEndian.PutUint64(buf[off+8:off+16], r.Length)
		off += blockEntryLen
	}
	return buf
}

func (b *Blocks) GetFilePosition(rowSize uint32, asBlock bool) (uint64, error) {
	pos, err := b.rs.allocateOrGrow(rowSize, asBlock)
	if err != nil {
		return 0, err
	}
	b.modified = true
	return pos, nil
}

func (b *Blocks) Release(pos uint64, size uint32) error {
	if err := b.rs.release(pos, size); err != nil {
		return err
	}
	b.modified = true
	return nil
}

func (b *Blocks) FreeBlockCount() int    { return b.rs.freeBlockCount() }
func (b *Blocks) FreeBlockSize() uint64  { return b.rs.freeBlockSize() }
func (b *Blocks) LostBlocksSize() uint64 { return b.rs.lost }
func (b *Blocks) IsModified() bool       { return b.modified }
func (b *Blocks) Tail() uint64           { return b.rs.tail }

// Root returns the scaled position of the chain head, for the
// coordinator to persist as INT_SPACE_LIST_POS.
func (b *Blocks) Root() uint64 { return b.root }

// neededBlocks is how many chain blocks the current region set fills.
func (b *Blocks) neededBlocks() int {
	capacity := (b.io.BlockSize() - blockMetaHdrLen) / blockEntryLen
	return (len(b.rs.regions) + capacity - 1) / capacity
}

// Close flushes the in-memory region set into the metadata block
// chain. The previous chain's blocks are rewritten in place; the
// chain only grows when the region set outgrew it, and shed blocks
// rejoin the free set, so repeated closes never advance the tail.
func (b *Blocks) Close() error {
	if !b.modified {
		return nil
	}
	blockSize := uint32(b.io.BlockSize())

	// Shed chain blocks the region set no longer fills; their space
	// rejoins the free set (or retracts the tail) and is persisted
	// like any other region.
	for len(b.chain) > b.neededBlocks() {
		last := b.chain[len(b.chain)-1]
		b.chain = b.chain[:len(b.chain)-1]
		if err := b.rs.release(last, blockSize); err != nil {
			return fmt.Errorf("freespace: release metadata block: %w", err)
		}
	}
	// Grow the chain when the region set outgrew it. Allocation goes
	// through the region set itself, so freed space is reused first
	// and the tail advances like a row allocation would.
	for len(b.chain) < b.neededBlocks() {
		pos, err := b.rs.allocateOrGrow(blockSize, false)
		if err != nil {
			return fmt.Errorf("freespace: alloc metadata block: %w", err)
		}
		b.chain = append(b.chain, pos)
	}

	if len(b.chain) == 0 {
		b.root = 0
		b.modified = false
		return nil
	}

	// An allocation above may have consumed regions, leaving a block
	// or two past the need; they are written with empty entry lists
	// and stay linked for reuse on the next close.
	capacity := (b.io.BlockSize() - blockMetaHdrLen) / blockEntryLen
	for i, pos := range b.chain {
		var chunk []Region
		if start := i * capacity; start < len(b.rs.regions) {
			end := start + capacity
			if end > len(b.rs.regions) {
				end = len(b.rs.regions)
			}
			chunk = b.rs.regions[start:end]
		}
		var next uint64
		if i+1 < len(b.chain) {
			next = b.chain[i+1]
		}
		if err := b.io.WriteBlock(pos, encodeBlock(b.io.BlockSize(), next, chunk)); err != nil {
			return fmt.Errorf("freespace: write metadata block: %w", err)
		}
	}
	b.root = b.chain[0]
	b.modified = false
	return nil
}
