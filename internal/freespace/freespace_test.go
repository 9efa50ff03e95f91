package freespace

import (
	"errors"
	"testing"
)

// fakeEnlarger extends an in-memory tail, standing in for the
// coordinator's enlargeFileSpace.
type fakeEnlarger struct {
	tail uint64 // bytes
	max  uint64 // 0 = unlimited
}

func (e *fakeEnlarger) EnlargeFileSpace(delta uint64) (uint64, error) {
	if e.max != 0 && e.tail+delta > e.max {
		return 0, errFull
	}
	old := e.tail
	e.tail += delta
	return old, nil
}

var errFull = errors.New("freespace: file full")

func TestSimple_AllocateReleaseReallocate(t *testing.T) {
	const scale = 16
	enl := &fakeEnlarger{tail: 32}
	fs := NewSimple(scale, enl, 32/scale)

	var positions []uint64
	for i := 0; i < 3; i++ {
		pos, err := fs.GetFilePosition(32, false)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		positions = append(positions, pos)
	}
	// Three consecutive 32-byte (2-unit) rows after the 32-byte header.
	if positions[0] != 2 || positions[1] != 4 || positions[2] != 6 {
		t.Fatalf("unexpected positions: %v", positions)
	}

	if err := fs.Release(positions[1], 32); err != nil {
		t.Fatalf("release: %v", err)
	}
	reused, err := fs.GetFilePosition(32, false)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if reused != positions[1] {
		t.Fatalf("expected first-fit reuse of %d, got %d", positions[1], reused)
	}
	if fs.LostBlocksSize() != 0 {
		t.Fatalf("lostSpaceSize should remain 0, got %d", fs.LostBlocksSize())
	}
}

func TestSimple_GrowBeyondCapFails(t *testing.T) {
	const scale = 16
	enl := &fakeEnlarger{tail: 4096, max: 4096}
	fs := NewSimple(scale, enl, 4096/scale)

	before := fs.FreeBlockCount()
	_, err := fs.GetFilePosition(32, false)
	if err == nil {
		t.Fatalf("expected allocation beyond cap to fail")
	}
	if fs.FreeBlockCount() != before {
		t.Fatalf("free-space state mutated on failed allocation")
	}
}

func TestSimple_CoalescesAdjacentReleases(t *testing.T) {
	const scale = 16
	enl := &fakeEnlarger{tail: 32}
	fs := NewSimple(scale, enl, 32/scale)

	// Allocate a third row so releasing the first two doesn't abut the
	// file tail (which would retract the tail instead of leaving a
	// free region — also part of the contract, exercised separately).
	a, _ := fs.GetFilePosition(32, false)
	b, _ := fs.GetFilePosition(32, false)
	_, _ = fs.GetFilePosition(32, false)
	_ = fs.Release(a, 32)
	_ = fs.Release(b, 32)

	if fs.FreeBlockCount() != 1 {
		t.Fatalf("expected adjacent releases to coalesce into one region, got %d regions", fs.FreeBlockCount())
	}
}

func TestSimple_ReleaseAbuttingTailRetracts(t *testing.T) {
	const scale = 16
	enl := &fakeEnlarger{tail: 32}
	fs := NewSimple(scale, enl, 32/scale)

	a, _ := fs.GetFilePosition(32, false)
	tailBefore := fs.Tail()
	if err := fs.Release(a, 32); err != nil {
		t.Fatalf("release: %v", err)
	}
	if fs.FreeBlockCount() != 0 {
		t.Fatalf("expected tail-abutting release to retract rather than leave a free region, got %d", fs.FreeBlockCount())
	}
	if fs.Tail() != tailBefore-2 {
		t.Fatalf("tail not retracted: got %d, want %d", fs.Tail(), tailBefore-2)
	}
}

func TestBlocks_RoundTripThroughMetadataChain(t *testing.T) {
	const scale = 16
	mem := map[uint64][]byte{}
	bio := &memBlockIO{
		blockSize: 64,
		read:      func(pos uint64) ([]byte, error) { return mem[pos], nil },
		write:     func(pos uint64, buf []byte) error { mem[pos] = append([]byte(nil), buf...); return nil },
	}
	enl := &fakeEnlarger{tail: 32}
	b := NewBlocks(scale, enl, 32/scale, bio)

	first, err := b.GetFilePosition(32, false)
	if err != nil {
		t.Fatalf("alloc first: %v", err)
	}
	if _, err := b.GetFilePosition(32, false); err != nil {
		t.Fatalf("alloc second: %v", err)
	}
	// Releasing the first (non-tail-abutting, since the second row
	// still occupies the tail end) leaves a real free region to persist.
	if err := b.Release(first, 32); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	root := b.Root()
	if root == 0 {
		t.Fatalf("expected non-zero root after persisting a free region")
	}

	reopened, err := OpenBlocks(scale, enl, b.rs.tail, bio, root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.FreeBlockCount() != 1 {
		t.Fatalf("expected 1 free region after reload, got %d", reopened.FreeBlockCount())
	}

	// A second mutate/close cycle with the same region count rewrites
	// the chain in place: same root, no tail growth.
	tailBefore := reopened.Tail()
	pos, err := reopened.GetFilePosition(32, false)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if pos != first {
		t.Fatalf("expected persisted region %d to be reused, got %d", first, pos)
	}
	if err := reopened.Release(pos, 32); err != nil {
		t.Fatalf("re-release: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if reopened.Root() != root {
		t.Fatalf("chain not reused: root %d -> %d", root, reopened.Root())
	}
	if reopened.Tail() != tailBefore {
		t.Fatalf("second close grew the tail: %d -> %d", tailBefore, reopened.Tail())
	}
}

type memBlockIO struct {
	blockSize int
	read      func(uint64) ([]byte, error)
	write     func(uint64, []byte) error
}

func (m *memBlockIO) ReadBlock(pos uint64) ([]byte, error)    { return m.read(pos) }
func (m *memBlockIO) WriteBlock(pos uint64, buf []byte) error { return m.write(pos, buf) }
func (m *memBlockIO) BlockSize() int                          { return m.blockSize }
