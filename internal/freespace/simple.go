package freespace

// Simple is the zero-persisted-metadata variant: free regions live
// only in memory and are lost on crash (rediscovered, if at all, by
// the coordinator's recovery path — not by this package). Growth is
// exact: no rounding beyond scale.
type Simple struct {
	rs       regionSet
	modified bool
}

// NewSimple creates a Simple free-space manager.
func NewSimple(scale uint32, enl Enlarger, initialTail uint64) *Simple {
	return &Simple{rs: newRegionSet(scale, enl, initialTail)}
}

func (s *Simple) GetFilePosition(rowSize uint32, asBlock bool) (uint64, error) {
	pos, err := s.rs.allocateOrGrow(rowSize, asBlock)
	if err != nil {
		return 0, err
	}
	s.modified = true
	return pos, nil
}

func (s *Simple) Release(pos uint64, size uint32) error {
	if err := s.rs.release(pos, size); err != nil {
		return err
	}
	s.modified = true
	return nil
}

func (s *Simple) FreeBlockCount() int    { return s.rs.freeBlockCount() }
func (s *Simple) FreeBlockSize() uint64  { return s.rs.freeBlockSize() }
func (s *Simple) LostBlocksSize() uint64 { return s.rs.lost }
func (s *Simple) IsModified() bool       { return s.modified }

// Close is a no-op: Simple persists nothing of its own.
func (s *Simple) Close() error {
	s.modified = false
	return nil
}

// Tail returns the current scaled-unit file tail pointer, for the
// coordinator to persist in the header's LONG_FREE_POS_POS field.
func (s *Simple) Tail() uint64 { return s.rs.tail }
