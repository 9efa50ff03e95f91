package datafile

import (
	"encoding/binary"
	"fmt"
)

// Fixed header layout, offsets in bytes:
//
//	[0:4)   reserved
//	[4:12)  EmptySize     uint64 BE — lost/unreclaimed free bytes
//	[12:20) FreePos       uint64 BE — file tail pointer, in bytes
//	[20:24) reserved
//	[24:28) SpaceListPos  uint32 BE — free-space manager root, in scaled units
//	[28:32) Flags         uint32 BE
const (
	headerSize = 32

	hdrEmptySizeOff    = 4
	hdrFreePosOff      = 12
	hdrSpaceListPosOff = 24
	hdrFlagsOff        = 28

	// minInitialFreePosFloor is the lower bound of the first usable
	// payload offset in a new data file (see minInitialFreePos).
	minInitialFreePosFloor = 32
)

// minInitialFreePos returns MIN_INITIAL_FREE_POS = max(32, scale).
func minInitialFreePos(scale uint32) int64 {
	if int64(scale) > minInitialFreePosFloor {
		return int64(scale)
	}
	return minInitialFreePosFloor
}

// Header is the parsed contents of the fixed 32-byte file header.
type Header struct {
	EmptySize    uint64
	FreePos      uint64
	SpaceListPos uint32
	Flags        Flags
}

// MarshalHeader serialises h into a fresh headerSize-byte buffer.
func MarshalHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint64(buf[hdrEmptySizeOff:], h.EmptySize)
	binary.BigEndian.PutUint64(buf[hdrFreePosOff:], h.FreePos)
	binary.BigEndian.PutUint32(buf[hdrSpaceListPosOff:], h.SpaceListPos)
	binary.BigEndian.PutUint32(buf[hdrFlagsOff:], uint32(h.Flags))
	return buf
}

// UnmarshalHeader decodes a Header from a headerSize-byte buffer.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("datafile: header too short: %d bytes", len(buf))
	}
	h := Header{
		EmptySize:    binary.BigEndian.Uint64(buf[hdrEmptySizeOff:]),
		FreePos:      binary.BigEndian.Uint64(buf[hdrFreePosOff:]),
		SpaceListPos: binary.BigEndian.Uint32(buf[hdrSpaceListPosOff:]),
		Flags:        Flags(binary.BigEndian.Uint32(buf[hdrFlagsOff:])),
	}
	if h.Flags.Has(WrongVersion) {
		return h, ErrWrongVersion
	}
	return h, nil
}

// initHeader builds the header written by initNewFile: ISSAVED|V_NEW,
// plus ROWINFO since this cache always stores row payloads (never
// index-only pages), and ISSHADOWED when incremental backup mode is
// configured.
func initHeader(scale uint32, incremental bool) Header {
	flags := ISSaved.With(VNew).With(RowInfo)
	if incremental {
		flags = flags.With(IsShadowed)
	}
	return Header{
		EmptySize:    0,
		FreePos:      uint64(minInitialFreePos(scale)),
		SpaceListPos: 0,
		Flags:        flags,
	}
}
