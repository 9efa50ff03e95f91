package datafile

import "encoding/binary"

// Flags is the 32-bit header flag word, exposed as a typed bitset so
// every on-disk transition funnels through loadFlags/storeFlags under
// the coordinator's write lock rather than ad hoc read-modify-writes.
type Flags uint32

const (
	IsShadowed   Flags = 1 << 0
	ISSaved      Flags = 1 << 1
	RowInfo      Flags = 1 << 2
	VNew         Flags = 1 << 4
	WrongVersion Flags = 1 << 5
	// FilesModifiedNew is the temporary marker persisted across a
	// defrag rotation so a crash mid-defrag is detected on the next
	// open.
	FilesModifiedNew Flags = 1 << 6
)

// Has reports whether bit is set.
func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// With returns f with bit set.
func (f Flags) With(bit Flags) Flags { return f | bit }

// Without returns f with bit cleared.
func (f Flags) Without(bit Flags) Flags { return f &^ bit }

// loadFlags reads the flag word from the header region of the data file.
func (c *DataFileCache) loadFlags() (Flags, error) {
	buf := make([]byte, 4)
	if err := c.readAt(int64(hdrFlagsOff), buf); err != nil {
		return 0, err
	}
	return Flags(binary.BigEndian.Uint32(buf)), nil
}

// storeFlags writes the flag word to the header region, per the
// setFileModified "read, clear ISSAVED, write back, synch" sequence.
func (c *DataFileCache) storeFlags(f Flags) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(f))
	return c.writeAt(int64(hdrFlagsOff), buf)
}
