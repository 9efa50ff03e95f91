package shadow

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// RestoreFile replays every entry in the shadow file at shadowPath,
// writing each original page back to dataPath, then deletes the
// shadow file. This is the incremental-mode recovery path invoked by
// the coordinator when it observes ISSAVED=0 on open.
func RestoreFile(shadowPath, dataPath string) error {
	sf, err := os.Open(shadowPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to restore
		}
		return fmt.Errorf("shadow: restore open: %w", err)
	}
	defer sf.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(sf, hdr[:]); err != nil {
		return fmt.Errorf("shadow: restore header: %w", err)
	}
	if string(hdr[0:8]) != string(magic[:]) {
		return fmt.Errorf("shadow: restore: bad magic")
	}

	df, err := os.OpenFile(dataPath, os.O_RDWR, 0o644) //nolint:gosec // caller-chosen path
	if err != nil {
		return fmt.Errorf("shadow: restore: open data file: %w", err)
	}
	defer df.Close()

	for {
		var eh [entryHdrLen]byte
		n, err := io.ReadFull(sf, eh[:])
		if n < entryHdrLen {
			break // EOF or truncated tail — stop, we restored what was durable
		}
		if err != nil {
			return fmt.Errorf("shadow: restore: read entry: %w", err)
		}
		orig := int64(binary.BigEndian.Uint64(eh[:]))

		page := make([]byte, PageSize)
		n, err = io.ReadFull(sf, page)
		if n < PageSize {
			break // truncated tail entry from a crash mid-append
		}
		if err != nil {
			return fmt.Errorf("shadow: restore: read page: %w", err)
		}
		if _, err := df.WriteAt(page, orig); err != nil {
			return fmt.Errorf("shadow: restore: write page %d: %w", orig, err)
		}
	}
	if err := df.Sync(); err != nil {
		return fmt.Errorf("shadow: restore: sync: %w", err)
	}
	if err := os.Remove(shadowPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shadow: restore: remove shadow: %w", err)
	}
	return nil
}
