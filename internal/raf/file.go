package raf

import (
	"encoding/binary"
	"io"
	"os"
)

// FileRAF is a RandomAccessFile backed by a plain *os.File, using
// ReadAt/WriteAt so concurrent callers never race on the OS file
// position (the stateful cursor below is ours alone, held under the
// coordinator's write lock).
type FileRAF struct {
	f        *os.File
	pos      int64
	readOnly bool
}

// OpenFile opens (or creates, unless readOnly) path as a FileRAF.
func OpenFile(path string, readOnly bool) (*FileRAF, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644) //nolint:gosec // path chosen by caller
	if err != nil {
		return nil, ioErr("open", err)
	}
	return &FileRAF{f: f, readOnly: readOnly}, nil
}

func (r *FileRAF) Seek(offset int64) error {
	r.pos = offset
	return nil
}

func (r *FileRAF) Read(buf []byte) (int, error) {
	n, err := r.f.ReadAt(buf, r.pos)
	r.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	if err != nil {
		return n, ioErr("read", err)
	}
	return n, nil
}

func (r *FileRAF) ReadInt32() (int32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func (r *FileRAF) ReadInt64() (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func (r *FileRAF) Write(buf []byte) (int, error) {
	if r.readOnly {
		return 0, ErrReadOnly
	}
	n, err := r.f.WriteAt(buf, r.pos)
	r.pos += int64(n)
	if err != nil {
		return n, ioErr("write", err)
	}
	return n, nil
}

func (r *FileRAF) WriteInt32(v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	_, err := r.Write(b[:])
	return err
}

func (r *FileRAF) WriteInt64(v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	_, err := r.Write(b[:])
	return err
}

func (r *FileRAF) Length() (int64, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, ioErr("stat", err)
	}
	return fi.Size(), nil
}

// EnsureLength extends the file to at least n bytes via Truncate. A
// failure to grow (e.g. disk full) is reported as (false, nil), not as
// an error — callers that need to distinguish "disk full" from
// "shorter than requested" should inspect Length() themselves
// afterward.
func (r *FileRAF) EnsureLength(n int64) (bool, error) {
	if r.readOnly {
		return false, ErrReadOnly
	}
	cur, err := r.Length()
	if err != nil {
		return false, err
	}
	if cur >= n {
		return true, nil
	}
	if err := r.f.Truncate(n); err != nil {
		return false, nil //nolint:nilerr // best-effort grow, caller checks Length()
	}
	return true, nil
}

func (r *FileRAF) Synch() error {
	if r.readOnly {
		return nil
	}
	return ioErr("sync", r.f.Sync())
}

func (r *FileRAF) Close() error {
	return ioErr("close", r.f.Close())
}
