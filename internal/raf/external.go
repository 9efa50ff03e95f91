package raf

import (
	"encoding/binary"
	"io"
)

// ExternalStore is the narrow surface an embedder's own storage must
// provide to be used as a RandomAccessFile backend, for callers that
// already manage their own bytes (an in-memory buffer in a test
// harness, a block device handle, etc.) rather than a plain OS file.
type ExternalStore interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// ExternalRAF adapts an ExternalStore to RandomAccessFile. Since
// io.ReaderAt/io.WriterAt carry no notion of file length, ExternalRAF
// tracks the logical length itself: EnsureLength pads with zeros via
// WriteAt rather than relying on a Truncate the store may not have.
type ExternalRAF struct {
	store    ExternalStore
	pos      int64
	size     int64
	readOnly bool
}

// OpenExternal wraps store as a RandomAccessFile, with an initial
// logical length of size (0 for a brand-new store).
func OpenExternal(store ExternalStore, size int64, readOnly bool) *ExternalRAF {
	return &ExternalRAF{store: store, size: size, readOnly: readOnly}
}

func (r *ExternalRAF) Seek(offset int64) error {
	r.pos = offset
	return nil
}

func (r *ExternalRAF) Read(buf []byte) (int, error) {
	if r.pos >= r.size {
		return 0, nil
	}
	want := len(buf)
	if remaining := r.size - r.pos; int64(want) > remaining {
		want = int(remaining)
	}
	n, err := r.store.ReadAt(buf[:want], r.pos)
	r.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	if err != nil {
		return n, ioErr("read", err)
	}
	return n, nil
}

func (r *ExternalRAF) ReadInt32() (int32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func (r *ExternalRAF) ReadInt64() (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func (r *ExternalRAF) Write(buf []byte) (int, error) {
	if r.readOnly {
		return 0, ErrReadOnly
	}
	n, err := r.store.WriteAt(buf, r.pos)
	r.pos += int64(n)
	if r.pos > r.size {
		r.size = r.pos
	}
	if err != nil {
		return n, ioErr("write", err)
	}
	return n, nil
}

func (r *ExternalRAF) WriteInt32(v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	_, err := r.Write(b[:])
	return err
}

func (r *ExternalRAF) WriteInt64(v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	_, err := r.Write(b[:])
	return err
}

func (r *ExternalRAF) Length() (int64, error) { return r.size, nil }

// EnsureLength pads the store with zero bytes up to n, since a generic
// ExternalStore has no Truncate of its own.
func (r *ExternalRAF) EnsureLength(n int64) (bool, error) {
	if r.readOnly {
		return false, ErrReadOnly
	}
	if r.size >= n {
		return true, nil
	}
	zeros := make([]byte, n-r.size)
	if _, err := r.store.WriteAt(zeros, r.size); err != nil {
		return false, nil //nolint:nilerr // best-effort grow, caller checks Length()
	}
	r.size = n
	return true, nil
}

// Synch is a no-op: durability of an ExternalStore is the embedder's
// responsibility (it may not even be backed by a disk).
func (r *ExternalRAF) Synch() error { return nil }

func (r *ExternalRAF) Close() error { return ioErr("close", r.store.Close()) }
