package raf

import (
	"encoding/binary"
	"io/fs"
)

// EmbeddedRAF is a read-only RandomAccessFile over a file inside an
// io/fs.FS — typically an embed.FS. This is the idiomatic Go analogue
// of the jar-embedded read-only variant: a fixture data file shipped
// inside the binary itself. The contents are read fully into memory at
// open, since embedded fixtures are expected to be small.
type EmbeddedRAF struct {
	data []byte
	pos  int64
}

// OpenEmbedded reads name out of fsys and wraps it as a RandomAccessFile.
func OpenEmbedded(fsys fs.FS, name string) (*EmbeddedRAF, error) {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, ioErr("open embedded", err)
	}
	return &EmbeddedRAF{data: b}, nil
}

func (r *EmbeddedRAF) Seek(offset int64) error {
	r.pos = offset
	return nil
}

func (r *EmbeddedRAF) Read(buf []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, nil
	}
	n := copy(buf, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *EmbeddedRAF) ReadInt32() (int32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func (r *EmbeddedRAF) ReadInt64() (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func (r *EmbeddedRAF) Write([]byte) (int, error)        { return 0, ErrReadOnly }
func (r *EmbeddedRAF) WriteInt32(int32) error           { return ErrReadOnly }
func (r *EmbeddedRAF) WriteInt64(int64) error           { return ErrReadOnly }
func (r *EmbeddedRAF) EnsureLength(int64) (bool, error) { return false, ErrReadOnly }
func (r *EmbeddedRAF) Synch() error                     { return nil }
func (r *EmbeddedRAF) Close() error                     { return nil }

func (r *EmbeddedRAF) Length() (int64, error) { return int64(len(r.data)), nil }
