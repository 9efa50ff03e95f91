//go:build unix

package raf

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// MMapRAF memory-maps the data file, avoiding a syscall per read once
// the mapping exists. Grown files are remapped: ftruncate, then
// munmap and mmap again.
type MMapRAF struct {
	f        *os.File
	data     []byte
	pos      int64
	readOnly bool
}

// OpenMMap opens path and maps its current contents into memory.
func OpenMMap(path string, readOnly bool) (*MMapRAF, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644) //nolint:gosec // path chosen by caller
	if err != nil {
		return nil, ioErr("open", err)
	}
	r := &MMapRAF{f: f, readOnly: readOnly}
	if err := r.remap(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *MMapRAF) remap() error {
	fi, err := r.f.Stat()
	if err != nil {
		return ioErr("stat", err)
	}
	size := fi.Size()
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return ioErr("munmap", err)
		}
		r.data = nil
	}
	if size == 0 {
		return nil
	}
	prot := unix.PROT_READ
	if !r.readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(r.f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return ioErr("mmap", err)
	}
	r.data = data
	return nil
}

func (r *MMapRAF) Seek(offset int64) error {
	r.pos = offset
	return nil
}

func (r *MMapRAF) Read(buf []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, nil
	}
	n := copy(buf, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *MMapRAF) ReadInt32() (int32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func (r *MMapRAF) ReadInt64() (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func (r *MMapRAF) Write(buf []byte) (int, error) {
	if r.readOnly {
		return 0, ErrReadOnly
	}
	if r.pos+int64(len(buf)) > int64(len(r.data)) {
		if ok, err := r.EnsureLength(r.pos + int64(len(buf))); err != nil || !ok {
			if err == nil {
				err = ioErr("write", os.ErrInvalid)
			}
			return 0, err
		}
	}
	n := copy(r.data[r.pos:], buf)
	r.pos += int64(n)
	return n, nil
}

func (r *MMapRAF) WriteInt32(v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	_, err := r.Write(b[:])
	return err
}

func (r *MMapRAF) WriteInt64(v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	_, err := r.Write(b[:])
	return err
}

func (r *MMapRAF) Length() (int64, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, ioErr("stat", err)
	}
	return fi.Size(), nil
}

// EnsureLength grows the backing file and remaps it.
func (r *MMapRAF) EnsureLength(n int64) (bool, error) {
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
		return false, nil //nolint:nilerr // best-effort grow
	}
	if err := r.remap(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *MMapRAF) Synch() error {
	if r.readOnly || r.data == nil {
		return nil
	}
	return ioErr("msync", unix.Msync(r.data, unix.MS_SYNC))
}

func (r *MMapRAF) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			r.f.Close()
			return ioErr("munmap", err)
		}
	}
	return ioErr("close", r.f.Close())
}
