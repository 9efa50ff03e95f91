package raf

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFileRAF_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.data")
	f, err := OpenFile(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if err := f.Seek(32); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := f.WriteInt32(64); err != nil {
		t.Fatalf("write int32: %v", err)
	}
	payload := []byte("AAAABBBBCCCCDDDDEEEEFFFFGGGGHHHH")
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := f.Synch(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if err := f.Seek(32); err != nil {
		t.Fatalf("seek back: %v", err)
	}
	size, err := f.ReadInt32()
	if err != nil {
		t.Fatalf("read int32: %v", err)
	}
	if size != 64 {
		t.Fatalf("size = %d, want 64", size)
	}
	got := make([]byte, len(payload))
	if _, err := f.Read(got); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q", got)
	}
}

func TestFileRAF_EnsureLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.data")
	f, err := OpenFile(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	ok, err := f.EnsureLength(4096)
	if err != nil || !ok {
		t.Fatalf("ensure length failed: ok=%v err=%v", ok, err)
	}
	n, err := f.Length()
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 4096 {
		t.Fatalf("length = %d, want 4096", n)
	}
}

func TestFileRAF_ReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.data")
	rw, err := OpenFile(path, false)
	if err != nil {
		t.Fatalf("open rw: %v", err)
	}
	rw.Close()

	ro, err := OpenFile(path, true)
	if err != nil {
		t.Fatalf("open ro: %v", err)
	}
	defer ro.Close()

	if _, err := ro.Write([]byte("x")); err != ErrReadOnly {
		t.Fatalf("want ErrReadOnly, got %v", err)
	}
}

func TestEmbeddedRAF_ReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.bin")
	f, err := OpenFile(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte("seed-data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	e, err := OpenEmbedded(os.DirFS(dir), "seed.bin")
	if err != nil {
		t.Fatalf("open embedded: %v", err)
	}
	buf := make([]byte, 9)
	if _, err := e.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "seed-data" {
		t.Fatalf("got %q", buf)
	}
	if _, err := e.Write([]byte("x")); err != ErrReadOnly {
		t.Fatalf("want ErrReadOnly, got %v", err)
	}
}

// memStore is an in-memory ExternalStore, standing in for an
// embedder's own storage (e.g. a test harness backed by a buffer
// rather than a plain OS file).
type memStore struct {
	buf    []byte
	closed bool
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

func (m *memStore) Close() error {
	m.closed = true
	return nil
}

func TestExternalRAF_WriteReadRoundTrip(t *testing.T) {
	store := &memStore{}
	r := OpenExternal(store, 0, false)

	if err := r.Seek(32); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := r.WriteInt32(64); err != nil {
		t.Fatalf("write int32: %v", err)
	}
	if _, err := r.Write([]byte("payload!")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	if err := r.Seek(32); err != nil {
		t.Fatalf("seek back: %v", err)
	}
	size, err := r.ReadInt32()
	if err != nil {
		t.Fatalf("read int32: %v", err)
	}
	if size != 64 {
		t.Fatalf("size = %d, want 64", size)
	}
	got := make([]byte, 8)
	if _, err := r.Read(got); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(got) != "payload!" {
		t.Fatalf("payload mismatch: got %q", got)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !store.closed {
		t.Fatalf("expected underlying store to be closed")
	}
}

func TestExternalRAF_EnsureLengthPadsWithZeros(t *testing.T) {
	store := &memStore{}
	r := OpenExternal(store, 0, false)

	ok, err := r.EnsureLength(16)
	if err != nil || !ok {
		t.Fatalf("ensure length failed: ok=%v err=%v", ok, err)
	}
	n, err := r.Length()
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 16 {
		t.Fatalf("length = %d, want 16", n)
	}
	for i, b := range store.buf {
		if b != 0 {
			t.Fatalf("byte %d not zero-padded: %x", i, b)
		}
	}
}

func TestExternalRAF_ReadOnlyRejectsWrites(t *testing.T) {
	r := OpenExternal(&memStore{}, 0, true)
	if _, err := r.Write([]byte("x")); err != ErrReadOnly {
		t.Fatalf("want ErrReadOnly, got %v", err)
	}
}
