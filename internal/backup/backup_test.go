package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/lowlevelgo/dfcache/internal/shadow"
)

func TestManager_FullBackupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "t.data")
	backupPath := filepath.Join(dir, "t.backup")

	original := bytes.Repeat([]byte{0x42}, 4096)
	if err := os.WriteFile(dataPath, original, 0o644); err != nil {
		t.Fatalf("seed data: %v", err)
	}

	m := New(dataPath, backupPath, false, nil)
	if err := m.SnapshotBeforeSession(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if kind := m.DetectKind(); kind != KindZip {
		t.Fatalf("expected KindZip after snapshot, got %v", kind)
	}

	// Corrupt the data file, simulating a crash mid-session.
	if err := os.WriteFile(dataPath, bytes.Repeat([]byte{0xFF}, 4096), 0o644); err != nil {
		t.Fatalf("corrupt data: %v", err)
	}

	if err := m.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	restored, err := os.ReadFile(dataPath)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatalf("restored data does not match original snapshot")
	}
}

func TestManager_RecoverNoBackupIsNoop(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "t.data"), filepath.Join(dir, "t.backup"), false, nil)
	if err := m.Recover(); err != nil {
		t.Fatalf("expected no-op recover, got %v", err)
	}
}

func TestManager_DetectKind(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "t.data")
	backupPath := filepath.Join(dir, "t.backup")
	if err := os.WriteFile(dataPath, bytes.Repeat([]byte{0x01}, 1024), 0o644); err != nil {
		t.Fatalf("seed data: %v", err)
	}

	m := New(dataPath, backupPath, true, nil)
	if kind := m.DetectKind(); kind != KindNone {
		t.Fatalf("missing backup: expected KindNone, got %v", kind)
	}

	df, err := os.Open(dataPath)
	if err != nil {
		t.Fatalf("open data: %v", err)
	}
	sf, err := m.OpenShadow(fileDataFile{df})
	if err != nil {
		t.Fatalf("open shadow: %v", err)
	}
	sf.Close()
	df.Close()
	if kind := m.DetectKind(); kind != KindShadow {
		t.Fatalf("expected KindShadow, got %v", kind)
	}

	if err := os.WriteFile(backupPath, []byte("neither zip nor shadow"), 0o644); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}
	if kind := m.DetectKind(); kind != KindNone {
		t.Fatalf("garbage backup: expected KindNone, got %v", kind)
	}
}

// DropStaleShadow implements the mode-switch rule: a shadow left
// behind by a cleanly-closed incremental session is deleted, while a
// ZIP snapshot at the same path is kept.
func TestManager_DropStaleShadow(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "t.data")
	backupPath := filepath.Join(dir, "t.backup")
	if err := os.WriteFile(dataPath, bytes.Repeat([]byte{0x7A}, 2048), 0o644); err != nil {
		t.Fatalf("seed data: %v", err)
	}

	m := New(dataPath, backupPath, false, nil)
	if err := m.SnapshotBeforeSession(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := m.DropStaleShadow(); err != nil {
		t.Fatalf("drop stale shadow: %v", err)
	}
	if kind := m.DetectKind(); kind != KindZip {
		t.Fatalf("zip snapshot must survive DropStaleShadow, got %v", kind)
	}

	inc := New(dataPath, backupPath, true, nil)
	if err := inc.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	df, err := os.Open(dataPath)
	if err != nil {
		t.Fatalf("open data: %v", err)
	}
	sf, err := inc.OpenShadow(fileDataFile{df})
	if err != nil {
		t.Fatalf("open shadow: %v", err)
	}
	sf.Close()
	df.Close()
	if err := inc.DropStaleShadow(); err != nil {
		t.Fatalf("drop stale shadow: %v", err)
	}
	if kind := inc.DetectKind(); kind != KindNone {
		t.Fatalf("shadow should have been removed, got %v", kind)
	}
}

// fileDataFile adapts an *os.File to shadow.DataFile for tests.
type fileDataFile struct{ f *os.File }

func (d fileDataFile) Seek(offset int64) error {
	_, err := d.f.Seek(offset, 0)
	return err
}

func (d fileDataFile) Read(buf []byte) (int, error) { return d.f.Read(buf) }

var _ shadow.DataFile = fileDataFile{}
