// Package backup implements the two DataFileCache backup strategies:
// a full ZIP snapshot taken before a session begins writing, or an
// incremental shadow log delegated to internal/shadow. Both kinds
// live under the same "<name>.backup" path; the kind is told apart by
// content magic, not by file name. The ZIP is written to a temp file
// and swapped in with github.com/natefinch/atomic, so a half-written
// archive is never visible under the final name.
package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/lowlevelgo/dfcache/internal/shadow"
)

// Kind is what a stat-plus-sniff of the backup path found.
type Kind int

const (
	KindNone Kind = iota
	KindZip
	KindShadow
)

// Manager coordinates the backup file (conventionally "<name>.backup")
// alongside the data file, in either full or incremental mode.
type Manager struct {
	dataPath    string
	backupPath  string
	incremental bool
	log         *logrus.Entry
}

// New creates a Manager for the given data/backup file pair.
func New(dataPath, backupPath string, incremental bool, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{dataPath: dataPath, backupPath: backupPath, incremental: incremental, log: log}
}

// DetectKind sniffs the backup path's leading bytes: "PK\x03\x04" is a
// ZIP snapshot, the shadow magic is an incremental log. A missing,
// empty, or unrecognisable file reports KindNone.
func (m *Manager) DetectKind() Kind {
	f, err := os.Open(m.backupPath)
	if err != nil {
		return KindNone
	}
	defer f.Close()
	var head [8]byte
	n, _ := io.ReadFull(f, head[:])
	if n >= 4 && head[0] == 'P' && head[1] == 'K' && head[2] == 3 && head[3] == 4 {
		return KindZip
	}
	if n == 8 && shadow.IsMagic(head[:]) {
		return KindShadow
	}
	return KindNone
}

// SnapshotBeforeSession takes a full ZIP backup of the data file. Only
// meaningful in full (non-incremental) mode; callers invoke this
// before the session starts writing.
func (m *Manager) SnapshotBeforeSession() error {
	if m.incremental {
		return nil
	}
	m.log.WithField("backup", m.backupPath).Debug("taking full pre-session snapshot")
	return zipFile(m.dataPath, m.backupPath)
}

// OpenShadow opens (or creates) the incremental shadow log over data.
// Only meaningful in incremental mode.
func (m *Manager) OpenShadow(data shadow.DataFile) (*shadow.File, error) {
	if !m.incremental {
		return nil, fmt.Errorf("backup: OpenShadow called in full-backup mode")
	}
	return shadow.Open(m.backupPath, data)
}

// Recover restores the data file from whichever backup artifact is
// present at the backup path. Called only when the header showed
// ISSAVED=0; a clean header never reaches here.
func (m *Manager) Recover() error {
	switch m.DetectKind() {
	case KindZip:
		m.log.WithField("backup", m.backupPath).Info("restoring data file from full snapshot")
		return unzipFile(m.backupPath, m.dataPath)
	case KindShadow:
		m.log.WithField("backup", m.backupPath).Info("replaying shadow log over data file")
		return shadow.RestoreFile(m.backupPath, m.dataPath)
	default:
		// No backup present: the data file is assumed intact.
		return nil
	}
}

// DropStaleShadow removes an incremental backup left behind after a
// clean shutdown, or after the backup mode was switched away from
// incremental while a shadow still existed (the shadow loses). No-op
// if the artifact is not a shadow.
func (m *Manager) DropStaleShadow() error {
	if m.DetectKind() != KindShadow {
		return nil
	}
	m.log.WithField("backup", m.backupPath).Debug("dropping stale shadow log")
	if err := os.Remove(m.backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backup: drop stale shadow: %w", err)
	}
	return nil
}

// Discard drops the backup artifact, used after a clean commit when no
// recovery will be needed. A file that refuses deletion (still mapped
// or held open elsewhere on some platforms) is renamed aside to
// "<backup>.old.<n>" instead, so a stale artifact never masquerades as
// a live recovery point.
func (m *Manager) Discard() error {
	err := os.Remove(m.backupPath)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	for n := 0; n < 10; n++ {
		alt := fmt.Sprintf("%s.old.%d", m.backupPath, n)
		if _, statErr := os.Stat(alt); !os.IsNotExist(statErr) {
			continue
		}
		if renameErr := os.Rename(m.backupPath, alt); renameErr == nil {
			m.log.WithField("renamed", alt).Debug("backup could not be deleted, renamed aside")
			return nil
		}
	}
	return err
}

func zipFile(srcPath, destPath string) error {
	tmp := destPath + ".tmp"
	if err := writeZip(srcPath, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("backup: write zip: %w", err)
	}
	if err := atomic.ReplaceFile(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("backup: replace zip: %w", err)
	}
	return nil
}

func writeZip(srcPath, tmpPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   "data",
		Method: zip.Deflate,
	})
	if err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if _, err := io.CopyN(w, src, info.Size()); err != nil && err != io.EOF {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func unzipFile(zipPath, destPath string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("backup: open zip: %w", err)
	}
	defer zr.Close()

	if len(zr.File) == 0 {
		return fmt.Errorf("backup: empty zip archive")
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp := destPath + ".restoring"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("backup: unzip: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return atomic.ReplaceFile(tmp, destPath)
}
