// Package dfcache is an embeddable on-disk data file cache and
// crash-safe page store, modeled on the internals of an embedded
// relational database's data file manager.
//
// # Basic Usage
//
// Open a cache, add a row, commit, and read it back:
//
//	c, err := dfcache.Open("mydb", dfcache.DefaultConfig(), dfcache.BinaryRowStore())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close(true)
//
//	pos, err := c.Add(dfcache.MarshalRow([]any{int64(1), "alice"}), false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Commit(); err != nil {
//	    log.Fatal(err)
//	}
//
//	raw, err := c.Get(pos, false)
//	row, err := dfcache.UnmarshalRow(raw)
//
// # Configuration
//
// Load persistent properties (dataFileScale, dataFileFactor,
// propNioDataFile, propIncrementBackup, propFileSpaces,
// propCacheMaxRows, propCacheMaxSize) from a YAML file:
//
//	props, err := dfcache.LoadConfig("mydb.properties.yaml")
//	c, err := dfcache.Open("mydb", dfcache.ToCacheConfig(props), dfcache.BinaryRowStore())
//
// # Crash Recovery
//
// A cache opened in incremental mode maintains a page-shadow log
// alongside the data file; in full-backup mode it snapshots an
// existing data file to a ZIP when the session opens, and again after
// every commit. Open reads the data file's header first: if the file
// is not marked saved, Open restores it from whatever backup artifact
// is present; if it is marked saved, a leftover shadow log is deleted
// as stale.
package dfcache

import (
	"github.com/lowlevelgo/dfcache/internal/config"
	"github.com/lowlevelgo/dfcache/internal/datafile"
	"github.com/lowlevelgo/dfcache/internal/rowio"
)

// Config mirrors datafile.Options.
type Config = datafile.Options

// DefaultConfig returns the out-of-the-box configuration: 32-byte
// scale, factor 1, full-backup mode, in-memory free-space tracking.
func DefaultConfig() Config {
	return Config{}
}

// Properties is the YAML-loadable persistent configuration; LoadConfig
// returns one, and ToCacheConfig converts it into the Config Open
// expects.
type Properties = config.Properties

// LoadConfig reads a YAML properties file, overlaying it on the
// defaults. A missing file is not an error.
func LoadConfig(path string) (Properties, error) {
	return config.Load(path)
}

// ToCacheConfig adapts a loaded Properties set into a Config for Open.
func ToCacheConfig(p Properties) Config {
	return Config{
		Scale:           uint32(p.DataFileScale),
		Factor:          p.DataFileFactor,
		MaxDataFileSize: p.MaxDataFileSize(),
		Incremental:     p.IncrementBackup,
		UseBlocks:       p.FileSpaces,
		MMap:            p.NioDataFile,
		MaxCacheRows:    p.CacheMaxRows,
		MaxCacheBytes:   uint64(p.CacheMaxSize),
	}
}

// PersistentStore is the row-marshalling collaborator a Cache
// delegates to; the cache itself never inspects row contents.
type PersistentStore = rowio.PersistentStore

// BinaryRowStore returns the built-in tagged-binary PersistentStore,
// suitable for []any rows of nil/bool/int64/float64/string/[]byte
// columns.
func BinaryRowStore() PersistentStore { return rowio.BinaryRowStore{} }

// MarshalRow encodes a row of columns into BinaryRowStore's wire
// format.
func MarshalRow(row []any) []byte { return rowio.MarshalRow(row, nil) }

// UnmarshalRow decodes a row previously produced by MarshalRow or
// returned by Cache.Get.
func UnmarshalRow(data []byte) ([]any, error) { return rowio.UnmarshalRow(data) }

// Cache is an on-disk data file cache: bounded in-memory row cache
// over a scaled-offset page store, with crash-safe commit/rollback via
// either a ZIP snapshot or an incremental shadow log.
type Cache struct {
	inner *datafile.DataFileCache
}

// Open brings up a Cache rooted at basePath (basePath+".data" and
// basePath+".backup" are the files actually created), recovering from
// any crash left behind by the previous session.
func Open(basePath string, cfg Config, store PersistentStore) (*Cache, error) {
	inner, err := datafile.Open(basePath, cfg, store)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Add stores payload (already encoded for the configured
// PersistentStore) and returns the position to use with Get/Remove.
func (c *Cache) Add(payload []byte, asBlock bool) (uint64, error) {
	return c.inner.Add(payload, asBlock)
}

// Get returns the row at pos, reading through to disk on a cache
// miss. keep pins the entry in the cache for repeated access; pass
// false for a one-shot read.
func (c *Cache) Get(pos uint64, keep bool) ([]byte, error) {
	return c.inner.Get(pos, keep)
}

// Release unpins a row previously pinned by Get with keep=true.
func (c *Cache) Release(pos uint64) { c.inner.Release(pos) }

// Remove reclaims the storage at pos for reuse.
func (c *Cache) Remove(pos uint64, size uint32) error {
	return c.inner.Remove(pos, size)
}

// Commit flushes every dirty row, persists the header and free-space
// state, and discards the backup artifact since the data file is now
// self-consistent.
func (c *Cache) Commit() error { return c.inner.Commit() }

// Close shuts the cache down. commit=true runs Commit first; false
// leaves any shadow log or ZIP snapshot on disk for the next Open to
// replay.
func (c *Cache) Close(commit bool) error { return c.inner.Close(commit) }

// RowDirectory enumerates every live row position for Defrag; the
// embedder's row directory or table-space index supplies it, since the
// cache itself only tracks holes.
type RowDirectory = datafile.RowDirectory

// Defrag copies every live row named by dir into a compacted
// replacement file and swaps it in under the data file's name,
// returning the old-position -> new-position map so the caller can
// repoint its indexes.
func (c *Cache) Defrag(dir RowDirectory) (map[uint64]uint64, error) {
	return c.inner.Defrag(dir)
}
