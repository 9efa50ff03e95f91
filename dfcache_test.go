package dfcache_test

import (
	"path/filepath"
	"testing"

	"github.com/lowlevelgo/dfcache"
)

func TestCache_AddCommitGet(t *testing.T) {
	base := filepath.Join(t.TempDir(), "mydb")
	c, err := dfcache.Open(base, dfcache.DefaultConfig(), dfcache.BinaryRowStore())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close(true)

	pos, err := c.Add(dfcache.MarshalRow([]any{int64(1), "alice"}), false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	raw, err := c.Get(pos, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	row, err := dfcache.UnmarshalRow(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if row[0].(int64) != 1 || row[1].(string) != "alice" {
		t.Fatalf("unexpected row: %v", row)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	props, err := dfcache.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg := dfcache.ToCacheConfig(props)
	if cfg.Scale != 32 || cfg.Factor != 1 {
		t.Fatalf("unexpected defaulted config: %+v", cfg)
	}
}
