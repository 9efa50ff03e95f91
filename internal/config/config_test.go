package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p != Defaults() {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestLoad_OverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "props.yaml")
	content := "dataFileScale: 64\npropIncrementBackup: true\npropCacheMaxRows: 50\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.DataFileScale != 64 {
		t.Fatalf("expected scale 64, got %d", p.DataFileScale)
	}
	if !p.IncrementBackup {
		t.Fatalf("expected incremental backup enabled")
	}
	if p.CacheMaxRows != 50 {
		t.Fatalf("expected cache max rows 50, got %d", p.CacheMaxRows)
	}
	// Untouched fields keep their defaults.
	if p.DataFileFactor != Defaults().DataFileFactor {
		t.Fatalf("expected default factor to survive overlay")
	}
}

func TestValidate_RejectsBadScale(t *testing.T) {
	p := Defaults()
	p.DataFileScale = 100
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for invalid scale")
	}
}
