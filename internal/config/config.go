// Package config loads the persistent properties that govern a data
// file cache's on-disk behaviour: scale/factor, mmap vs buffered I/O,
// backup mode, free-space manager variant, and cache ceilings. Loaded
// from a YAML properties file via gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// validScales is the allowed dataFileScale set.
var validScales = map[int]bool{8: true, 16: true, 32: true, 64: true, 128: true, 256: true, 512: true, 1024: true}

// Properties holds the data file cache's persistent configuration.
type Properties struct {
	DataFileScale   int  `yaml:"dataFileScale"`
	DataFileFactor  int  `yaml:"dataFileFactor"`
	NioDataFile     bool `yaml:"propNioDataFile"`
	IncrementBackup bool `yaml:"propIncrementBackup"`
	FileSpaces      bool `yaml:"propFileSpaces"`
	CacheMaxRows    int  `yaml:"propCacheMaxRows"`
	CacheMaxSize    int  `yaml:"propCacheMaxSize"`
}

// Defaults returns the out-of-the-box property set.
func Defaults() Properties {
	return Properties{
		DataFileScale:   32,
		DataFileFactor:  1,
		NioDataFile:     false,
		IncrementBackup: false,
		FileSpaces:      false,
		CacheMaxRows:    10000,
		CacheMaxSize:    64 * 1024 * 1024,
	}
}

// Load reads a YAML properties file, overlaying it on Defaults(). A
// missing file is not an error; Defaults() alone is returned.
func Load(path string) (Properties, error) {
	p := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks the property set for internal consistency.
func (p Properties) Validate() error {
	if !validScales[p.DataFileScale] {
		return fmt.Errorf("config: dataFileScale %d not in {8,16,32,64,128,256,512,1024}", p.DataFileScale)
	}
	if p.DataFileFactor <= 0 {
		return fmt.Errorf("config: dataFileFactor must be positive, got %d", p.DataFileFactor)
	}
	return nil
}

// MaxDataFileSize returns INT32_MAX * scale * factor, the maximum
// physical file size this configuration allows.
func (p Properties) MaxDataFileSize() int64 {
	return int64(2147483647) * int64(p.DataFileScale) * int64(p.DataFileFactor)
}
