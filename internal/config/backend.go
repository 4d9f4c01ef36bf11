package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Backend reads typed values from a config source by flat dotted key.
type Backend interface {
	String(key string) (string, bool)
	Int(key string) (int, bool)
	Float(key string) (float64, bool)
}

// fileBackend stores config as a flat JSON object in an XDG-compatible path.
type fileBackend struct {
	data map[string]any
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "vaultd", "config.json")
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{data: make(map[string]any)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return b
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
	}
	return b
}

func (b *fileBackend) String(key string) (string, bool) {
	v, ok := b.data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (b *fileBackend) Int(key string) (int, bool) {
	v, ok := b.data[key]
	if !ok {
		return 0, false
	}
	// JSON numbers decode as float64.
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func (b *fileBackend) Float(key string) (float64, bool) {
	v, ok := b.data[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
