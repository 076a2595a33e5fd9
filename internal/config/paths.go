// Package config provides configuration management for vmd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific default directories.
type Paths struct {
	// ConfigDir is where config.yaml is looked up first.
	// macOS: ~/Library/Preferences/vmd
	// Linux: ~/.config/vmd (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds instance state.
	// macOS: ~/Library/Application Support/vmd
	// Linux: ~/.local/share/vmd (or XDG_DATA_HOME)
	DataDir string

	// CacheDir holds downloaded artifacts.
	// macOS: ~/Library/Caches/vmd
	// Linux: ~/.cache/vmd (or XDG_CACHE_HOME)
	CacheDir string
}

// GetPaths returns platform-aware paths for vmd.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}
	switch runtime.GOOS {
	case "darwin":
		lib := filepath.Join(home, "Library")
		p.ConfigDir = filepath.Join(lib, "Preferences", "vmd")
		p.DataDir = filepath.Join(lib, "Application Support", "vmd")
		p.CacheDir = filepath.Join(lib, "Caches", "vmd")
	default:
		p.ConfigDir = xdgDir("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
		p.DataDir = xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
		p.CacheDir = xdgDir("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	}
	return p, nil
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "vmd")
	}
	return filepath.Join(fallback, "vmd")
}
