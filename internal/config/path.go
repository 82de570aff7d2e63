package config

import (
	"os"
	"path/filepath"
)

const fallbackDataDir = "./flobuf-data"

// DefaultDataDir returns the directory holding the buffer when data_dir is
// not configured. XDG_DATA_HOME wins; otherwise the first platform location
// whose parent exists is used, then ~/.flobuf.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "flobuf")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return fallbackDataDir
	}
	candidates := []struct{ parent, dir string }{
		{"/var/lib", "/var/lib/flobuf"},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Flobuf")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Flobuf")},
	}
	for _, c := range candidates {
		if isDir(c.parent) {
			return c.dir
		}
	}
	return filepath.Join(home, ".flobuf")
}

// BufferDir returns the directory the configured engine stores data in.
// The Pebble store may hold several named buffers.
func (c Config) BufferDir() string {
	if c.Buffer.Engine == EnginePebble {
		return filepath.Join(c.DataDir, "pebble")
	}
	return filepath.Join(c.DataDir, "buffer")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
