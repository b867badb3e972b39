// Package filex resolves and creates the directories the client writes to:
// its data directory and the snapshot directory below it.
package filex

import (
	"fmt"
	"os"
	"path/filepath"
)

const appDir = "possync"

// EnsureSubDir creates name below base and returns its absolute path. An
// empty base means the working directory.
func EnsureSubDir(base, name string) (string, error) {
	if base == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
		base = cwd
	}

	dir, err := filepath.Abs(filepath.Join(base, name))
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// DataDir returns the per-user data directory, creating it if needed.
// override wins when set.
func DataDir(override string) (string, error) {
	if override != "" {
		return EnsureSubDir(override, "")
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return EnsureSubDir("", "."+appDir)
	}
	return EnsureSubDir(base, appDir)
}

// ResolvePath joins a relative path onto dir. Absolute paths and in-memory
// DSNs are returned unchanged.
func ResolvePath(dir, path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
