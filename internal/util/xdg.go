package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetXDGDataDir returns the XDG data directory for mbandit.
// It respects XDG_DATA_HOME if set, otherwise falls back to ~/.local/share/mbandit
func GetXDGDataDir() (string, error) {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "mbandit"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, ".local", "share", "mbandit"), nil
}

// EnsureParentDir creates the directory holding path if it does not exist.
func EnsureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}
