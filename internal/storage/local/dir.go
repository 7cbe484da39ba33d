// Package local implements checkpoint and result storage on the local
// filesystem using fsynced JSON Lines files.
package local

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for local filesystem storage.
type Config struct {
	// BaseDir is the root directory where journals and results are written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ensureDir creates dir when missing and verifies it is a writable directory.
func ensureDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}

// syncDir flushes directory metadata so newly created files survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
