// Package local writes screenshots to the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Config captures the parameters for the local screenshot store.
type Config struct {
	// BaseDir is the root directory where screenshots are written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ScreenshotStore writes screenshots to BaseDir.
type ScreenshotStore struct {
	baseDir string
}

// New creates the base directory if needed and verifies it is writable.
func New(cfg Config) (*ScreenshotStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &ScreenshotStore{baseDir: cfg.BaseDir}, nil
}

// SaveScreenshot writes data to BaseDir/name and returns a file:// URI.
func (s *ScreenshotStore) SaveScreenshot(_ context.Context, name string, data []byte) (string, error) {
	fullPath, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return "file://" + fullPath, nil
}

func (s *ScreenshotStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("screenshot name is required")
	}
	cleanBase := filepath.Clean(s.baseDir)
	fullPath := filepath.Clean(filepath.Join(s.baseDir, name))
	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", errors.New("path traversal detected")
	}
	return fullPath, nil
}

// Prune removes screenshots whose embedded timestamp is before cutoff. Files
// that do not follow the screenshot naming convention are left alone.
func (s *ScreenshotStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("read base directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("prune screenshots: %w", err)
		}
		if entry.IsDir() {
			continue
		}
		_, _, ts, err := monitor.ParseScreenshotName(entry.Name())
		if err != nil || !ts.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.baseDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
