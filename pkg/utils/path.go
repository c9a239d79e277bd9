package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateFileName checks that name can be used as a single file name
// directly under a cache root: non-empty, no separators, no traversal.
func ValidateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("file name cannot be empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid file name: %s", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("file name contains a path separator: %s", name)
	}
	return nil
}

// SelectRoot returns the first candidate directory that can be created and
// written to. Candidates are tried in order; empty entries are skipped.
func SelectRoot(candidates []string) (string, error) {
	var lastErr error
	for _, dir := range candidates {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		dir = filepath.Clean(dir)
		if err := probeDir(dir); err != nil {
			lastErr = err
			continue
		}
		return dir, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no cache directories configured")
	}
	return "", lastErr
}

func probeDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("cache directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name) // Ignore error on cleanup
	return nil
}
