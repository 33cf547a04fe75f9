// Package security validates operator-supplied paths before they reach a
// driver connection string.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// forbidden are shell metacharacters and control characters that never
// belong in a database file path.
const forbidden = ";&|$`<>!\n\r\x00"

// CleanFilePath rejects paths carrying forbidden characters and returns the
// cleaned absolute path, with symlinks resolved when the file exists.
func CleanFilePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	if i := strings.IndexAny(path, forbidden); i >= 0 {
		return "", fmt.Errorf("file path contains forbidden character %q", path[i])
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	switch {
	case err == nil:
		return resolved, nil
	case os.IsNotExist(err):
		return abs, nil
	default:
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
}

// CleanFilePathInDir is CleanFilePath constrained to paths inside baseDir.
func CleanFilePathInDir(path, baseDir string) (string, error) {
	cleaned, err := CleanFilePath(path)
	if err != nil {
		return "", err
	}
	base, err := CleanFilePath(baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}
	rel, err := filepath.Rel(base, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file path %s escapes %s", cleaned, base)
	}
	return cleaned, nil
}
