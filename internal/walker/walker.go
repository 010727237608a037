package walker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// FileInfo represents a file found under the root
type FileInfo struct {
	RelPath string // Slash separated path relative to root
	Size    int64
	ModTime int64 // Unix timestamp
	Mode    os.FileMode
}

// Walker walks files with exclude pattern support
type Walker struct {
	fs       afero.Fs
	root     string
	excludes []string
}

// NewWalker creates a new file walker
func NewWalker(fs afero.Fs, root string, excludes []string) (*Walker, error) {
	// Validate root exists and is a directory
	info, err := fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", root)
	}

	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(strings.TrimSuffix(pattern, "/")) {
			return nil, fmt.Errorf("invalid exclude pattern: %s", pattern)
		}
	}

	return &Walker{
		fs:       fs,
		root:     root,
		excludes: excludes,
	}, nil
}

// Walk walks the file tree and returns matching files sorted by path
func (w *Walker) Walk() ([]FileInfo, error) {
	var files []FileInfo

	err := afero.Walk(w.fs, w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Get relative path
		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return fmt.Errorf("get relative path: %w", err)
		}
		if relPath == "." {
			return nil
		}

		// Convert to forward slashes for pattern matching
		relPathForward := filepath.ToSlash(relPath)

		if info.IsDir() {
			if w.isExcluded(relPathForward + "/") {
				return filepath.SkipDir
			}
			return nil
		}

		// Check excludes
		if w.isExcluded(relPathForward) {
			return nil
		}

		files = append(files, FileInfo{
			RelPath: relPathForward,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
			Mode:    info.Mode(),
		})

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// isExcluded checks if a path matches any exclude pattern. Directory paths
// are passed with a trailing slash.
func (w *Walker) isExcluded(path string) bool {
	isDir := strings.HasSuffix(path, "/")
	path = strings.TrimSuffix(path, "/")

	for _, pattern := range w.excludes {
		// Handle directory patterns (ending with /)
		if strings.HasSuffix(pattern, "/") {
			// Check if path is under this directory
			dirPattern := strings.TrimSuffix(pattern, "/")
			if isDir {
				if matched, _ := doublestar.Match(dirPattern, path); matched {
					return true
				}
			}
			// Also check if any parent directory matches
			parts := strings.Split(path, "/")
			for i := 1; i < len(parts); i++ {
				subPath := strings.Join(parts[:i], "/")
				if matched, _ := doublestar.Match(dirPattern, subPath); matched {
					return true
				}
			}
		} else if !isDir {
			// Regular file pattern
			if matched, _ := doublestar.Match(pattern, path); matched {
				return true
			}
		}
	}
	return false
}
