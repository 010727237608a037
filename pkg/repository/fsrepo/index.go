package fsrepo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/strict-repo-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-repo-sync/internal/walker"
	"github.com/yuya-takeyama/strict-repo-sync/internal/watcher"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

// UnindexedFiles lists files present in the tree but not in the index.
// Patterns from the .syncignore file at the root are applied in addition to
// excludes.
func (r *Repository) UnindexedFiles(ctx context.Context, excludes []string) ([]string, error) {
	patterns, err := r.ignorePatterns()
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, excludes...)
	patterns = append(patterns, archiveDir+"/", "**/*"+tmpSuffix, ignoreFile)

	w, err := walker.NewWalker(r.fs, ".", patterns)
	if err != nil {
		return nil, err
	}
	files, err := w.Walk()
	if err != nil {
		return nil, err
	}

	idx, err := r.Index(ctx)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, f := range files {
		if _, indexed := idx.Lookup(f.RelPath); !indexed {
			out = append(out, f.RelPath)
		}
	}
	return out, nil
}

// MissingFiles lists indexed files whose content is gone, with the checksum
// their sidecar still records. Size is unknown and left zero.
func (r *Repository) MissingFiles(ctx context.Context) ([]repository.IndexedFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []repository.IndexedFile
	err := r.fs.Walk(checksumsDir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(p, ".sha256") {
			return nil
		}
		name := sidecarToPath(p)
		exists, err := r.fs.Exists(name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		sum, err := r.readChecksum(name)
		if err != nil {
			return err
		}
		missing = append(missing, repository.IndexedFile{Path: name, ChecksumSHA256: sum})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk checksums: %w", err)
	}
	return missing, nil
}

// Add indexes a file already present in the tree.
func (r *Repository) Add(ctx context.Context, p string) (repository.IndexedFile, error) {
	f, err := r.Hash(ctx, p)
	if err != nil {
		return repository.IndexedFile{}, err
	}
	if err := r.Record(ctx, f); err != nil {
		return repository.IndexedFile{}, err
	}
	return f, nil
}

// Hash reads a file of the tree and returns its identity without indexing
// it. Cancellation is observed between reads.
func (r *Repository) Hash(ctx context.Context, p string) (repository.IndexedFile, error) {
	if err := validate(p); err != nil {
		return repository.IndexedFile{}, err
	}
	if err := ctx.Err(); err != nil {
		return repository.IndexedFile{}, err
	}

	file, err := r.fs.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return repository.IndexedFile{}, repository.NotFound("add", p)
		}
		return repository.IndexedFile{}, fmt.Errorf("open %s: %w", p, err)
	}
	defer file.Close()

	tee := checksum.NewTeeReaderWithChecksum(file)
	buf := make([]byte, hashBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return repository.IndexedFile{}, err
		}
		_, err := tee.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return repository.IndexedFile{}, fmt.Errorf("compute checksum of %s: %w", p, err)
		}
	}
	sum, err := tee.Checksum()
	if err != nil {
		return repository.IndexedFile{}, err
	}
	return repository.IndexedFile{Path: p, Size: tee.BytesRead(), ChecksumSHA256: sum}, nil
}

// Record writes the sidecar of a hashed file. The path must not be indexed.
func (r *Repository) Record(ctx context.Context, f repository.IndexedFile) error {
	if err := validate(f.Path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.fs.Exists(sidecarPath(f.Path))
	if err != nil {
		return err
	}
	if exists {
		return repository.DestinationExists("add", f.Path)
	}
	if err := r.writeChecksum(f.Path, f.ChecksumSHA256); err != nil {
		return fmt.Errorf("store checksum of %s: %w", f.Path, err)
	}
	r.Invalidate()
	return nil
}

// Reindex moves the index entry of a missing file to a hashed file of the
// same content that took its place in the tree.
func (r *Repository) Reindex(ctx context.Context, from string, to repository.IndexedFile) error {
	if err := validate(from); err != nil {
		return err
	}
	if err := validate(to.Path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sum, err := r.readChecksum(from)
	if err != nil {
		return err
	}
	if sum != to.ChecksumSHA256 {
		return fmt.Errorf("reindex %s as %s: checksum differs", from, to.Path)
	}
	if exists, err := r.fs.Exists(from); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("reindex %s as %s: %s is still present", from, to.Path, from)
	}
	if exists, err := r.fs.Exists(sidecarPath(to.Path)); err != nil {
		return err
	} else if exists {
		return repository.DestinationExists("reindex", to.Path)
	}

	if err := r.writeChecksum(to.Path, sum); err != nil {
		return fmt.Errorf("store checksum of %s: %w", to.Path, err)
	}
	if err := r.fs.Remove(sidecarPath(from)); err != nil {
		return fmt.Errorf("remove checksum of %s: %w", from, err)
	}
	r.Invalidate()

	r.log.Debug("index entry moved", "from", from, "to", to.Path)
	return nil
}

// Watch invalidates the cached index whenever the tree changes outside of
// this process, then calls onChange if set. Only repositories on the OS
// filesystem can be watched; it blocks until ctx is cancelled.
func (r *Repository) Watch(ctx context.Context, onChange func(paths []string)) error {
	if _, ok := r.base.(*afero.OsFs); !ok {
		return fmt.Errorf("watch requires the OS filesystem")
	}

	w, err := watcher.New(r.root, watcher.DefaultDebounce, func(paths []string) {
		r.log.Debug("external change, invalidating index", "paths", len(paths))
		r.Invalidate()
		if onChange != nil {
			onChange(paths)
		}
	}, r.log.With(slog.String("comp", "watcher")))
	if err != nil {
		return err
	}
	return w.Start(ctx)
}

func (r *Repository) ignorePatterns() ([]string, error) {
	data, err := r.fs.ReadFile(ignoreFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", ignoreFile, err)
	}

	var patterns []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}
