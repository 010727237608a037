// Package fsrepo stores a repository in a plain directory tree. Checksums
// live in sidecar files under .archive/checksums, which also define what the
// repository holds.
package fsrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/strict-repo-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/transfer"
)

const (
	archiveDir   = ".archive"
	checksumsDir = ".archive/checksums"
	metadataFile = ".archive/metadata.json"
	ignoreFile   = ".syncignore"
	tmpSuffix    = ".sync-tmp"

	hashBufferSize = 64 * 1024
)

var _ repository.Repository = (*Repository)(nil)

// Repository is a repository.Repository over an afero filesystem.
type Repository struct {
	fs   afero.Afero
	base afero.Fs
	root string
	log  *slog.Logger

	// mu serializes structural changes against index rebuilds.
	mu sync.RWMutex

	// gen counts invalidations; a rebuild that raced one is not cached.
	cacheMu sync.Mutex
	cache   *repository.Index
	gen     uint64

	metaMu sync.Mutex
}

type Option func(*Repository)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.log = l }
}

// Exists reports whether root holds an initialized repository.
func Exists(fsys afero.Fs, root string) (bool, error) {
	return afero.DirExists(fsys, path.Join(root, checksumsDir))
}

// Init creates a new repository at root.
func Init(fsys afero.Fs, root string, opts ...Option) (*Repository, error) {
	exists, err := Exists(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("check repository: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("repository already exists: %s", root)
	}
	if err := fsys.MkdirAll(path.Join(root, checksumsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create checksums dir: %w", err)
	}
	return Open(fsys, root, opts...)
}

// Open opens an existing repository at root.
func Open(fsys afero.Fs, root string, opts ...Option) (*Repository, error) {
	exists, err := Exists(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("check repository: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("repository does not exist: %s", root)
	}

	r := &Repository{
		fs:   afero.Afero{Fs: afero.NewBasePathFs(fsys, root)},
		base: fsys,
		root: root,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("repo", r.String())
	return r, nil
}

func (r *Repository) String() string {
	return "fs:" + r.root
}

// Root returns the directory the repository was opened at.
func (r *Repository) Root() string {
	return r.root
}

// Invalidate drops the cached index.
func (r *Repository) Invalidate() {
	r.cacheMu.Lock()
	r.cache = nil
	r.gen++
	r.cacheMu.Unlock()
}

// Index returns the cached index, rebuilding it from sidecars when needed.
func (r *Repository) Index(ctx context.Context) (repository.Index, error) {
	r.cacheMu.Lock()
	cached, gen := r.cache, r.gen
	r.cacheMu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, err := r.buildIndex(ctx)
	if err != nil {
		return repository.Index{}, err
	}

	r.cacheMu.Lock()
	if r.gen == gen {
		r.cache = &idx
	}
	r.cacheMu.Unlock()
	return idx, nil
}

func (r *Repository) buildIndex(ctx context.Context) (repository.Index, error) {
	var files []repository.IndexedFile

	err := r.fs.Walk(checksumsDir, func(p string, info os.FileInfo, err error) error {
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
		sum, err := r.readChecksum(name)
		if err != nil {
			return err
		}
		stat, err := r.fs.Stat(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				r.log.Warn("indexed file is missing", "path", name)
				return nil
			}
			return fmt.Errorf("stat %s: %w", name, err)
		}

		files = append(files, repository.IndexedFile{Path: name, Size: stat.Size(), ChecksumSHA256: sum})
		return nil
	})
	if err != nil {
		return repository.Index{}, fmt.Errorf("walk checksums: %w", err)
	}

	return repository.NewIndex(files)
}

// Open returns the declared info and content of p.
func (r *Repository) Open(ctx context.Context, p string) (repository.FileInfo, io.ReadCloser, error) {
	if err := validate(p); err != nil {
		return repository.FileInfo{}, nil, err
	}

	sum, err := r.readChecksum(p)
	if err != nil {
		return repository.FileInfo{}, nil, err
	}

	f, err := r.fs.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return repository.FileInfo{}, nil, repository.NotFound("open", p)
		}
		return repository.FileInfo{}, nil, fmt.Errorf("open %s: %w", p, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return repository.FileInfo{}, nil, fmt.Errorf("stat %s: %w", p, err)
	}

	return repository.FileInfo{Length: stat.Size(), ChecksumSHA256: sum}, f, nil
}

// Save streams r into a temporary file, re-verifies what was persisted and
// then publishes it under p together with its checksum sidecar.
func (r *Repository) Save(ctx context.Context, p string, info repository.FileInfo, src io.Reader, progress repository.ProgressFunc) error {
	if err := validate(p); err != nil {
		return err
	}
	if occupied, err := r.occupied(p); err != nil {
		return err
	} else if occupied {
		return repository.DestinationExists("save", p)
	}

	dir := path.Dir(p)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("make directory for %s: %w", p, err)
	}

	tmp, err := r.fs.TempFile(dir, "."+path.Base(p)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("create temporary file for %s: %w", p, err)
	}
	tmpName := path.Join(dir, path.Base(tmp.Name()))

	cleanup := func(cause error) error {
		if rmErr := r.fs.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			r.log.Error("remove partial file failed", "path", tmpName, "err", rmErr)
		}
		return cause
	}

	if _, err := transfer.Stream(ctx, p, tmp, src, info, progress); err != nil {
		tmp.Close()
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return cleanup(fmt.Errorf("sync %s: %w", p, err))
	}
	if err := tmp.Close(); err != nil {
		return cleanup(fmt.Errorf("close %s: %w", p, err))
	}

	sum, n, err := checksum.CalculateFileSHA256(r.fs, tmpName)
	if err != nil {
		return cleanup(fmt.Errorf("verify %s: %w", p, err))
	}
	if persisted := (repository.FileInfo{Length: n, ChecksumSHA256: sum}); persisted != info {
		return cleanup(&repository.ChecksumMismatchError{Path: p, Expected: info, Actual: persisted})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if occupied, err := r.occupied(p); err != nil {
		return cleanup(err)
	} else if occupied {
		return cleanup(repository.DestinationExists("save", p))
	}
	if err := r.fs.Rename(tmpName, p); err != nil {
		return cleanup(fmt.Errorf("publish %s: %w", p, err))
	}
	if err := r.writeChecksum(p, info.ChecksumSHA256); err != nil {
		_ = r.fs.Remove(p)
		return fmt.Errorf("store checksum of %s: %w", p, err)
	}
	r.Invalidate()

	r.log.Debug("file saved", "path", p, "size", info.Length)
	return nil
}

// Move renames data and sidecar while holding the structural lock, so index
// rebuilds never observe an intermediate state.
func (r *Repository) Move(ctx context.Context, from, to string) error {
	if err := validate(from); err != nil {
		return err
	}
	if err := validate(to); err != nil {
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
	if occupied, err := r.occupied(to); err != nil {
		return err
	} else if occupied {
		return repository.DestinationExists("move", to)
	}

	if err := r.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
		return fmt.Errorf("make directory for %s: %w", to, err)
	}
	if err := r.fs.Rename(from, to); err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	if err := r.writeChecksum(to, sum); err != nil {
		if rbErr := r.fs.Rename(to, from); rbErr != nil {
			r.log.Error("rollback of move failed", "from", from, "to", to, "err", rbErr)
		}
		return fmt.Errorf("store checksum of %s: %w", to, err)
	}
	if err := r.fs.Remove(sidecarPath(from)); err != nil {
		r.log.Warn("remove stale checksum failed", "path", from, "err", err)
	}
	r.Invalidate()

	r.log.Debug("file moved", "from", from, "to", to)
	return nil
}

// Delete removes the sidecar first so that a failure never leaves an indexed
// path without content.
func (r *Repository) Delete(ctx context.Context, p string) error {
	if err := validate(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.readChecksum(p); err != nil {
		return err
	}
	if err := r.fs.Remove(sidecarPath(p)); err != nil {
		return fmt.Errorf("remove checksum of %s: %w", p, err)
	}
	r.Invalidate()
	if err := r.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}

	r.log.Debug("file deleted", "path", p)
	return nil
}

// Metadata reads the repository metadata; a missing file is empty metadata.
func (r *Repository) Metadata(ctx context.Context) (repository.Metadata, error) {
	var m repository.Metadata
	data, err := r.fs.ReadFile(metadataFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, nil
		}
		return m, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse metadata: %w", err)
	}
	return m, nil
}

// UpdateMetadata applies transform with read-modify-write semantics.
func (r *Repository) UpdateMetadata(ctx context.Context, transform func(repository.Metadata) (repository.Metadata, error)) (repository.Metadata, error) {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	current, err := r.Metadata(ctx)
	if err != nil {
		return current, err
	}
	updated, err := transform(current)
	if err != nil {
		return current, err
	}

	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return current, fmt.Errorf("encode metadata: %w", err)
	}
	tmp := metadataFile + tmpSuffix
	if err := r.fs.WriteFile(tmp, data, 0o644); err != nil {
		return current, fmt.Errorf("write metadata: %w", err)
	}
	if err := r.fs.Rename(tmp, metadataFile); err != nil {
		return current, fmt.Errorf("publish metadata: %w", err)
	}
	return updated, nil
}

func (r *Repository) occupied(p string) (bool, error) {
	for _, name := range []string{p, sidecarPath(p)} {
		exists, err := r.fs.Exists(name)
		if err != nil {
			return false, fmt.Errorf("check %s: %w", name, err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) readChecksum(p string) (string, error) {
	data, err := r.fs.ReadFile(sidecarPath(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", repository.NotFound("open", p)
		}
		return "", fmt.Errorf("read checksum of %s: %w", p, err)
	}
	sum := strings.SplitN(strings.TrimSpace(string(data)), " ", 2)[0]
	if !checksum.IsValid(sum) {
		return "", fmt.Errorf("invalid checksum stored for %s", p)
	}
	return sum, nil
}

// writeChecksum writes a sha256sum compatible sidecar.
func (r *Repository) writeChecksum(p, sum string) error {
	sidecar := sidecarPath(p)
	if err := r.fs.MkdirAll(path.Dir(sidecar), 0o755); err != nil {
		return err
	}
	return r.fs.WriteFile(sidecar, []byte(fmt.Sprintf("%s %s\n", sum, path.Base(p))), 0o644)
}

func sidecarPath(p string) string {
	return path.Join(checksumsDir, p+".sha256")
}

func sidecarToPath(sidecar string) string {
	p := strings.TrimPrefix(filepath.ToSlash(sidecar), "/")
	p = strings.TrimPrefix(p, checksumsDir+"/")
	return strings.TrimSuffix(p, ".sha256")
}

func validate(p string) error {
	if err := repository.ValidatePath(p); err != nil {
		return &repository.PathError{Op: "validate", Path: p, Err: err}
	}
	if p == archiveDir || strings.HasPrefix(p, archiveDir+"/") {
		return &repository.PathError{Op: "validate", Path: p, Err: errors.New("reserved path")}
	}
	return nil
}
