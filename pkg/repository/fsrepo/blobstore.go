package fsrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

var _ repository.BlobStore = (*BlobStore)(nil)

// BlobStore exposes a directory as opaque named blobs, the storage layer of
// the encrypted filesystem backend.
type BlobStore struct {
	fs   afero.Afero
	root string
	mu   sync.Mutex
}

// NewBlobStore creates root if needed and returns a store over it.
func NewBlobStore(fsys afero.Fs, root string) (*BlobStore, error) {
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", root, err)
	}
	return &BlobStore{fs: afero.Afero{Fs: afero.NewBasePathFs(fsys, root)}, root: root}, nil
}

func (s *BlobStore) String() string {
	return "fs:" + s.root
}

// List returns blob names under prefix, sorted.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	exists, err := s.fs.DirExists(prefix)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var names []string
	err = s.fs.Walk(prefix, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		names = append(names, strings.TrimPrefix(filepath.ToSlash(p), "/"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *BlobStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, repository.NotFound("open", name)
		}
		return nil, 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, stat.Size(), nil
}

// Create writes a new blob through write. The blob only appears once write
// succeeded; an existing blob is never replaced.
func (s *BlobStore) Create(ctx context.Context, name string, size int64, write func(io.Writer) error) error {
	if exists, err := s.fs.Exists(name); err != nil {
		return err
	} else if exists {
		return repository.DestinationExists("create", name)
	}

	dir := path.Dir(name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := s.fs.TempFile(dir, "."+path.Base(name)+".*"+tmpSuffix)
	if err != nil {
		return err
	}
	tmpName := path.Join(dir, path.Base(tmp.Name()))

	werr := write(tmp)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = s.fs.Remove(tmpName)
		return werr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if exists, err := s.fs.Exists(name); err != nil || exists {
		_ = s.fs.Remove(tmpName)
		if err != nil {
			return err
		}
		return repository.DestinationExists("create", name)
	}
	if err := s.fs.Rename(tmpName, name); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	return nil
}

// Rename moves a blob, refusing to replace an existing one.
func (s *BlobStore) Rename(ctx context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exists, err := s.fs.Exists(from); err != nil {
		return err
	} else if !exists {
		return repository.NotFound("rename", from)
	}
	if exists, err := s.fs.Exists(to); err != nil {
		return err
	} else if exists {
		return repository.DestinationExists("rename", to)
	}
	if err := s.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
		return err
	}
	return s.fs.Rename(from, to)
}

func (s *BlobStore) Remove(ctx context.Context, name string) error {
	if err := s.fs.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return repository.NotFound("remove", name)
		}
		return err
	}
	return nil
}

func (s *BlobStore) ReadObject(ctx context.Context, name string) ([]byte, error) {
	data, err := s.fs.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, repository.NotFound("read", name)
		}
		return nil, err
	}
	return data, nil
}

// WriteObject replaces a small object atomically.
func (s *BlobStore) WriteObject(ctx context.Context, name string, data []byte) error {
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return err
	}
	tmp := name + tmpSuffix
	if err := s.fs.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return s.fs.Rename(tmp, name)
}
