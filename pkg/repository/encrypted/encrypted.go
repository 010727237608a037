// Package encrypted stores a repository as encrypted frames in a
// repository.BlobStore. File names stay visible; content and metadata are
// only readable once the vault is unlocked.
package encrypted

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-repo-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/cryptoframe"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/transfer"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/vault"
)

const (
	filesPrefix    = "EncryptedFiles/"
	fileSuffix     = ".enc"
	metadataObject = "archive-metadata.json"
	vaultObject    = "vault.json"

	headerConcurrency = 8
)

var _ repository.Repository = (*Repository)(nil)

type Repository struct {
	store repository.BlobStore
	vault *vault.Vault
	log   *slog.Logger

	mu sync.RWMutex

	// gen counts invalidations; a rebuild that raced one is not cached.
	cacheMu sync.Mutex
	cache   *repository.Index
	gen     uint64

	metaMu sync.Mutex
}

type Option func(*Repository)

func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.log = l }
}

// WithVaultOptions configures the vault, e.g. its KDF cost.
func WithVaultOptions(opts ...vault.Option) Option {
	return func(r *Repository) { r.vault = vault.New(vaultStore{r.store}, opts...) }
}

func newRepository(store repository.BlobStore, opts []Option) *Repository {
	r := &Repository{
		store: store,
		vault: vault.New(vaultStore{store}),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("repo", r.String())
	return r
}

// Create initializes an encrypted repository in store. It is returned
// unlocked.
func Create(ctx context.Context, store repository.BlobStore, password []byte, opts ...Option) (*Repository, error) {
	r := newRepository(store, opts)
	if err := r.vault.Create(ctx, password); err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	return r, nil
}

// Open opens an existing encrypted repository. It is returned locked.
func Open(ctx context.Context, store repository.BlobStore, opts ...Option) (*Repository, error) {
	r := newRepository(store, opts)
	state, err := r.vault.State(ctx)
	if err != nil {
		return nil, err
	}
	if state == vault.NotExisting {
		return nil, fmt.Errorf("no encrypted repository in %s: %w", describe(store), vault.ErrNotExisting)
	}
	return r, nil
}

func (r *Repository) String() string {
	return "encrypted:" + describe(r.store)
}

func describe(store repository.BlobStore) string {
	if n, ok := store.(repository.Named); ok {
		return n.String()
	}
	return fmt.Sprintf("%T", store)
}

// Vault exposes the vault for unlocking and password changes.
func (r *Repository) Vault() *vault.Vault {
	return r.vault
}

func (r *Repository) Unlock(ctx context.Context, password []byte) error {
	return r.vault.Unlock(ctx, password)
}

// Lock forgets the keys and the cached index.
func (r *Repository) Lock() {
	r.vault.Lock()
	r.Invalidate()
}

func (r *Repository) Invalidate() {
	r.cacheMu.Lock()
	r.cache = nil
	r.gen++
	r.cacheMu.Unlock()
}

// Index lists the stored frames and verifies each header.
func (r *Repository) Index(ctx context.Context) (repository.Index, error) {
	keys, err := r.vault.Keys()
	if err != nil {
		return repository.Index{}, err
	}

	r.cacheMu.Lock()
	cached, gen := r.cache, r.gen
	r.cacheMu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names, err := r.store.List(ctx, strings.TrimSuffix(filesPrefix, "/"))
	if err != nil {
		return repository.Index{}, fmt.Errorf("list files: %w", err)
	}

	files := make([]repository.IndexedFile, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headerConcurrency)
	for i, name := range names {
		g.Go(func() error {
			p, ok := pathOf(name)
			if !ok {
				return fmt.Errorf("unexpected object %s", name)
			}
			info, err := r.readHeader(gctx, name, keys)
			if err != nil {
				return fmt.Errorf("read header of %s: %w", p, err)
			}
			files[i] = repository.IndexedFile{Path: p, Size: info.Length, ChecksumSHA256: info.ChecksumSHA256}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return repository.Index{}, err
	}

	idx, err := repository.NewIndex(files)
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

func (r *Repository) readHeader(ctx context.Context, name string, keys cryptoframe.Keys) (repository.FileInfo, error) {
	rc, _, err := r.store.Open(ctx, name)
	if err != nil {
		return repository.FileInfo{}, err
	}
	defer rc.Close()
	return cryptoframe.ReadHeader(rc, keys)
}

type frameReadCloser struct {
	io.Reader
	io.Closer
}

func (r *Repository) Open(ctx context.Context, p string) (repository.FileInfo, io.ReadCloser, error) {
	if err := repository.ValidatePath(p); err != nil {
		return repository.FileInfo{}, nil, &repository.PathError{Op: "open", Path: p, Err: err}
	}
	keys, err := r.vault.Keys()
	if err != nil {
		return repository.FileInfo{}, nil, err
	}

	rc, _, err := r.store.Open(ctx, blobName(p))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.FileInfo{}, nil, repository.NotFound("open", p)
		}
		return repository.FileInfo{}, nil, fmt.Errorf("open %s: %w", p, err)
	}
	info, plain, err := cryptoframe.NewReader(rc, keys)
	if err != nil {
		rc.Close()
		return repository.FileInfo{}, nil, fmt.Errorf("open %s: %w", p, err)
	}
	return info, frameReadCloser{Reader: plain, Closer: rc}, nil
}

// Save encrypts src while streaming it into a new blob. The plaintext is
// verified against info before the blob becomes visible.
func (r *Repository) Save(ctx context.Context, p string, info repository.FileInfo, src io.Reader, progress repository.ProgressFunc) error {
	if err := repository.ValidatePath(p); err != nil {
		return &repository.PathError{Op: "save", Path: p, Err: err}
	}
	keys, err := r.vault.Keys()
	if err != nil {
		return err
	}

	enc, err := cryptoframe.NewEncrypter(info, keys)
	if err != nil {
		return fmt.Errorf("prepare encryption of %s: %w", p, err)
	}

	err = r.store.Create(ctx, blobName(p), enc.EncodedSize(), func(w io.Writer) error {
		fw := enc.Writer(w)
		if _, err := transfer.Stream(ctx, p, fw, src, info, progress); err != nil {
			return err
		}
		return fw.Close()
	})
	if err != nil {
		if errors.Is(err, repository.ErrDestinationExists) {
			return repository.DestinationExists("save", p)
		}
		return err
	}
	r.Invalidate()

	r.log.Debug("file saved", "path", p, "size", info.Length)
	return nil
}

func (r *Repository) Move(ctx context.Context, from, to string) error {
	for _, p := range []string{from, to} {
		if err := repository.ValidatePath(p); err != nil {
			return &repository.PathError{Op: "move", Path: p, Err: err}
		}
	}
	if _, err := r.vault.Keys(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Rename(ctx, blobName(from), blobName(to)); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return repository.NotFound("move", from)
		case errors.Is(err, repository.ErrDestinationExists):
			return repository.DestinationExists("move", to)
		}
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	r.Invalidate()

	r.log.Debug("file moved", "from", from, "to", to)
	return nil
}

func (r *Repository) Delete(ctx context.Context, p string) error {
	if err := repository.ValidatePath(p); err != nil {
		return &repository.PathError{Op: "delete", Path: p, Err: err}
	}
	if _, err := r.vault.Keys(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Remove(ctx, blobName(p)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.NotFound("delete", p)
		}
		return fmt.Errorf("delete %s: %w", p, err)
	}
	r.Invalidate()

	r.log.Debug("file deleted", "path", p)
	return nil
}

// Metadata is stored as an encrypted frame as well.
func (r *Repository) Metadata(ctx context.Context) (repository.Metadata, error) {
	var m repository.Metadata
	keys, err := r.vault.Keys()
	if err != nil {
		return m, err
	}

	data, err := r.store.ReadObject(ctx, metadataObject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return m, nil
		}
		return m, fmt.Errorf("read metadata: %w", err)
	}
	_, plain, err := cryptoframe.NewReader(bytes.NewReader(data), keys)
	if err != nil {
		return m, fmt.Errorf("decrypt metadata: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return m, fmt.Errorf("decrypt metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("parse metadata: %w", err)
	}
	return m, nil
}

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

	raw, err := json.Marshal(updated)
	if err != nil {
		return current, fmt.Errorf("encode metadata: %w", err)
	}
	keys, err := r.vault.Keys()
	if err != nil {
		return current, err
	}
	info := repository.FileInfo{Length: int64(len(raw)), ChecksumSHA256: checksum.Bytes(raw)}
	enc, err := cryptoframe.NewEncrypter(info, keys)
	if err != nil {
		return current, err
	}
	var frame bytes.Buffer
	w := enc.Writer(&frame)
	if _, err := w.Write(raw); err != nil {
		return current, err
	}
	if err := w.Close(); err != nil {
		return current, err
	}
	if err := r.store.WriteObject(ctx, metadataObject, frame.Bytes()); err != nil {
		return current, fmt.Errorf("write metadata: %w", err)
	}
	return updated, nil
}

func blobName(p string) string {
	return filesPrefix + p + fileSuffix
}

func pathOf(name string) (string, bool) {
	if !strings.HasPrefix(name, filesPrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, filesPrefix), fileSuffix), true
}

// vaultStore keeps the sealed vault document next to the files.
type vaultStore struct {
	store repository.BlobStore
}

func (s vaultStore) Read(ctx context.Context) ([]byte, error) {
	return s.store.ReadObject(ctx, vaultObject)
}

func (s vaultStore) Write(ctx context.Context, data []byte) error {
	return s.store.WriteObject(ctx, vaultObject, data)
}
