package encrypted

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository/fsrepo"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository/repositorytest"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/vault"
)

var fastVault = WithVaultOptions(vault.WithKDFParams(vault.KDFParams{Time: 1, Memory: 64, Threads: 1}))

func newStore(t *testing.T) (*fsrepo.BlobStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := fsrepo.NewBlobStore(fsys, "/enc")
	require.NoError(t, err)
	return store, fsys
}

func TestContract(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) repository.Repository {
		store, _ := newStore(t)
		repo, err := Create(context.Background(), store, []byte("pw"), fastVault)
		require.NoError(t, err)
		return repo
	})
}

func TestLayoutHidesContent(t *testing.T) {
	store, fsys := newStore(t)
	repo, err := Create(context.Background(), store, []byte("pw"), fastVault)
	require.NoError(t, err)

	secret := "top secret plaintext"
	repositorytest.Store(t, repo, "docs/note.txt", secret)
	_, err = repo.UpdateMetadata(context.Background(), func(m repository.Metadata) (repository.Metadata, error) {
		m.AssociationGroupID = "hidden-group"
		return m, nil
	})
	require.NoError(t, err)

	frame, err := afero.ReadFile(fsys, "/enc/EncryptedFiles/docs/note.txt.enc")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(frame, []byte(secret)))

	meta, err := afero.ReadFile(fsys, "/enc/archive-metadata.json")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(meta, []byte("hidden-group")))

	exists, err := afero.Exists(fsys, "/enc/vault.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLockedOperations(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	repo, err := Create(ctx, store, []byte("pw"), fastVault)
	require.NoError(t, err)
	repositorytest.Store(t, repo, "a", "A")

	reopened, err := Open(ctx, store)
	require.NoError(t, err)

	_, err = reopened.Index(ctx)
	assert.ErrorIs(t, err, repository.ErrLocked)
	_, _, err = reopened.Open(ctx, "a")
	assert.ErrorIs(t, err, repository.ErrLocked)
	data := []byte("B")
	assert.ErrorIs(t, reopened.Save(ctx, "b", repositorytest.InfoOf(data), bytes.NewReader(data), nil), repository.ErrLocked)
	assert.ErrorIs(t, reopened.Move(ctx, "a", "b"), repository.ErrLocked)
	assert.ErrorIs(t, reopened.Delete(ctx, "a"), repository.ErrLocked)
	_, err = reopened.Metadata(ctx)
	assert.ErrorIs(t, err, repository.ErrLocked)

	err = reopened.Unlock(ctx, []byte("wrong"))
	assert.ErrorIs(t, err, vault.ErrIncorrectPassword)
	assert.ErrorIs(t, err, repository.ErrLocked)

	require.NoError(t, reopened.Unlock(ctx, []byte("pw")))
	assert.Equal(t, map[string]string{"a": "A"}, repositorytest.Contents(t, reopened))

	reopened.Lock()
	_, err = reopened.Index(ctx)
	assert.ErrorIs(t, err, repository.ErrLocked)
}

func TestOpenRequiresVault(t *testing.T) {
	store, _ := newStore(t)
	_, err := Open(context.Background(), store)
	assert.ErrorIs(t, err, vault.ErrNotExisting)

	_, err = Create(context.Background(), store, []byte("pw"), fastVault)
	require.NoError(t, err)
	_, err = Create(context.Background(), store, []byte("pw"), fastVault)
	assert.ErrorIs(t, err, vault.ErrExists)
}

func TestForeignFramesAreRejected(t *testing.T) {
	ctx := context.Background()
	storeA, _ := newStore(t)
	repoA, err := Create(ctx, storeA, []byte("pw"), fastVault)
	require.NoError(t, err)
	repositorytest.Store(t, repoA, "a", "A")

	storeB, fsysB := newStore(t)
	repoB, err := Create(ctx, storeB, []byte("pw"), fastVault)
	require.NoError(t, err)

	rc, _, err := storeA.Open(ctx, "EncryptedFiles/a.enc")
	require.NoError(t, err)
	defer rc.Close()
	require.NoError(t, afero.WriteReader(fsysB, "/enc/EncryptedFiles/a.enc", rc))

	_, err = repoB.Index(ctx)
	assert.Error(t, err, "frame signed by another repository")
}

func TestString(t *testing.T) {
	store, _ := newStore(t)
	repo, err := Create(context.Background(), store, []byte("pw"), fastVault)
	require.NoError(t, err)
	assert.Equal(t, "encrypted:fs:/enc", repo.String())
}

// stallingStore holds the first armed List after its snapshot was taken
// until release is closed.
type stallingStore struct {
	repository.BlobStore
	armed   atomic.Bool
	once    sync.Once
	listed  chan struct{}
	release chan struct{}
}

func (s *stallingStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.BlobStore.List(ctx, prefix)
	if s.armed.Load() {
		s.once.Do(func() {
			close(s.listed)
			<-s.release
		})
	}
	return names, err
}

func TestIndexRebuildRacingSave(t *testing.T) {
	ctx := context.Background()
	inner, _ := newStore(t)
	store := &stallingStore{BlobStore: inner, listed: make(chan struct{}), release: make(chan struct{})}
	repo, err := Create(ctx, store, []byte("pw"), fastVault)
	require.NoError(t, err)
	store.armed.Store(true)

	built := make(chan int, 1)
	go func() {
		idx, err := repo.Index(ctx)
		assert.NoError(t, err)
		built <- idx.Len()
	}()

	<-store.listed
	repositorytest.Store(t, repo, "new.txt", "N")
	close(store.release)
	assert.Equal(t, 0, <-built, "snapshot predates the save")

	idx, err := repo.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len(), "stale rebuild must not be cached")
}
