// Package repositorytest holds the behavioral test suite every
// repository.Repository implementation must pass.
package repositorytest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

// Factory returns a fresh, empty repository.
type Factory func(t *testing.T) repository.Repository

// InfoOf returns the declared identity of content.
func InfoOf(content []byte) repository.FileInfo {
	return repository.FileInfo{Length: int64(len(content)), ChecksumSHA256: checksum.Bytes(content)}
}

// Store saves content under p, failing the test on error.
func Store(t *testing.T, repo repository.Repository, p, content string) {
	t.Helper()
	data := []byte(content)
	require.NoError(t, repo.Save(context.Background(), p, InfoOf(data), bytes.NewReader(data), nil))
}

// Contents reads every indexed file into a path to content map.
func Contents(t *testing.T, repo repository.Repository) map[string]string {
	t.Helper()
	ctx := context.Background()
	idx, err := repo.Index(ctx)
	require.NoError(t, err)

	out := make(map[string]string, idx.Len())
	for _, f := range idx.Files() {
		info, rc, err := repo.Open(ctx, f.Path)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, rc.Close())
		require.NoError(t, err)
		require.Equal(t, f.Info(), info)
		out[f.Path] = string(data)
	}
	return out
}

// Run executes the contract suite.
func Run(t *testing.T, newRepo Factory) {
	ctx := context.Background()

	t.Run("empty index", func(t *testing.T) {
		repo := newRepo(t)
		idx, err := repo.Index(ctx)
		require.NoError(t, err)
		assert.Zero(t, idx.Len())
	})

	t.Run("save then open", func(t *testing.T) {
		repo := newRepo(t)
		var progress []int64
		data := []byte(strings.Repeat("content ", 1000))
		require.NoError(t, repo.Save(ctx, "dir/a.txt", InfoOf(data), bytes.NewReader(data), func(n int64) {
			progress = append(progress, n)
		}))

		info, rc, err := repo.Open(ctx, "dir/a.txt")
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, rc.Close())
		require.NoError(t, err)
		assert.Equal(t, InfoOf(data), info)
		assert.Equal(t, data, got)
		if assert.NotEmpty(t, progress) {
			assert.Equal(t, int64(len(data)), progress[len(progress)-1])
		}

		idx, err := repo.Index(ctx)
		require.NoError(t, err)
		assert.Equal(t, []repository.IndexedFile{{Path: "dir/a.txt", Size: info.Length, ChecksumSHA256: info.ChecksumSHA256}}, idx.Files())
	})

	t.Run("empty file", func(t *testing.T) {
		repo := newRepo(t)
		Store(t, repo, "empty", "")
		assert.Equal(t, map[string]string{"empty": ""}, Contents(t, repo))
	})

	t.Run("open missing", func(t *testing.T) {
		repo := newRepo(t)
		_, _, err := repo.Open(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("save never overwrites", func(t *testing.T) {
		repo := newRepo(t)
		Store(t, repo, "a", "first")

		data := []byte("second")
		err := repo.Save(ctx, "a", InfoOf(data), bytes.NewReader(data), nil)
		assert.ErrorIs(t, err, repository.ErrDestinationExists)
		assert.Equal(t, map[string]string{"a": "first"}, Contents(t, repo))
	})

	t.Run("checksum mismatch leaves no artifact", func(t *testing.T) {
		repo := newRepo(t)
		declared := InfoOf([]byte("expected"))
		err := repo.Save(ctx, "a", declared, strings.NewReader("tampered"), nil)
		assert.ErrorIs(t, err, repository.ErrChecksumMismatch)

		_, _, err = repo.Open(ctx, "a")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.Empty(t, Contents(t, repo))

		// The path is usable afterwards.
		Store(t, repo, "a", "expected")
	})

	t.Run("cancelled save leaves no artifact", func(t *testing.T) {
		repo := newRepo(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		data := bytes.Repeat([]byte("x"), 1<<20)
		err := repo.Save(cctx, "a", InfoOf(data), bytes.NewReader(data), nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
		assert.Empty(t, Contents(t, repo))
	})

	t.Run("move", func(t *testing.T) {
		repo := newRepo(t)
		Store(t, repo, "old/a", "A")

		require.NoError(t, repo.Move(ctx, "old/a", "new/a"))
		assert.Equal(t, map[string]string{"new/a": "A"}, Contents(t, repo))

		_, _, err := repo.Open(ctx, "old/a")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("move onto occupied path", func(t *testing.T) {
		repo := newRepo(t)
		Store(t, repo, "a", "A")
		Store(t, repo, "b", "B")

		err := repo.Move(ctx, "a", "b")
		assert.ErrorIs(t, err, repository.ErrDestinationExists)
		assert.Equal(t, map[string]string{"a": "A", "b": "B"}, Contents(t, repo))
	})

	t.Run("move missing", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Move(ctx, "missing", "b")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		Store(t, repo, "a", "A")
		Store(t, repo, "b", "B")

		require.NoError(t, repo.Delete(ctx, "a"))
		assert.Equal(t, map[string]string{"b": "B"}, Contents(t, repo))
		assert.ErrorIs(t, repo.Delete(ctx, "a"), repository.ErrNotFound)
	})

	t.Run("index reflects mutations", func(t *testing.T) {
		repo := newRepo(t)
		Store(t, repo, "a", "A")
		_, err := repo.Index(ctx)
		require.NoError(t, err)

		Store(t, repo, "b", "B")
		require.NoError(t, repo.Move(ctx, "a", "c"))
		idx, err := repo.Index(ctx)
		require.NoError(t, err)

		var paths []string
		for _, f := range idx.Files() {
			paths = append(paths, f.Path)
		}
		assert.Equal(t, []string{"b", "c"}, paths)
	})

	t.Run("index sees saves racing a rebuild", func(t *testing.T) {
		repo := newRepo(t)
		const n = 8

		stop := make(chan struct{})
		var readers sync.WaitGroup
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := repo.Index(ctx); err != nil {
					t.Errorf("index: %v", err)
					return
				}
			}
		}()

		var writers sync.WaitGroup
		for i := range n {
			writers.Add(1)
			go func() {
				defer writers.Done()
				data := []byte(fmt.Sprintf("content %d", i))
				if err := repo.Save(ctx, fmt.Sprintf("f%d", i), InfoOf(data), bytes.NewReader(data), nil); err != nil {
					t.Errorf("save f%d: %v", i, err)
				}
			}()
		}
		writers.Wait()
		close(stop)
		readers.Wait()

		idx, err := repo.Index(ctx)
		require.NoError(t, err)
		assert.Equal(t, n, idx.Len())
	})

	t.Run("metadata", func(t *testing.T) {
		repo := newRepo(t)
		m, err := repo.Metadata(ctx)
		require.NoError(t, err)
		assert.Equal(t, repository.Metadata{}, m)

		updated, err := repo.UpdateMetadata(ctx, func(m repository.Metadata) (repository.Metadata, error) {
			m.AssociationGroupID = "group-1"
			return m, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "group-1", updated.AssociationGroupID)

		_, err = repo.UpdateMetadata(ctx, func(m repository.Metadata) (repository.Metadata, error) {
			assert.Equal(t, "group-1", m.AssociationGroupID)
			m.Extra = map[string]string{"k": "v"}
			return m, nil
		})
		require.NoError(t, err)

		_, err = repo.UpdateMetadata(ctx, func(m repository.Metadata) (repository.Metadata, error) {
			return m, errors.New("rejected")
		})
		assert.Error(t, err)

		m, err = repo.Metadata(ctx)
		require.NoError(t, err)
		assert.Equal(t, repository.Metadata{AssociationGroupID: "group-1", Extra: map[string]string{"k": "v"}}, m)
	})

	t.Run("rejects unsafe paths", func(t *testing.T) {
		repo := newRepo(t)
		data := []byte("x")
		assert.Error(t, repo.Save(ctx, "../escape", InfoOf(data), bytes.NewReader(data), nil))
		assert.Error(t, repo.Save(ctx, "/abs", InfoOf(data), bytes.NewReader(data), nil))
	})
}
