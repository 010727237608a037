package indexupdate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository/fsrepo"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository/repositorytest"
)

type mockIndexer struct {
	unindexed func(ctx context.Context, excludes []string) ([]string, error)
	missing   func(ctx context.Context) ([]repository.IndexedFile, error)
	hash      func(ctx context.Context, path string) (repository.IndexedFile, error)

	mu       sync.Mutex
	recorded []string
}

func (m *mockIndexer) UnindexedFiles(ctx context.Context, excludes []string) ([]string, error) {
	return m.unindexed(ctx, excludes)
}

func (m *mockIndexer) MissingFiles(ctx context.Context) ([]repository.IndexedFile, error) {
	if m.missing == nil {
		return nil, nil
	}
	return m.missing(ctx)
}

func (m *mockIndexer) Hash(ctx context.Context, path string) (repository.IndexedFile, error) {
	return m.hash(ctx, path)
}

func (m *mockIndexer) Record(_ context.Context, f repository.IndexedFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, f.Path)
	return nil
}

func (m *mockIndexer) Reindex(context.Context, string, repository.IndexedFile) error {
	return errors.New("unexpected reindex")
}

func TestRunIndexesTree(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	repo, err := fsrepo.Init(fsys, "/repo")
	require.NoError(t, err)
	repositorytest.Store(t, repo, "known", "K")

	require.NoError(t, afero.WriteFile(fsys, "/repo/a.txt", []byte("A"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/repo/dir/b.txt", []byte("BB"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/repo/cache/skip.tmp", []byte("x"), 0o644))

	var mu sync.Mutex
	var progress []Progress
	report, err := Run(ctx, repo, Options{
		Concurrency: 2,
		Excludes:    []string{"cache/"},
		OnProgress: func(p Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []repository.IndexedFile{
		{Path: "a.txt", Size: 1, ChecksumSHA256: checksum.Bytes([]byte("A"))},
		{Path: "dir/b.txt", Size: 2, ChecksumSHA256: checksum.Bytes([]byte("BB"))},
	}, report.Added)
	assert.Empty(t, report.Failed)
	assert.Empty(t, report.Missing)
	assert.Equal(t, int64(3), report.Bytes)
	assert.Len(t, progress, 2)

	assert.Equal(t, map[string]string{"known": "K", "a.txt": "A", "dir/b.txt": "BB"}, repositorytest.Contents(t, repo))

	again, err := Run(ctx, repo, Options{Excludes: []string{"cache/"}})
	require.NoError(t, err)
	assert.Empty(t, again.Added)
}

func TestRunCollectsFailures(t *testing.T) {
	boom := errors.New("unreadable")
	idx := &mockIndexer{
		unindexed: func(context.Context, []string) ([]string, error) {
			return []string{"ok", "bad", "ok2"}, nil
		},
		missing: func(context.Context) ([]repository.IndexedFile, error) {
			return []repository.IndexedFile{{Path: "gone", ChecksumSHA256: "sum-gone"}}, nil
		},
		hash: func(_ context.Context, p string) (repository.IndexedFile, error) {
			if p == "bad" {
				return repository.IndexedFile{}, boom
			}
			return repository.IndexedFile{Path: p, Size: 10, ChecksumSHA256: "sum-" + p}, nil
		},
	}

	report, err := Run(context.Background(), idx, Options{})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "bad", report.Failed[0].Path)
	assert.ErrorIs(t, report.Failed[0].Err, boom)
	assert.Len(t, report.Added, 2)
	assert.Equal(t, []string{"ok", "ok2"}, idx.recorded)
	assert.Equal(t, []string{"gone"}, report.Missing)
}

func TestRunListingError(t *testing.T) {
	idx := &mockIndexer{
		unindexed: func(context.Context, []string) ([]string, error) {
			return nil, errors.New("walk failed")
		},
	}
	_, err := Run(context.Background(), idx, Options{})
	assert.ErrorContains(t, err, "walk failed")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	idx := &mockIndexer{
		unindexed: func(context.Context, []string) ([]string, error) {
			return []string{"a", "b"}, nil
		},
		hash: func(context.Context, string) (repository.IndexedFile, error) {
			calls.Add(1)
			return repository.IndexedFile{}, nil
		},
	}
	report, err := Run(ctx, idx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Added)
	assert.Zero(t, calls.Load())
	assert.Empty(t, idx.recorded)
}

func TestRunDetectsMoves(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	repo, err := fsrepo.Init(fsys, "/repo")
	require.NoError(t, err)
	repositorytest.Store(t, repo, "old/photo.jpg", "P")
	repositorytest.Store(t, repo, "gone.txt", "G")

	require.NoError(t, fsys.MkdirAll("/repo/new", 0o755))
	require.NoError(t, fsys.Rename("/repo/old/photo.jpg", "/repo/new/photo.jpg"))
	require.NoError(t, fsys.Remove("/repo/gone.txt"))
	require.NoError(t, afero.WriteFile(fsys, "/repo/fresh.txt", []byte("F"), 0o644))

	report, err := Run(ctx, repo, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Move{{From: "old/photo.jpg", To: "new/photo.jpg"}}, report.Moved)
	assert.Equal(t, []repository.IndexedFile{{Path: "fresh.txt", Size: 1, ChecksumSHA256: checksum.Bytes([]byte("F"))}}, report.Added)
	assert.Equal(t, []string{"gone.txt"}, report.Missing)
	assert.Empty(t, report.Failed)

	// The renamed file is indexed once, under its new path.
	assert.Equal(t, map[string]string{"new/photo.jpg": "P", "fresh.txt": "F"}, repositorytest.Contents(t, repo))
	missing, err := repo.MissingFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []repository.IndexedFile{{Path: "gone.txt", ChecksumSHA256: checksum.Bytes([]byte("G"))}}, missing)
}

func TestRunWithoutMovesCheck(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	repo, err := fsrepo.Init(fsys, "/repo")
	require.NoError(t, err)
	repositorytest.Store(t, repo, "a", "A")
	require.NoError(t, fsys.Rename("/repo/a", "/repo/b"))

	report, err := Run(ctx, repo, Options{DisableMovesCheck: true})
	require.NoError(t, err)
	assert.Empty(t, report.Moved)
	assert.Equal(t, []string{"b"}, paths(report.Added))
	assert.Equal(t, []string{"a"}, report.Missing)
}

func TestRunOneMovePerMissingFile(t *testing.T) {
	idx := &mockIndexer{
		unindexed: func(context.Context, []string) ([]string, error) {
			return []string{"copy1", "copy2"}, nil
		},
		missing: func(context.Context) ([]repository.IndexedFile, error) {
			return []repository.IndexedFile{{Path: "orig", ChecksumSHA256: "same"}}, nil
		},
		hash: func(_ context.Context, p string) (repository.IndexedFile, error) {
			return repository.IndexedFile{Path: p, ChecksumSHA256: "same"}, nil
		},
	}
	reindexed := &reindexRecorder{mockIndexer: idx}

	report, err := Run(context.Background(), reindexed, Options{Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, []Move{{From: "orig", To: "copy1"}}, report.Moved)
	assert.Equal(t, []string{"copy2"}, paths(report.Added))
	assert.Empty(t, report.Missing)
}

type reindexRecorder struct {
	*mockIndexer
	moves []Move
}

func (r *reindexRecorder) Reindex(_ context.Context, from string, to repository.IndexedFile) error {
	r.moves = append(r.moves, Move{From: from, To: to.Path})
	return nil
}

func TestRunRejectsIllegalFilenames(t *testing.T) {
	idx := &mockIndexer{
		unindexed: func(context.Context, []string) ([]string, error) {
			return []string{"ok.txt", "what?.txt", "dir/a:b"}, nil
		},
		hash: func(_ context.Context, p string) (repository.IndexedFile, error) {
			return repository.IndexedFile{Path: p, ChecksumSHA256: "sum-" + p}, nil
		},
	}

	report, err := Run(context.Background(), idx, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.txt"}, paths(report.Added))
	require.Len(t, report.Failed, 2)
	assert.Equal(t, "dir/a:b", report.Failed[0].Path)
	assert.ErrorIs(t, report.Failed[0].Err, ErrIllegalFilename)
	assert.ErrorContains(t, report.Failed[1].Err, `contains "?"`)

	idx.recorded = nil
	report, err = Run(context.Background(), idx, Options{DisableFilenameCheck: true})
	require.NoError(t, err)
	assert.Len(t, report.Added, 3)
	assert.Empty(t, report.Failed)
}

func TestIllegalCharacter(t *testing.T) {
	for _, p := range []string{"a:b", "a?", "<a", "a>", "*", "a|b"} {
		_, bad := IllegalCharacter(p)
		assert.True(t, bad, p)
	}
	_, bad := IllegalCharacter("photos/2024 (1)/a-b_c.jpg")
	assert.False(t, bad)
}

func paths(files []repository.IndexedFile) []string {
	var out []string
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}
