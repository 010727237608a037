package repositorytest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

// RunBlobStore executes the suite every repository.BlobStore must pass. The
// store must be empty.
func RunBlobStore(t *testing.T, ctx context.Context, store repository.BlobStore) {
	write := func(content string) func(io.Writer) error {
		return func(w io.Writer) error {
			_, err := io.WriteString(w, content)
			return err
		}
	}
	read := func(t *testing.T, name string) string {
		t.Helper()
		rc, size, err := store.Open(ctx, name)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), size)
		return string(data)
	}

	names, err := store.List(ctx, "files")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Create(ctx, "files/b.enc", 1, write("b")))
	require.NoError(t, store.Create(ctx, "files/dir/a.enc", 1, write("a")))
	require.NoError(t, store.WriteObject(ctx, "meta.json", []byte("{}")))

	names, err = store.List(ctx, "files")
	require.NoError(t, err)
	assert.Equal(t, []string{"files/b.enc", "files/dir/a.enc"}, names)
	assert.Equal(t, "a", read(t, "files/dir/a.enc"))

	t.Run("create never replaces", func(t *testing.T) {
		err := store.Create(ctx, "files/b.enc", 1, write("x"))
		assert.ErrorIs(t, err, repository.ErrDestinationExists)
		assert.Equal(t, "b", read(t, "files/b.enc"))
	})

	t.Run("failed write leaves nothing", func(t *testing.T) {
		err := store.Create(ctx, "files/failed.enc", 5, func(w io.Writer) error {
			_, _ = io.WriteString(w, "par")
			return errors.New("interrupted")
		})
		require.Error(t, err)
		_, _, err = store.Open(ctx, "files/failed.enc")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		names, err := store.List(ctx, "files")
		require.NoError(t, err)
		assert.Equal(t, []string{"files/b.enc", "files/dir/a.enc"}, names)
	})

	t.Run("rename", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "files/c.enc", 1, write("c")))
		assert.ErrorIs(t, store.Rename(ctx, "files/c.enc", "files/b.enc"), repository.ErrDestinationExists)
		assert.ErrorIs(t, store.Rename(ctx, "files/none.enc", "files/z.enc"), repository.ErrNotFound)

		require.NoError(t, store.Rename(ctx, "files/c.enc", "files/moved/c.enc"))
		assert.Equal(t, "c", read(t, "files/moved/c.enc"))
		_, _, err := store.Open(ctx, "files/c.enc")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		require.NoError(t, store.Remove(ctx, "files/moved/c.enc"))
		assert.ErrorIs(t, store.Remove(ctx, "files/moved/c.enc"), repository.ErrNotFound)
	})

	t.Run("objects", func(t *testing.T) {
		data, err := store.ReadObject(ctx, "meta.json")
		require.NoError(t, err)
		assert.Equal(t, "{}", string(data))

		require.NoError(t, store.WriteObject(ctx, "meta.json", []byte(`{"a":1}`)))
		data, err = store.ReadObject(ctx, "meta.json")
		require.NoError(t, err)
		assert.True(t, bytes.Equal([]byte(`{"a":1}`), data))

		_, err = store.ReadObject(ctx, "absent.json")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}
