package compare

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

func indexOf(contents map[string]string) repository.Index {
	var files []repository.IndexedFile
	for path, content := range contents {
		files = append(files, repository.IndexedFile{
			Path:           path,
			Size:           int64(len(content)),
			ChecksumSHA256: checksum.Bytes([]byte(content)),
		})
	}
	return repository.MustIndex(files...)
}

func relocationOf(content string, base, other []string) Relocation {
	return NewRelocation(checksum.Bytes([]byte(content)), int64(len(content)), base, other)
}

func extraOf(content string, filenames ...string) ExtraGroup {
	return ExtraGroup{Checksum: checksum.Bytes([]byte(content)), Size: int64(len(content)), Filenames: filenames}
}

func TestCalculate(t *testing.T) {
	base := indexOf(map[string]string{
		"file to be extra in source":    "file to be extra in source",
		"file to duplicate":             "file to duplicate: old",
		"file to duplicate 02":          "file to duplicate: old",
		"file to modify with backup":    "file to modify with backup: new",
		"file to move and duplicate/01": "file to move and duplicate: old",
		"file to move and duplicate/02": "file to move and duplicate: old",
		"file to overwrite":             "file to overwrite: new",
		"file to be left untouched":     "file to be left untouched: untouched",
		"moved/file to move":            "file to move: old",
		"old/file to modify backup":     "file to modify with backup: old",
	})
	other := indexOf(map[string]string{
		"file to be extra in target": "file to be extra in target",
		"file to duplicate":          "file to duplicate: old",
		"file to move":               "file to move: old",
		"file to move and duplicate": "file to move and duplicate: old",
		"file to modify with backup": "file to modify with backup: old",
		"file to overwrite":          "file to overwrite: old",
		"file to be left untouched":  "file to be left untouched: untouched",
	})

	result := Calculate(base, other)

	assert.Equal(t, []Relocation{
		relocationOf("file to duplicate: old",
			[]string{"file to duplicate", "file to duplicate 02"},
			[]string{"file to duplicate"}),
		relocationOf("file to move and duplicate: old",
			[]string{"file to move and duplicate/01", "file to move and duplicate/02"},
			[]string{"file to move and duplicate"}),
		relocationOf("file to move: old",
			[]string{"moved/file to move"},
			[]string{"file to move"}),
		relocationOf("file to modify with backup: old",
			[]string{"old/file to modify backup"},
			[]string{"file to modify with backup"}),
	}, result.Relocations)

	assert.Equal(t, []string{"file to modify with backup"}, result.NewContentAfterMove)
	assert.Equal(t, []string{"file to overwrite"}, result.NewContentToOverwrite)

	assert.Equal(t, []ExtraGroup{
		extraOf("file to be extra in source", "file to be extra in source"),
		extraOf("file to modify with backup: new", "file to modify with backup"),
		extraOf("file to overwrite: new", "file to overwrite"),
	}, result.UnmatchedBaseExtras)
	assert.Equal(t, []ExtraGroup{
		extraOf("file to be extra in target", "file to be extra in target"),
		extraOf("file to overwrite: old", "file to overwrite"),
	}, result.UnmatchedOtherExtras)

	assert.Len(t, result.AllBaseFiles, 10)
	assert.Len(t, result.AllOtherFiles, 7)
}

func TestCalculateIsIdempotent(t *testing.T) {
	base := indexOf(map[string]string{"a": "A", "b": "B", "dup/a": "A", "c": "C"})
	other := indexOf(map[string]string{"old/a": "A", "x": "X", "c": "C"})

	assert.Equal(t, Calculate(base, other), Calculate(base, other))
}

func TestCalculateScenarios(t *testing.T) {
	t.Run("new files only", func(t *testing.T) {
		result := Calculate(
			indexOf(map[string]string{"a": "A", "b": "B", "c": "C", "d": "D"}),
			indexOf(map[string]string{"a": "A"}),
		)
		assert.Empty(t, result.Relocations)
		assert.Equal(t, []ExtraGroup{extraOf("B", "b"), extraOf("C", "c"), extraOf("D", "d")}, result.UnmatchedBaseExtras)
		assert.Empty(t, result.UnmatchedOtherExtras)
	})

	t.Run("pure rename", func(t *testing.T) {
		result := Calculate(
			indexOf(map[string]string{"a": "A"}),
			indexOf(map[string]string{"old/a": "A"}),
		)
		require.Len(t, result.Relocations, 1)
		r := result.Relocations[0]
		assert.Equal(t, []string{"a"}, r.ExtraBaseLocations)
		assert.Equal(t, []string{"old/a"}, r.ExtraOtherLocations)
		assert.True(t, r.IsPureRename())
		assert.False(t, r.IsIncreasingDuplicates())
		assert.False(t, r.IsDecreasingDuplicates())
		assert.False(t, r.IsAmbiguous())
	})

	t.Run("duplication", func(t *testing.T) {
		result := Calculate(
			indexOf(map[string]string{"a": "A", "duplication/a": "A"}),
			indexOf(map[string]string{"a": "A"}),
		)
		require.Len(t, result.Relocations, 1)
		r := result.Relocations[0]
		assert.Equal(t, []string{"duplication/a"}, r.ExtraBaseLocations)
		assert.Empty(t, r.ExtraOtherLocations)
		assert.True(t, r.IsIncreasingDuplicates())
	})

	t.Run("reduction", func(t *testing.T) {
		result := Calculate(
			indexOf(map[string]string{"a": "A"}),
			indexOf(map[string]string{"a": "A", "copy/a": "A"}),
		)
		require.Len(t, result.Relocations, 1)
		assert.True(t, result.Relocations[0].IsDecreasingDuplicates())
	})

	t.Run("matched files contribute nothing", func(t *testing.T) {
		result := Calculate(
			indexOf(map[string]string{"a": "A", "b": "A"}),
			indexOf(map[string]string{"a": "A", "b": "A"}),
		)
		assert.True(t, result.InSync())
	})
}

func TestRelocationIsAmbiguous(t *testing.T) {
	assert.True(t, relocationOf("A", []string{"x", "y", "z"}, []string{"w"}).IsAmbiguous())
	assert.True(t, relocationOf("A", []string{"x"}, []string{"a", "b"}).IsAmbiguous())
	assert.False(t, relocationOf("A", []string{"x", "y"}, []string{"x"}).IsAmbiguous())
}

type indexOnlyRepo struct {
	repository.Repository
	index repository.Index
	err   error
}

func (r indexOnlyRepo) Index(context.Context) (repository.Index, error) {
	return r.index, r.err
}

func TestCompare(t *testing.T) {
	base := indexOnlyRepo{index: indexOf(map[string]string{"a": "A", "b": "B"})}
	other := indexOnlyRepo{index: indexOf(map[string]string{"a": "A"})}

	result, err := Compare(context.Background(), base, other)
	require.NoError(t, err)
	assert.Equal(t, []ExtraGroup{extraOf("B", "b")}, result.UnmatchedBaseExtras)

	_, err = Compare(context.Background(), base, indexOnlyRepo{err: errors.New("boom")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index other")
}

func TestPrint(t *testing.T) {
	result := Calculate(
		indexOf(map[string]string{"a": "A", "b": "B", "dup/a": "A", "n": "N"}),
		indexOf(map[string]string{"old/a": "A", "x": "X"}),
	)

	var buf bytes.Buffer
	result.Print(&buf, "base", "backup")
	out := buf.String()

	assert.Contains(t, out, "Extra files in base repository:\n\tb\n\tn\n")
	assert.Contains(t, out, "Extra files in backup repository:\n\tx\n")
	assert.Contains(t, out, "Files to be moved in backup to match base:\n\told/a -> {a, dup/a}\n")
	assert.Contains(t, out, "Total files present in both repositories: 2\n")
}
