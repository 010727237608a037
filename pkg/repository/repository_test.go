package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIndex(t *testing.T) {
	idx, err := NewIndex([]IndexedFile{
		{Path: "b", Size: 2, ChecksumSHA256: "bb"},
		{Path: "a", Size: 1, ChecksumSHA256: "aa"},
		{Path: "c", Size: 1, ChecksumSHA256: "aa"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, "a", idx.Files()[0].Path)
	assert.Equal(t, int64(4), idx.TotalSize())

	f, ok := idx.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, FileInfo{Length: 2, ChecksumSHA256: "bb"}, f.Info())

	groups := idx.ByChecksum()
	require.Len(t, groups["aa"], 2)
	assert.Equal(t, "a", groups["aa"][0].Path)
	assert.Equal(t, "c", groups["aa"][1].Path)
}

func TestNewIndexRejectsDuplicatePaths(t *testing.T) {
	_, err := NewIndex([]IndexedFile{{Path: "a"}, {Path: "a"}})
	assert.Error(t, err)
}

func TestIndexFilesIsACopy(t *testing.T) {
	idx := MustIndex(IndexedFile{Path: "a"})
	files := idx.Files()
	files[0].Path = "mutated"
	assert.Equal(t, "a", idx.Files()[0].Path)
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"a", false},
		{"dir/a.txt", false},
		{"", true},
		{"/abs", true},
		{"../up", true},
		{"..", true},
		{"a/../../b", true},
		{"a//b", true},
		{"a\\b", true},
		{"./a", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, NotFound("open", "a"), ErrNotFound)
	assert.ErrorIs(t, DestinationExists("save", "a"), ErrDestinationExists)

	mismatch := fmt.Errorf("save: %w", &ChecksumMismatchError{
		Path:     "a",
		Expected: FileInfo{Length: 1, ChecksumSHA256: "x"},
		Actual:   FileInfo{Length: 1, ChecksumSHA256: "y"},
	})
	assert.ErrorIs(t, mismatch, ErrChecksumMismatch)

	var typed *ChecksumMismatchError
	require.True(t, errors.As(mismatch, &typed))
	assert.Equal(t, "a", typed.Path)
	assert.Contains(t, typed.Error(), "expected x, got y")
}
