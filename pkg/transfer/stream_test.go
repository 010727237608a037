package transfer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

func infoOf(data []byte) repository.FileInfo {
	return repository.FileInfo{Length: int64(len(data)), ChecksumSHA256: checksum.Bytes(data)}
}

func TestStream(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"small", 10},
		{"exact chunk", ChunkSize},
		{"several chunks", ChunkSize*5 + 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte("x"), tt.size)
			var out bytes.Buffer
			var reported []int64

			actual, err := Stream(context.Background(), "f", &out, bytes.NewReader(data), infoOf(data), func(n int64) {
				reported = append(reported, n)
			})
			require.NoError(t, err)
			assert.Equal(t, infoOf(data), actual)
			assert.Equal(t, data, out.Bytes())
			if tt.size > 0 {
				assert.Equal(t, int64(tt.size), reported[len(reported)-1])
			} else {
				assert.Empty(t, reported)
			}
		})
	}
}

func TestStreamChecksumMismatch(t *testing.T) {
	declared := infoOf([]byte("hello"))
	var out bytes.Buffer

	_, err := Stream(context.Background(), "f", &out, strings.NewReader("world"), declared, nil)
	require.ErrorIs(t, err, repository.ErrChecksumMismatch)

	var mismatch *repository.ChecksumMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "f", mismatch.Path)
	assert.Equal(t, checksum.Bytes([]byte("world")), mismatch.Actual.ChecksumSHA256)
}

func TestStreamLengthMismatch(t *testing.T) {
	declared := infoOf([]byte("hello"))

	_, err := Stream(context.Background(), "f", &bytes.Buffer{}, strings.NewReader("hell"), declared, nil)
	assert.ErrorIs(t, err, repository.ErrChecksumMismatch)

	_, err = Stream(context.Background(), "f", &bytes.Buffer{}, strings.NewReader("hello world"), declared, nil)
	assert.ErrorIs(t, err, repository.ErrChecksumMismatch)
}

func TestStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := bytes.Repeat([]byte("x"), ChunkSize*3)
	_, err := Stream(ctx, "f", &bytes.Buffer{}, bytes.NewReader(data), infoOf(data), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestStreamWriteError(t *testing.T) {
	data := bytes.Repeat([]byte("x"), ChunkSize*3)
	_, err := Stream(context.Background(), "f", failingWriter{}, bytes.NewReader(data), infoOf(data), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestProgressVelocity(t *testing.T) {
	p := Progress{Copied: 1000, Total: 2000, Elapsed: 2e9}
	assert.InDelta(t, 500.0, p.Velocity(), 0.001)
	assert.False(t, p.Done())
	assert.Zero(t, Progress{}.Velocity())
}
