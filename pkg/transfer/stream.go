// Package transfer moves bytes between repositories while verifying their
// declared identity in-line.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

const (
	// ChunkSize is the unit of reading, hashing and writing.
	ChunkSize = 256 * 1024
	// inFlightChunks bounds memory held between reader and writer.
	inFlightChunks = 4
)

// Stream copies r into w in fixed-size chunks. One goroutine reads and hashes,
// another performs the blocking writes; they are joined before the digest is
// trusted. The context is observed between chunks only.
//
// The returned FileInfo describes the bytes that passed through. When they do
// not match expected, a *repository.ChecksumMismatchError is returned and the
// caller is responsible for removing whatever it persisted.
func Stream(ctx context.Context, path string, w io.Writer, r io.Reader, expected repository.FileInfo, report repository.ProgressFunc) (repository.FileInfo, error) {
	free := make(chan []byte, inFlightChunks)
	for i := 0; i < inFlightChunks; i++ {
		free <- make([]byte, ChunkSize)
	}
	full := make(chan []byte, inFlightChunks)

	hash := sha256.New()
	var read int64

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(full)
		for {
			if err := gctx.Err(); err != nil {
				return err
			}

			var buf []byte
			select {
			case buf = <-free:
			case <-gctx.Done():
				return gctx.Err()
			}

			n, err := io.ReadFull(r, buf[:ChunkSize])
			if n > 0 {
				hash.Write(buf[:n])
				read += int64(n)
				if read > expected.Length {
					return tooLong(path, expected, read)
				}
				select {
				case full <- buf[:n]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
		}
	})

	g.Go(func() error {
		var written int64
		for buf := range full {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := w.Write(buf)
			written += int64(n)
			if err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			if report != nil {
				report(written)
			}
			free <- buf[:cap(buf)]
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return repository.FileInfo{Length: read}, err
	}

	actual := repository.FileInfo{
		Length:         read,
		ChecksumSHA256: hex.EncodeToString(hash.Sum(nil)),
	}
	if actual != expected {
		return actual, &repository.ChecksumMismatchError{Path: path, Expected: expected, Actual: actual}
	}
	return actual, nil
}

func tooLong(path string, expected repository.FileInfo, read int64) error {
	return &repository.ChecksumMismatchError{
		Path:     path,
		Expected: expected,
		Actual:   repository.FileInfo{Length: read},
	}
}
