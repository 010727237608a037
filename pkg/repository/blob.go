package repository

import (
	"context"
	"io"
)

// BlobStore is a flat namespace of opaque objects. Backends that encrypt
// content keep their ciphertext in one.
type BlobStore interface {
	// List returns the names of all blobs under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Open returns a blob and its stored size.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// Create stores a new blob of exactly size bytes produced by write. The
	// blob becomes visible only if write succeeds and never replaces an
	// existing one.
	Create(ctx context.Context, name string, size int64, write func(io.Writer) error) error
	// Rename moves a blob without replacing an existing one.
	Rename(ctx context.Context, from, to string) error
	Remove(ctx context.Context, name string) error

	// ReadObject and WriteObject handle small documents that are replaced
	// as a whole.
	ReadObject(ctx context.Context, name string) ([]byte, error)
	WriteObject(ctx context.Context, name string, data []byte) error
}
