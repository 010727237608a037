// Package repository defines the capability contract every storage backend
// implements. The comparison and sync engine depends only on this package.
package repository

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// IndexedFile is one entry of a repository index.
type IndexedFile struct {
	Path           string `json:"path"`
	Size           int64  `json:"size"`
	ChecksumSHA256 string `json:"checksumSha256"`
}

// FileInfo is the declared identity of a byte stream being transferred.
type FileInfo struct {
	Length         int64  `json:"length"`
	ChecksumSHA256 string `json:"checksumSha256"`
}

// Info returns the declared identity of the indexed file.
func (f IndexedFile) Info() FileInfo {
	return FileInfo{Length: f.Size, ChecksumSHA256: f.ChecksumSHA256}
}

// Index is an immutable snapshot of the files a repository holds, unique by
// path and sorted by path.
type Index struct {
	files  []IndexedFile
	byPath map[string]IndexedFile
}

// NewIndex builds an index, rejecting duplicate paths.
func NewIndex(files []IndexedFile) (Index, error) {
	sorted := make([]IndexedFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	byPath := make(map[string]IndexedFile, len(sorted))
	for _, f := range sorted {
		if _, dup := byPath[f.Path]; dup {
			return Index{}, fmt.Errorf("duplicate path in index: %s", f.Path)
		}
		byPath[f.Path] = f
	}
	return Index{files: sorted, byPath: byPath}, nil
}

// MustIndex is NewIndex for fixtures known to be valid.
func MustIndex(files ...IndexedFile) Index {
	idx, err := NewIndex(files)
	if err != nil {
		panic(err)
	}
	return idx
}

// Files returns the entries sorted by path.
func (i Index) Files() []IndexedFile {
	out := make([]IndexedFile, len(i.files))
	copy(out, i.files)
	return out
}

// Len returns the number of files.
func (i Index) Len() int { return len(i.files) }

// Lookup returns the entry stored under path.
func (i Index) Lookup(p string) (IndexedFile, bool) {
	f, ok := i.byPath[p]
	return f, ok
}

// ByChecksum groups paths by content checksum. Paths within a group are sorted.
func (i Index) ByChecksum() map[string][]IndexedFile {
	out := make(map[string][]IndexedFile)
	for _, f := range i.files {
		out[f.ChecksumSHA256] = append(out[f.ChecksumSHA256], f)
	}
	return out
}

// TotalSize returns the sum of all file sizes.
func (i Index) TotalSize() int64 {
	var total int64
	for _, f := range i.files {
		total += f.Size
	}
	return total
}

// Metadata is small out-of-band key-value data stored alongside a repository.
type Metadata struct {
	AssociationGroupID string            `json:"associationGroupId,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// ProgressFunc receives the number of bytes copied so far.
type ProgressFunc func(copied int64)

// Repository is the capability contract of a storage backend.
//
// Save never overwrites: an occupied path fails with ErrDestinationExists.
// A save whose bytes do not hash to the declared checksum fails with
// ErrChecksumMismatch and leaves no artifact behind. Move is atomic as
// observed through Index.
type Repository interface {
	Index(ctx context.Context) (Index, error)
	Open(ctx context.Context, path string) (FileInfo, io.ReadCloser, error)
	Save(ctx context.Context, path string, info FileInfo, r io.Reader, progress ProgressFunc) error
	Move(ctx context.Context, from, to string) error
	Delete(ctx context.Context, path string) error
	Metadata(ctx context.Context) (Metadata, error)
	UpdateMetadata(ctx context.Context, transform func(Metadata) (Metadata, error)) (Metadata, error)
}

// Named is implemented by repositories that can describe themselves, used
// for transcripts and for keying concurrent jobs.
type Named interface {
	String() string
}

// Describe returns a human readable identity for repo.
func Describe(repo Repository) string {
	if n, ok := repo.(Named); ok {
		return n.String()
	}
	return fmt.Sprintf("%T@%p", repo, repo)
}

// ValidatePath checks that p is a clean, relative, slash separated path that
// stays inside the repository.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("path must use forward slashes: %s", p)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("path must be relative: %s", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("path is not clean: %s", p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("path escapes repository: %s", p)
	}
	return nil
}
