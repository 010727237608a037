// Package s3repo stores a repository in an S3 bucket. Content lives under
// <prefix>files/ with its SHA-256 kept as user metadata, so indexing never
// downloads data.
package s3repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-repo-sync/internal/checksum"
	"github.com/yuya-takeyama/strict-repo-sync/internal/s3client"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/transfer"
)

const (
	filesDir     = "files/"
	metadataKey  = "archive-metadata.json"
	checksumMeta = "sha256"
)

var _ repository.Repository = (*Repository)(nil)

// Repository is a repository.Repository over S3.
type Repository struct {
	objects
	metaMu sync.Mutex
}

// New returns a repository rooted at prefix in bucket. Nothing is created
// up front: an empty prefix is an empty repository.
func New(client *s3client.Client, bucket, prefix string, opts ...Option) *Repository {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	r := &Repository{objects: newObjects(client, bucket, prefix, opts)}
	r.log = r.log.With("repo", r.String())
	return r
}

func (r *Repository) String() string {
	return r.uri()
}

func (r *Repository) key(p string) string {
	return r.root + filesDir + p
}

// Index lists every object under files/ and reads its checksum with a
// bounded number of concurrent HEAD requests.
func (r *Repository) Index(ctx context.Context) (repository.Index, error) {
	prefix := r.root + filesDir
	var keys []string
	err := r.client.ListObjectsV2Pages(ctx, r.bucket, prefix, func(objs []types.Object) error {
		for _, o := range objs {
			key := aws.ToString(o.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return repository.Index{}, err
	}

	files := make([]repository.IndexedFile, len(keys))
	skip := make([]bool, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.heads)
	for i, key := range keys {
		g.Go(func() error {
			head, err := r.client.HeadObject(gctx, r.bucket, key)
			if err != nil {
				if s3client.IsNotFound(err) {
					// Deleted between list and head.
					skip[i] = true
					return nil
				}
				return fmt.Errorf("head %s: %w", key, err)
			}
			sum, ok := checksumOf(head.Metadata, head.ChecksumSHA256)
			if !ok {
				r.log.Warn("object has no usable checksum, ignoring", "key", key)
				skip[i] = true
				return nil
			}
			files[i] = repository.IndexedFile{
				Path:           strings.TrimPrefix(key, prefix),
				Size:           aws.ToInt64(head.ContentLength),
				ChecksumSHA256: sum,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return repository.Index{}, err
	}

	indexed := files[:0]
	for i, f := range files {
		if !skip[i] {
			indexed = append(indexed, f)
		}
	}
	return repository.NewIndex(indexed)
}

// checksumOf prefers the hex digest stored at upload and falls back to the
// native full-object checksum. Composite multipart checksums are unusable.
func checksumOf(meta map[string]string, native *string) (string, bool) {
	if sum := meta[checksumMeta]; checksum.IsValid(sum) {
		return sum, true
	}
	b64 := aws.ToString(native)
	if b64 == "" || strings.Contains(b64, "-") {
		return "", false
	}
	sum, err := checksum.Base64ToHex(b64)
	if err != nil {
		return "", false
	}
	return sum, true
}

func (r *Repository) Open(ctx context.Context, p string) (repository.FileInfo, io.ReadCloser, error) {
	if err := repository.ValidatePath(p); err != nil {
		return repository.FileInfo{}, nil, err
	}
	out, err := r.get(ctx, r.key(p))
	if err != nil {
		return repository.FileInfo{}, nil, err
	}

	sum, ok := checksumOf(out.Metadata, out.ChecksumSHA256)
	if !ok {
		head, err := r.client.HeadObject(ctx, r.bucket, r.key(p))
		if err != nil {
			out.Body.Close()
			return repository.FileInfo{}, nil, fmt.Errorf("head %s: %w", p, err)
		}
		if sum, ok = checksumOf(head.Metadata, head.ChecksumSHA256); !ok {
			out.Body.Close()
			return repository.FileInfo{}, nil, fmt.Errorf("object %s has no usable checksum", p)
		}
	}
	return repository.FileInfo{Length: aws.ToInt64(out.ContentLength), ChecksumSHA256: sum}, out.Body, nil
}

// Save uploads src under p. The bytes are verified in-line while they are
// piped into the upload, and the upload is conditional on the key being
// absent. Small objects additionally carry their checksum so S3 rejects a
// corrupted body.
func (r *Repository) Save(ctx context.Context, p string, info repository.FileInfo, src io.Reader, progress repository.ProgressFunc) error {
	if err := repository.ValidatePath(p); err != nil {
		return err
	}
	key := r.key(p)
	if ok, err := r.exists(ctx, key); err != nil {
		return err
	} else if ok {
		return repository.DestinationExists("save", p)
	}

	b64, err := checksum.HexToBase64(info.ChecksumSHA256)
	if err != nil {
		return fmt.Errorf("declared checksum of %s: %w", p, err)
	}
	input := &s3.PutObjectInput{
		Key:               aws.String(key),
		Metadata:          map[string]string{checksumMeta: info.ChecksumSHA256},
		ChecksumSHA256:    aws.String(b64),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if ct := guessContentType(p); ct != "" {
		input.ContentType = aws.String(ct)
	}

	err = r.put(ctx, input, info.Length, func(w io.Writer) error {
		_, err := transfer.Stream(ctx, p, w, src, info, progress)
		return err
	})
	switch {
	case err == nil:
		r.log.Debug("file saved", "path", p, "size", info.Length)
		return nil
	case errors.Is(err, repository.ErrDestinationExists):
		return repository.DestinationExists("save", p)
	case s3client.IsBadDigest(err):
		return &repository.ChecksumMismatchError{Path: p, Expected: info}
	case isCtxErr(err):
		return err
	default:
		return fmt.Errorf("upload %s: %w", p, err)
	}
}

func (r *Repository) Move(ctx context.Context, from, to string) error {
	if err := repository.ValidatePath(from); err != nil {
		return err
	}
	if err := repository.ValidatePath(to); err != nil {
		return err
	}
	if err := r.move(ctx, r.key(from), r.key(to)); err != nil {
		return err
	}
	r.log.Debug("file moved", "from", from, "to", to)
	return nil
}

func (r *Repository) Delete(ctx context.Context, p string) error {
	if err := repository.ValidatePath(p); err != nil {
		return err
	}
	if err := r.remove(ctx, r.key(p)); err != nil {
		return err
	}
	r.log.Debug("file deleted", "path", p)
	return nil
}

// Metadata reads archive-metadata.json; a missing object is empty metadata.
func (r *Repository) Metadata(ctx context.Context) (repository.Metadata, error) {
	var m repository.Metadata
	data, err := r.readAll(ctx, r.root+metadataKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return m, nil
		}
		return m, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse metadata: %w", err)
	}
	return m, nil
}

// UpdateMetadata is read-modify-write, serialized within this process only.
func (r *Repository) UpdateMetadata(ctx context.Context, transform func(repository.Metadata) (repository.Metadata, error)) (repository.Metadata, error) {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	current, err := r.Metadata(ctx)
	if err != nil {
		return current, err
	}
	updated, err := transform(current)
	if err != nil {
		return current, err
	}
	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return current, fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(r.root + metadataKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return current, fmt.Errorf("write metadata: %w", err)
	}
	return updated, nil
}
