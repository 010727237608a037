package s3repo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yuya-takeyama/strict-repo-sync/internal/s3client"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

var _ repository.BlobStore = (*BlobStore)(nil)

// BlobStore exposes a bucket prefix as opaque named blobs, the storage layer
// of the encrypted S3 backend.
type BlobStore struct {
	objects
}

func NewBlobStore(client *s3client.Client, bucket, prefix string, opts ...Option) *BlobStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobStore{objects: newObjects(client, bucket, prefix, opts)}
}

func (s *BlobStore) String() string {
	return s.uri()
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.client.ListObjectsV2Pages(ctx, s.bucket, s.root+prefix+"/", func(objs []types.Object) error {
		for _, o := range objs {
			key := aws.ToString(o.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			names = append(names, strings.TrimPrefix(key, s.root))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *BlobStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	out, err := s.get(ctx, s.root+name)
	if err != nil {
		return nil, 0, err
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Create uploads what write produces. The upload is conditional on the key
// being absent and is aborted when write fails.
func (s *BlobStore) Create(ctx context.Context, name string, size int64, write func(io.Writer) error) error {
	key := s.root + name
	if ok, err := s.exists(ctx, key); err != nil {
		return err
	} else if ok {
		return repository.DestinationExists("create", name)
	}
	err := s.put(ctx, &s3.PutObjectInput{
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	}, size, write)
	if errors.Is(err, repository.ErrDestinationExists) {
		return repository.DestinationExists("create", name)
	}
	return err
}

func (s *BlobStore) Rename(ctx context.Context, from, to string) error {
	return s.move(ctx, s.root+from, s.root+to)
}

func (s *BlobStore) Remove(ctx context.Context, name string) error {
	return s.remove(ctx, s.root+name)
}

func (s *BlobStore) ReadObject(ctx context.Context, name string) ([]byte, error) {
	return s.readAll(ctx, s.root+name)
}

// WriteObject replaces a small object; a single PUT is atomic on S3.
func (s *BlobStore) WriteObject(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.root + name),
		Body:   bytes.NewReader(data),
	})
	return err
}
