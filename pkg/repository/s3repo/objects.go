package s3repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-repo-sync/internal/s3client"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

const (
	// DefaultMultipartThreshold is the size from which uploads go through
	// the multipart uploader.
	DefaultMultipartThreshold = 64 * 1024 * 1024
	defaultPartSize           = 16 * 1024 * 1024
	defaultUploadConcurrency  = 4
	defaultHeadConcurrency    = 50
)

// objects is the key-level plumbing shared by Repository and BlobStore.
type objects struct {
	client    *s3client.Client
	bucket    string
	root      string
	log       *slog.Logger
	threshold int64
	partSize  int64
	heads     int
	uploader  *manager.Uploader
}

type Option func(*objects)

func WithLogger(l *slog.Logger) Option {
	return func(o *objects) { o.log = l }
}

// WithMultipartThreshold sets the size from which uploads are multipart and
// the size of each part.
func WithMultipartThreshold(threshold, partSize int64) Option {
	return func(o *objects) {
		o.threshold = threshold
		if partSize > 0 {
			o.partSize = partSize
		}
	}
}

// WithHeadConcurrency bounds concurrent HeadObject requests while indexing.
func WithHeadConcurrency(n int) Option {
	return func(o *objects) { o.heads = n }
}

func newObjects(client *s3client.Client, bucket, root string, opts []Option) objects {
	o := objects{
		client:    client,
		bucket:    bucket,
		root:      root,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		threshold: DefaultMultipartThreshold,
		partSize:  defaultPartSize,
		heads:     defaultHeadConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.uploader = client.NewUploader(o.partSize, defaultUploadConcurrency)
	return o
}

func (o *objects) uri() string {
	return "s3://" + o.bucket + "/" + o.root
}

func (o *objects) exists(ctx context.Context, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, o.bucket, key)
	if err == nil {
		return true, nil
	}
	if s3client.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// put streams whatever produce writes into a new object described by input.
// The object only becomes visible if produce succeeds; an error from produce
// takes precedence over the upload error it causes.
func (o *objects) put(ctx context.Context, input *s3.PutObjectInput, size int64, produce func(io.Writer) error) error {
	key := aws.ToString(input.Key)
	input.Bucket = aws.String(o.bucket)
	input.IfNoneMatch = aws.String("*")

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var produceErr error
	g.Go(func() error {
		produceErr = produce(pw)
		pw.CloseWithError(produceErr)
		return produceErr
	})
	g.Go(func() error {
		input.Body = pr
		var err error
		if size >= o.threshold {
			input.ChecksumSHA256 = nil
			_, err = o.uploader.Upload(gctx, input)
		} else {
			input.ContentLength = aws.Int64(size)
			_, err = o.client.PutObject(gctx, input)
		}
		pr.CloseWithError(err)
		return err
	})

	err := g.Wait()
	if produceErr != nil {
		return produceErr
	}
	if err != nil {
		if s3client.IsPreconditionFailed(err) {
			return repository.DestinationExists("put", key)
		}
		return err
	}
	return nil
}

// move copies from to to and removes from, undoing the copy if the removal
// fails. It is not atomic: a concurrent reader may observe both keys.
func (o *objects) move(ctx context.Context, from, to string) error {
	if ok, err := o.exists(ctx, from); err != nil {
		return err
	} else if !ok {
		return repository.NotFound("move", from)
	}
	if ok, err := o.exists(ctx, to); err != nil {
		return err
	} else if ok {
		return repository.DestinationExists("move", to)
	}

	if _, err := o.client.CopyObject(ctx, o.bucket, from, to); err != nil {
		return fmt.Errorf("copy %s to %s: %w", from, to, err)
	}
	if _, err := o.client.DeleteObject(ctx, o.bucket, from); err != nil {
		if _, rbErr := o.client.DeleteObject(context.WithoutCancel(ctx), o.bucket, to); rbErr != nil {
			o.log.Error("rollback of move failed", "from", from, "to", to, "err", rbErr)
		}
		return fmt.Errorf("remove %s after copy: %w", from, err)
	}
	return nil
}

func (o *objects) remove(ctx context.Context, key string) error {
	if ok, err := o.exists(ctx, key); err != nil {
		return err
	} else if !ok {
		return repository.NotFound("delete", key)
	}
	if _, err := o.client.DeleteObject(ctx, o.bucket, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (o *objects) get(ctx context.Context, key string) (*s3.GetObjectOutput, error) {
	out, err := o.client.GetObject(ctx, o.bucket, key)
	if err != nil {
		if s3client.IsNotFound(err) {
			return nil, repository.NotFound("open", key)
		}
		return nil, err
	}
	return out, nil
}

func (o *objects) readAll(ctx context.Context, key string) ([]byte, error) {
	out, err := o.get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
