package s3client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
)

// API is the subset of *s3.Client used here; tests substitute a fake.
type API interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

// Client wraps an S3 API with retry logic
type Client struct {
	api        API
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Option func(*Client)

// WithMaxRetries sets how often a retryable failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff sets the base and maximum retry delay.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// NewClient creates a new S3 client wrapper
func NewClient(api API, opts ...Option) *Client {
	c := &Client{
		api:        api,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// API returns the underlying client, for components that retry on their own
// such as the multipart uploader.
func (c *Client) API() API {
	return c.api
}

// NewUploader returns a multipart uploader over the underlying client.
func (c *Client) NewUploader(partSize int64, concurrency int) *manager.Uploader {
	return manager.NewUploader(c.api, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
		u.LeavePartsOnError = false
	})
}

// ListObjectsV2Pages lists objects with pagination support
func (c *Client) ListObjectsV2Pages(ctx context.Context, bucket, prefix string, fn func([]types.Object) error) error {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := withRetry(ctx, c, func() (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}

		if err := fn(page.Contents); err != nil {
			return err
		}
	}

	return nil
}

// HeadObject retrieves object metadata
func (c *Client) HeadObject(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	return withRetry(ctx, c, func() (*s3.HeadObjectOutput, error) {
		return c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket:       aws.String(bucket),
			Key:          aws.String(key),
			ChecksumMode: types.ChecksumModeEnabled,
		})
	})
}

// GetObject opens an object for reading. Only the request is retried, not
// reads of the body.
func (c *Client) GetObject(ctx context.Context, bucket, key string) (*s3.GetObjectOutput, error) {
	return withRetry(ctx, c, func() (*s3.GetObjectOutput, error) {
		return c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
	})
}

// PutObject uploads a single object. Bodies that cannot be rewound are sent
// once.
func (c *Client) PutObject(ctx context.Context, input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	seeker, rewindable := input.Body.(io.Seeker)
	if input.Body == nil {
		rewindable = true
	}
	if !rewindable {
		return c.api.PutObject(ctx, input)
	}

	first := true
	return withRetry(ctx, c, func() (*s3.PutObjectOutput, error) {
		if !first && seeker != nil {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
		}
		first = false
		return c.api.PutObject(ctx, input)
	})
}

// CopyObject copies an object within a bucket, keeping its metadata.
func (c *Client) CopyObject(ctx context.Context, bucket, from, to string) (*s3.CopyObjectOutput, error) {
	return withRetry(ctx, c, func() (*s3.CopyObjectOutput, error) {
		return c.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(bucket),
			Key:               aws.String(to),
			CopySource:        aws.String(CopySource(bucket, from)),
			MetadataDirective: types.MetadataDirectiveCopy,
		})
	})
}

// DeleteObject deletes an object
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) (*s3.DeleteObjectOutput, error) {
	return withRetry(ctx, c, func() (*s3.DeleteObjectOutput, error) {
		return c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
	})
}

// withRetry runs fn until it succeeds, fails permanently or retries are
// exhausted, backing off between attempts.
func withRetry[T any](ctx context.Context, c *Client, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		output, err := fn()
		if err == nil {
			return output, nil
		}

		if !c.isRetryableError(err) {
			return zero, err
		}

		lastErr = err
		if attempt < c.maxRetries {
			delay := c.calculateDelay(attempt)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableError checks if an error is retryable
func (c *Client) isRetryableError(err error) bool {
	if IsNotFound(err) || IsPreconditionFailed(err) || IsBadDigest(err) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeoutException", "InternalError":
			return true
		}
		// Retry on 5xx errors
		if httpErr, ok := apiErr.(interface{ HTTPStatusCode() int }); ok {
			code := httpErr.HTTPStatusCode()
			return code >= 500 && code < 600
		}
	}
	// Also retry on network errors
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// calculateDelay calculates the retry delay with exponential backoff and jitter
func (c *Client) calculateDelay(attempt int) time.Duration {
	base := float64(c.baseDelay)
	delay := base * math.Pow(2.0, float64(attempt))

	// Add jitter (±25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	// Cap at maxDelay
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	return time.Duration(delay)
}
