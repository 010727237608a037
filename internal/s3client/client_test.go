package s3client_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/internal/s3client"
	"github.com/yuya-takeyama/strict-repo-sync/internal/s3client/s3fake"
)

func newClient(fake *s3fake.S3) *s3client.Client {
	return s3client.NewClient(fake, s3client.WithMaxRetries(3), s3client.WithBackoff(time.Millisecond, time.Millisecond))
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantPrefix string
		wantErr    bool
	}{
		{uri: "s3://bucket", wantBucket: "bucket"},
		{uri: "s3://bucket/", wantBucket: "bucket"},
		{uri: "s3://bucket/backup", wantBucket: "bucket", wantPrefix: "backup/"},
		{uri: "s3://bucket/a/b/", wantBucket: "bucket", wantPrefix: "a/b/"},
		{uri: "s3://", wantErr: true},
		{uri: "/local/path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, prefix, err := s3client.ParseS3URI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantPrefix, prefix)
		})
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("retryable errors are retried", func(t *testing.T) {
		fake := s3fake.New()
		fake.Put("b", "k", s3fake.Object{Data: []byte("x")})
		fake.FailNext("HeadObject", s3fake.APIError("SlowDown"), s3fake.APIError("InternalError"))

		out, err := newClient(fake).HeadObject(ctx, "b", "k")
		require.NoError(t, err)
		assert.Equal(t, int64(1), aws.ToInt64(out.ContentLength))
		assert.Equal(t, 3, fake.Calls["HeadObject"])
	})

	t.Run("retries are bounded", func(t *testing.T) {
		fake := s3fake.New()
		fake.FailNext("DeleteObject",
			s3fake.APIError("SlowDown"), s3fake.APIError("SlowDown"),
			s3fake.APIError("SlowDown"), s3fake.APIError("SlowDown"))

		_, err := newClient(fake).DeleteObject(ctx, "b", "k")
		assert.ErrorContains(t, err, "max retries exceeded")
		assert.Equal(t, 4, fake.Calls["DeleteObject"])
	})

	t.Run("not found is final", func(t *testing.T) {
		fake := s3fake.New()
		_, err := newClient(fake).HeadObject(ctx, "b", "missing")
		assert.True(t, s3client.IsNotFound(err))
		assert.Equal(t, 1, fake.Calls["HeadObject"])
	})

	t.Run("streamed bodies are sent once", func(t *testing.T) {
		fake := s3fake.New()
		fake.FailNext("PutObject", s3fake.APIError("SlowDown"))
		_, err := newClient(fake).PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String("b"),
			Key:    aws.String("k"),
			Body:   io.NopCloser(strings.NewReader("data")),
		})
		assert.Error(t, err)
		assert.Equal(t, 1, fake.Calls["PutObject"])
	})

	t.Run("seekable bodies are rewound", func(t *testing.T) {
		fake := s3fake.New()
		fake.FailNext("PutObject", s3fake.APIError("SlowDown"))
		_, err := newClient(fake).PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String("b"),
			Key:    aws.String("k"),
			Body:   bytes.NewReader([]byte("data")),
		})
		require.NoError(t, err)
		o, ok := fake.Get("b", "k")
		require.True(t, ok)
		assert.Equal(t, "data", string(o.Data))
	})

	t.Run("cancellation stops backoff", func(t *testing.T) {
		fake := s3fake.New()
		fake.FailNext("HeadObject", s3fake.APIError("SlowDown"))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		client := s3client.NewClient(fake, s3client.WithBackoff(time.Hour, time.Hour))
		_, err := client.HeadObject(cctx, "b", "k")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestListObjectsV2Pages(t *testing.T) {
	fake := s3fake.New()
	fake.PageSize = 2
	for _, k := range []string{"p/a", "p/b", "p/c", "p/d", "p/e", "q/x"} {
		fake.Put("b", k, s3fake.Object{Data: []byte(k)})
	}

	var keys []string
	pages := 0
	err := newClient(fake).ListObjectsV2Pages(context.Background(), "b", "p/", func(objs []types.Object) error {
		pages++
		for _, o := range objs {
			keys = append(keys, aws.ToString(o.Key))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b", "p/c", "p/d", "p/e"}, keys)
	assert.Equal(t, 3, pages)

	stop := errors.New("stop")
	err = newClient(fake).ListObjectsV2Pages(context.Background(), "b", "p/", func([]types.Object) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestCopyObject(t *testing.T) {
	fake := s3fake.New()
	fake.Put("b", "dir/a file+1", s3fake.Object{Data: []byte("x"), Metadata: map[string]string{"sha256": "abc"}})

	_, err := newClient(fake).CopyObject(context.Background(), "b", "dir/a file+1", "other")
	require.NoError(t, err)
	o, ok := fake.Get("b", "other")
	require.True(t, ok)
	assert.Equal(t, "abc", o.Metadata["sha256"])
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, s3client.IsNotFound(&types.NotFound{}))
	assert.True(t, s3client.IsNotFound(&types.NoSuchKey{}))
	assert.True(t, s3client.IsNotFound(s3fake.APIError("NoSuchKey")))
	assert.False(t, s3client.IsNotFound(s3fake.APIError("AccessDenied")))

	assert.True(t, s3client.IsPreconditionFailed(s3fake.APIError("PreconditionFailed")))
	assert.False(t, s3client.IsPreconditionFailed(errors.New("PreconditionFailed")))

	assert.True(t, s3client.IsBadDigest(s3fake.APIError("BadDigest")))
	assert.False(t, s3client.IsBadDigest(nil))
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "bucket/dir/a%20b.txt", s3client.CopySource("bucket", "dir/a b.txt"))
}
