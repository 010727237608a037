// Package s3fake is an in-memory S3 implementing s3client.API, for tests.
package s3fake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"maps"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Object is a stored object.
type Object struct {
	Data           []byte
	Metadata       map[string]string
	ContentType    string
	ChecksumSHA256 string
}

type upload struct {
	bucket, key string
	input       s3.CreateMultipartUploadInput
	parts       map[int32][]byte
}

// S3 holds objects of any number of buckets.
type S3 struct {
	mu       sync.Mutex
	objects  map[string]Object
	uploads  map[string]*upload
	nextID   int
	failures map[string][]error

	// PageSize bounds ListObjectsV2 pages.
	PageSize int
	// Calls counts requests per operation.
	Calls map[string]int
}

func New() *S3 {
	return &S3{
		objects:  make(map[string]Object),
		uploads:  make(map[string]*upload),
		failures: make(map[string][]error),
		PageSize: 1000,
		Calls:    make(map[string]int),
	}
}

// FailNext makes the next calls of op fail with errs, in order.
func (f *S3) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Get returns a stored object.
func (f *S3) Get(bucket, key string) (Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[bucket+"/"+key]
	return o, ok
}

// Put stores an object directly.
func (f *S3) Put(bucket, key string, o Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = o
}

// Keys lists the keys of bucket.
func (f *S3) Keys(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if rest, ok := strings.CutPrefix(k, bucket+"/"); ok {
			keys = append(keys, rest)
		}
	}
	sort.Strings(keys)
	return keys
}

// APIError builds a service error with code.
func APIError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// begin counts a call and returns an injected failure, if any. f.mu must be
// held.
func (f *S3) begin(op string) error {
	f.Calls[op]++
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *S3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListObjectsV2"); err != nil {
		return nil, err
	}

	bucket, prefix := aws.ToString(in.Bucket), aws.ToString(in.Prefix)
	var keys []string
	for k := range f.objects {
		if rest, ok := strings.CutPrefix(k, bucket+"/"); ok && strings.HasPrefix(rest, prefix) {
			keys = append(keys, rest)
		}
	}
	sort.Strings(keys)

	start := 0
	if token := aws.ToString(in.ContinuationToken); token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return nil, APIError("InvalidArgument")
		}
		start = n
	}
	end := min(start+f.PageSize, len(keys))

	out := &s3.ListObjectsV2Output{KeyCount: aws.Int32(int32(end - start))}
	for _, k := range keys[start:end] {
		o := f.objects[bucket+"/"+k]
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(o.Data)))})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *S3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("HeadObject"); err != nil {
		return nil, err
	}

	o, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	out := &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.Data))),
		Metadata:      maps.Clone(o.Metadata),
	}
	if o.ContentType != "" {
		out.ContentType = aws.String(o.ContentType)
	}
	if o.ChecksumSHA256 != "" && in.ChecksumMode == types.ChecksumModeEnabled {
		out.ChecksumSHA256 = aws.String(o.ChecksumSHA256)
	}
	return out, nil
}

func (f *S3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetObject"); err != nil {
		return nil, err
	}

	o, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(o.Data)),
		ContentLength: aws.Int64(int64(len(o.Data))),
		Metadata:      maps.Clone(o.Metadata),
	}, nil
}

func (f *S3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	// The body is consumed without holding the lock, as a real upload would.
	var data []byte
	if in.Body != nil {
		var err error
		if data, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutObject"); err != nil {
		return nil, err
	}

	if in.ContentLength != nil && *in.ContentLength != int64(len(data)) {
		return nil, APIError("IncompleteBody")
	}
	sum := sha256.Sum256(data)
	actual := base64.StdEncoding.EncodeToString(sum[:])
	if in.ChecksumSHA256 != nil && *in.ChecksumSHA256 != actual {
		return nil, APIError("BadDigest")
	}

	id := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[id]; exists {
			return nil, APIError("PreconditionFailed")
		}
	}

	o := Object{Data: data, Metadata: maps.Clone(in.Metadata), ContentType: aws.ToString(in.ContentType)}
	if in.ChecksumSHA256 != nil || in.ChecksumAlgorithm == types.ChecksumAlgorithmSha256 {
		o.ChecksumSHA256 = actual
	}
	f.objects[id] = o
	return &s3.PutObjectOutput{ChecksumSHA256: aws.String(actual)}, nil
}

func (f *S3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CopyObject"); err != nil {
		return nil, err
	}

	source, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, APIError("InvalidArgument")
	}
	src, ok := f.objects[strings.TrimPrefix(source, "/")]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}

	dst := Object{Data: bytes.Clone(src.Data), ContentType: src.ContentType, ChecksumSHA256: src.ChecksumSHA256, Metadata: maps.Clone(src.Metadata)}
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		dst.Metadata = maps.Clone(in.Metadata)
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = dst
	return &s3.CopyObjectOutput{}, nil
}

func (f *S3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteObject"); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *S3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateMultipartUpload"); err != nil {
		return nil, err
	}

	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &upload{
		bucket: aws.ToString(in.Bucket),
		key:    aws.ToString(in.Key),
		input:  *in,
		parts:  make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{
		Bucket:   in.Bucket,
		Key:      in.Key,
		UploadId: aws.String(id),
	}, nil
}

func (f *S3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UploadPart"); err != nil {
		return nil, err
	}

	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, APIError("NoSuchUpload")
	}
	sum := sha256.Sum256(data)
	actual := base64.StdEncoding.EncodeToString(sum[:])
	if in.ChecksumSHA256 != nil && *in.ChecksumSHA256 != actual {
		return nil, APIError("BadDigest")
	}
	partNumber := aws.ToInt32(in.PartNumber)
	u.parts[partNumber] = data
	return &s3.UploadPartOutput{
		ETag:           aws.String(fmt.Sprintf("%q", fmt.Sprintf("etag-%d", partNumber))),
		ChecksumSHA256: aws.String(actual),
	}, nil
}

func (f *S3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CompleteMultipartUpload"); err != nil {
		return nil, err
	}

	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, APIError("NoSuchUpload")
	}
	objectID := u.bucket + "/" + u.key
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[objectID]; exists {
			return nil, APIError("PreconditionFailed")
		}
	}

	var data []byte
	if in.MultipartUpload != nil {
		for _, part := range in.MultipartUpload.Parts {
			p, ok := u.parts[aws.ToInt32(part.PartNumber)]
			if !ok {
				return nil, APIError("InvalidPart")
			}
			data = append(data, p...)
		}
	}
	delete(f.uploads, id)

	f.objects[objectID] = Object{
		Data:        data,
		Metadata:    maps.Clone(u.input.Metadata),
		ContentType: aws.ToString(u.input.ContentType),
	}
	return &s3.CompleteMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key}, nil
}

func (f *S3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

// PendingUploads returns the number of multipart uploads neither completed
// nor aborted.
func (f *S3) PendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}
