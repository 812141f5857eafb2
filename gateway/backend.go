// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package gateway

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeebo/errs"
)

var (
	// ErrObjectNotFound is returned for reads of missing objects.
	ErrObjectNotFound = errs.Class("gateway: object not found")

	// ErrBucketNotFound is returned when the backend bucket does not
	// exist yet.
	ErrBucketNotFound = errs.Class("gateway: bucket not found")
)

// ObjectInfo is the metadata subset the gateway forwards to clients.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// ListResult is one page of a bucket listing.
type ListResult struct {
	Objects               []ObjectInfo
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

// Backend is the object store the gateway forwards to.
type Backend interface {
	// EnsureBucket creates the bucket if missing; an existing bucket
	// owned by us is success.
	EnsureBucket(ctx context.Context, bucket string) error
	// Put streams one object into the bucket and returns its ETag.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (etag string, err error)
	// Get opens an object for reading; a non-nil rng restricts the read
	// to that byte range.
	Get(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, ObjectInfo, error)
	// Stat returns object metadata without the body.
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// Remove deletes an object; removing a missing object is success.
	Remove(ctx context.Context, bucket, key string) error
	// List returns one page of keys under prefix. A non-empty delimiter
	// groups keys into common prefixes.
	List(ctx context.Context, bucket, prefix, delimiter, startAfter string, maxKeys int) (ListResult, error)
}

// BackendConfig connects the minio backend.
type BackendConfig struct {
	Endpoint     string
	RootUser     string
	RootPassword string
	Region       string
	UseSSL       bool
}

// Configured reports whether the backend has enough configuration to
// dial; without it the gateway serves degraded mode.
func (config BackendConfig) Configured() bool {
	return config.Endpoint != "" && config.RootUser != "" && config.RootPassword != ""
}

// minioBackend forwards to any S3-compatible store via minio-go.
type minioBackend struct {
	client *minio.Client
	region string
}

// DialBackend connects the S3 client. The endpoint may carry a scheme;
// it is split off and decides TLS unless UseSSL is set.
func DialBackend(config BackendConfig) (Backend, error) {
	endpoint := config.Endpoint
	secure := config.UseSSL
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint, secure = rest, true
	} else if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint = rest
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.RootUser, config.RootPassword, ""),
		Secure: secure,
		Region: config.Region,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &minioBackend{client: client, region: config.Region}, nil
}

func (b *minioBackend) EnsureBucket(ctx context.Context, bucket string) error {
	err := b.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: b.region})
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return nil
		}
		return Error.Wrap(err)
	}
	return nil
}

func (b *minioBackend) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (string, error) {
	info, err := b.client.PutObject(ctx, bucket, key, body, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", Error.Wrap(err)
	}
	return info.ETag, nil
}

func (b *minioBackend) Get(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, ObjectInfo, error) {
	opts := minio.GetObjectOptions{}
	if rng != nil {
		var err error
		switch {
		case rng.SuffixLength > 0:
			err = opts.SetRange(0, -rng.SuffixLength)
		case rng.End < 0:
			if rng.Start > 0 {
				err = opts.SetRange(rng.Start, 0)
			}
		default:
			err = opts.SetRange(rng.Start, rng.End)
		}
		if err != nil {
			return nil, ObjectInfo{}, Error.Wrap(err)
		}
	}

	object, err := b.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, ObjectInfo{}, wrapObjectError(err, key)
	}
	// GetObject is lazy; Stat performs the request and surfaces NoSuchKey
	stat, err := object.Stat()
	if err != nil {
		return nil, ObjectInfo{}, errs.Combine(wrapObjectError(err, key), object.Close())
	}
	return object, fromMinioInfo(stat), nil
}

func (b *minioBackend) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	stat, err := b.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, wrapObjectError(err, key)
	}
	return fromMinioInfo(stat), nil
}

func (b *minioBackend) Remove(ctx context.Context, bucket, key string) error {
	err := b.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NoSuchBucket" {
			return nil
		}
		return Error.Wrap(err)
	}
	return nil
}

func (b *minioBackend) List(ctx context.Context, bucket, prefix, delimiter, startAfter string, maxKeys int) (ListResult, error) {
	exists, err := b.client.BucketExists(ctx, bucket)
	if err != nil {
		return ListResult{}, Error.Wrap(err)
	}
	if !exists {
		return ListResult{}, ErrBucketNotFound.New("bucket %s", bucket)
	}

	listing := b.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  delimiter == "",
		StartAfter: startAfter,
	})

	var result ListResult
	count := 0
	for object := range listing {
		if object.Err != nil {
			return ListResult{}, wrapObjectError(object.Err, prefix)
		}
		if count == maxKeys {
			result.IsTruncated = true
			break
		}
		// non-recursive listings report grouped keys as zero-size
		// entries ending with the delimiter
		if delimiter != "" && strings.HasSuffix(object.Key, "/") && object.ETag == "" {
			result.CommonPrefixes = append(result.CommonPrefixes, object.Key)
		} else {
			result.Objects = append(result.Objects, fromMinioInfo(object))
		}
		result.NextContinuationToken = object.Key
		count++
	}
	if !result.IsTruncated {
		result.NextContinuationToken = ""
	}
	return result, nil
}

func fromMinioInfo(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

func wrapObjectError(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return ErrObjectNotFound.New("key %s", key)
	case "NoSuchBucket":
		return ErrBucketNotFound.New("key %s", key)
	}
	return Error.Wrap(err)
}

// Range is one parsed HTTP byte range. End is -1 for open-ended
// ranges; a suffix range ("bytes=-n") sets SuffixLength and leaves
// Start at -1 until resolved against an object size.
type Range struct {
	Start        int64
	End          int64
	SuffixLength int64
}

// ParseRange parses a single-part Range header value. An empty header
// returns nil, meaning the whole object; multipart ranges are not
// supported.
func ParseRange(header string) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, Error.New("unsupported range %q", header)
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, Error.New("unsupported range %q", header)
	}
	if from == "" {
		n, err := strconv.ParseInt(to, 10, 64)
		if err != nil || n <= 0 {
			return nil, Error.New("unsupported range %q", header)
		}
		return &Range{Start: -1, End: -1, SuffixLength: n}, nil
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start < 0 {
		return nil, Error.New("unsupported range %q", header)
	}
	if to == "" {
		return &Range{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil || end < start {
		return nil, Error.New("unsupported range %q", header)
	}
	return &Range{Start: start, End: end}, nil
}

// Resolve clamps the range against the object size, returning the
// absolute offset and length to serve. ok is false when the range is
// unsatisfiable.
func (r *Range) Resolve(size int64) (offset, length int64, ok bool) {
	switch {
	case r.SuffixLength > 0:
		if size == 0 {
			return 0, 0, false
		}
		length = r.SuffixLength
		if length > size {
			length = size
		}
		return size - length, length, true
	case r.Start >= size:
		return 0, 0, false
	case r.End < 0:
		return r.Start, size - r.Start, true
	default:
		end := r.End
		if end > size-1 {
			end = size - 1
		}
		return r.Start, end - r.Start + 1, true
	}
}
