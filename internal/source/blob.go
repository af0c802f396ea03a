package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// BlobFS reads objects through a gocloud.dev bucket.
type BlobFS struct {
	bucket *blob.Bucket
	kind   string
}

// OpenBlobFS opens a bucket URL, e.g. gs://bucket or s3://bucket?region=us-east-1.
// Uses the driver's default credentials chain.
func OpenBlobFS(ctx context.Context, bucketURL, kind string) (*BlobFS, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobFS(bucket, kind), nil
}

// NewBlobFS wraps an already opened bucket.
func NewBlobFS(bucket *blob.Bucket, kind string) *BlobFS {
	return &BlobFS{bucket: bucket, kind: kind}
}

// List implements Filesystem.
func (s *BlobFS) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Size implements Filesystem.
func (s *BlobFS) Size(ctx context.Context, key string) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("attributes %s: %w", key, err)
	}
	return attrs.Size, nil
}

// Open implements Filesystem.
func (s *BlobFS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return reader, nil
}

// OpenRandom implements Filesystem. Each ReadAt issues one ranged GET.
func (s *BlobFS) OpenRandom(ctx context.Context, key string) (RandomReader, error) {
	if _, err := s.bucket.Attributes(ctx, key); err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return &rangeReader{ctx: ctx, bucket: s.bucket, key: key}, nil
}

// Kind implements Filesystem.
func (s *BlobFS) Kind() string {
	return s.kind
}

// Close releases the bucket connection.
func (s *BlobFS) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

type rangeReader struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
}

func (r *rangeReader) ReadAt(p []byte, off int64) (int, error) {
	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, int64(len(p)), nil)
	if err != nil {
		return 0, fmt.Errorf("range read %s@%d: %w", r.key, off, err)
	}
	defer reader.Close()

	n, err := io.ReadFull(reader, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func (r *rangeReader) Close() error {
	return nil
}
