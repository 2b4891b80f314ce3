package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
)

/*
Storage provider for S3-compatible object storage, using the minio client
library. Conditional writes rely on the store's support for If-Match /
If-None-Match preconditions on PUT, which S3 and compatible stores expose;
a rejected precondition surfaces as HTTP 412 and is mapped to
ErrPreconditionFailed.
*/

////////////////////////////////////////////////////////////////////////////////

type s3store struct {
	mc     *minio.Client
	bucket string
}

// NewS3Store returns a provider backed by the given bucket.
func NewS3Store(mc *minio.Client, bucket string) Provider {
	return &s3store{
		mc:     mc,
		bucket: bucket,
	}
}

// Get retrieves an object and its etag.
func (s *s3store) Get(ctx context.Context, id string) ([]byte, string, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get object %s: %w", id, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", translateError(err, "failed to read object "+id)
	}
	stat, err := obj.Stat()
	if err != nil {
		return nil, "", translateError(err, "failed to stat object "+id)
	}
	return data, stat.ETag, nil
}

// Put stores an object unconditionally.
func (s *s3store) Put(ctx context.Context, id string, data []byte) error {
	_, err := s.mc.PutObject(
		ctx,
		s.bucket,
		id,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{},
	)
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", id, err)
	}
	return nil
}

// PutIfAbsent stores an object only if it does not exist.
func (s *s3store) PutIfAbsent(ctx context.Context, id string, data []byte) (string, error) {
	opts := minio.PutObjectOptions{}
	opts.SetMatchETagExcept("*")
	info, err := s.mc.PutObject(
		ctx,
		s.bucket,
		id,
		bytes.NewReader(data),
		int64(len(data)),
		opts,
	)
	if err != nil {
		return "", translateError(err, "failed to put object "+id)
	}
	return info.ETag, nil
}

// PutIfMatch overwrites an object only if its etag still matches.
func (s *s3store) PutIfMatch(ctx context.Context, id string, data []byte, etag string) (string, error) {
	opts := minio.PutObjectOptions{}
	opts.SetMatchETag(etag)
	info, err := s.mc.PutObject(
		ctx,
		s.bucket,
		id,
		bytes.NewReader(data),
		int64(len(data)),
		opts,
	)
	if err != nil {
		return "", translateError(err, "failed to put object "+id)
	}
	return info.ETag, nil
}

// List enumerates objects under a prefix.
func (s *s3store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	infos := []ObjectInfo{}
	for obj := range s.mc.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, obj.Err)
		}
		infos = append(infos, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
	return infos, nil
}

// Delete removes an object from the object store.
func (s *s3store) Delete(ctx context.Context, id string) error {
	if err := s.mc.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("failed to remove object %s: %w", id, err)
	}
	return nil
}

func (s *s3store) String() string {
	return fmt.Sprintf("s3(%s)", s.bucket)
}

func translateError(err error, context string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return ErrObjectNotFound
	case resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	}
	return fmt.Errorf("%s: %w", context, err)
}
