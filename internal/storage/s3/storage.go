package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectTooLarge is returned by Download when the object exceeds the
// caller-supplied limit. Downloads are bounded so a huge object cannot
// exhaust worker memory.
var ErrObjectTooLarge = errors.New("object exceeds configured maximum size")

// Part identifies one completed part of a multipart upload.
type Part struct {
	PartNumber int
	ETag       string
}

// ObjectInfo is the subset of object metadata the pipeline cares about.
type ObjectInfo struct {
	Size        int64
	ETag        string
	ContentType string
}

// Storage is an S3-compatible blob-store adapter. It wraps the minio Core
// client so the multipart primitives (begin/part-presign/complete/abort) are
// available alongside plain object operations.
type Storage struct {
	client *minio.Core
}

// New connects to the blob store and makes sure every listed bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey string, useSSL bool, buckets ...string) (*Storage, error) {
	client, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	for _, bucket := range buckets {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
	}

	return &Storage{client: client}, nil
}

// BeginMultipart opens a backend multipart handle and returns its upload id.
func (s *Storage) BeginMultipart(ctx context.Context, bucket, key, contentType string) (string, error) {
	uploadID, err := s.client.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to begin multipart upload: %w", err)
	}

	return uploadID, nil
}

// PresignPart issues a short-lived URL authorizing the client to PUT one
// numbered part directly against the blob store.
func (s *Storage) PresignPart(ctx context.Context, bucket, key, uploadID string, partNumber int, expires time.Duration) (string, error) {
	params := make(url.Values)
	params.Set("uploadId", uploadID)
	params.Set("partNumber", strconv.Itoa(partNumber))

	u, err := s.client.Presign(ctx, "PUT", bucket, key, expires, params)
	if err != nil {
		return "", fmt.Errorf("failed to presign part upload: %w", err)
	}

	return u.String(), nil
}

// CompleteMultipart assembles the numbered parts into the final object.
// Parts must already be sorted by part number ascending.
func (s *Storage) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) (string, error) {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}

	info, err := s.client.CompleteMultipartUpload(ctx, bucket, key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return info.ETag, nil
}

// AbortMultipart discards an in-progress multipart upload and its parts.
func (s *Storage) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	if err := s.client.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}

	return nil
}

// Upload stores a whole object in one call.
func (s *Storage) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	info, err := s.client.Client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	return info.ETag, nil
}

// Download reads the whole object into memory. It fails fast with
// ErrObjectTooLarge once more than maxBytes have been read.
func (s *Storage) Download(ctx context.Context, bucket, key string, maxBytes int64) ([]byte, error) {
	obj, err := s.client.Client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(obj, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	if n > maxBytes {
		return nil, fmt.Errorf("object %s: %w", key, ErrObjectTooLarge)
	}

	return buf.Bytes(), nil
}

// Stat returns object metadata without fetching the body.
func (s *Storage) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.Client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to stat object: %w", err)
	}

	return ObjectInfo{
		Size:        info.Size,
		ETag:        info.ETag,
		ContentType: info.ContentType,
	}, nil
}

// Delete removes the object from the bucket.
func (s *Storage) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.Client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// PresignGet issues a short-lived download URL for a private object.
func (s *Storage) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	u, err := s.client.Client.PresignedGetObject(ctx, bucket, key, expires, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}

	return u.String(), nil
}
