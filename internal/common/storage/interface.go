// Package storage is the object storage layer shared by the grader: reference packs are read from
// it, bucket submissions are listed from it, and job logs are archived to it.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound wraps the backend error when a bucket or key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStorage is the subset of S3 the grader uses.
type ObjectStorage interface {
	// GetObject opens an object; the caller closes the reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
	// ListObjects walks prefix recursively. Listing errors arrive as entries with Err set.
	ListObjects(ctx context.Context, bucket, prefix string) <-chan ObjectInfo
}

// ObjectReader streams object data.
type ObjectReader interface {
	io.ReadCloser
}

// ObjectStat is what the reference cache needs to decide freshness.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo is one listing entry.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	Err       error
}
