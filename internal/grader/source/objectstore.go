package source

import (
	"context"
	"io"
	"strings"

	"corrector/internal/common/storage"
	"corrector/internal/grader/artifact"
	appErr "corrector/pkg/errors"
	"corrector/pkg/utils/logger"

	"go.uber.org/zap"
)

// ObjectStore reads every object below a key prefix as one file set. Keys become paths
// relative to the prefix; object storage carries no mode bits, so files get the default mode.
type ObjectStore struct {
	Storage      storage.ObjectStorage
	Bucket       string
	Prefix       string
	MaxFileBytes int64
}

// NewObjectStore creates an object storage source.
func NewObjectStore(store storage.ObjectStorage, bucket, prefix string, maxFileBytes int64) *ObjectStore {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ObjectStore{Storage: store, Bucket: bucket, Prefix: prefix, MaxFileBytes: maxFileBytes}
}

// Collect downloads the objects under Prefix.
func (o *ObjectStore) Collect(ctx context.Context) ([]artifact.FileEntry, error) {
	if o.Storage == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}
	var entries []artifact.FileEntry
	for obj := range o.Storage.ListObjects(ctx, o.Bucket, o.Prefix) {
		if obj.Err != nil {
			return nil, appErr.Wrapf(obj.Err, appErr.SourceListFailed, "list %s/%s failed", o.Bucket, o.Prefix)
		}
		rel := strings.TrimPrefix(obj.Key, o.Prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if obj.SizeBytes > o.MaxFileBytes {
			logger.Warn(ctx, "skipping oversized object", zap.String("key", obj.Key), zap.Int64("size", obj.SizeBytes), zap.Int64("limit", o.MaxFileBytes))
			continue
		}
		content, err := o.read(ctx, obj.Key)
		if err != nil {
			logger.Warn(ctx, "skipping unreadable object", zap.String("key", obj.Key), logger.Err(err))
			continue
		}
		entries = append(entries, artifact.FileEntry{Path: rel, Content: content})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (o *ObjectStore) read(ctx context.Context, key string) ([]byte, error) {
	reader, err := o.Storage.GetObject(ctx, o.Bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SourceReadFailed, "get object failed")
	}
	defer reader.Close()
	content, err := io.ReadAll(io.LimitReader(reader, o.MaxFileBytes+1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SourceReadFailed, "read object failed")
	}
	if int64(len(content)) > o.MaxFileBytes {
		return nil, appErr.Newf(appErr.SourceTooLarge, "object %s exceeds %d bytes", key, o.MaxFileBytes)
	}
	return content, nil
}
