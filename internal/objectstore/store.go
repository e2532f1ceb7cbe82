// Package objectstore provides the gateway to the blob backend. Keys are
// opaque bytes here; domain keying lives in storagekey and is composed by
// callers.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error types for object store operations.
var (
	ErrNotFound = errors.New("object not found")
)

// Presign TTL bounds. Requested TTLs are clamped, never rejected.
const (
	MinPresignTTL = time.Minute
	MaxPresignTTL = 7 * 24 * time.Hour
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// ListPage is one page of a prefix listing, stable by lexicographic key.
type ListPage struct {
	Objects    []ObjectInfo
	NextCursor string
}

// Store is the blob backend contract consumed by the storage plane.
type Store interface {
	Put(ctx context.Context, key, contentType string, size int64, body io.Reader) (etag string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete is idempotent: deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix, after string, max int) (ListPage, error)
	Copy(ctx context.Context, srcKey, destKey string) error
	Move(ctx context.Context, srcKey, destKey string) error
	DeleteByPrefix(ctx context.Context, prefix string) (deleted int, errs []error)
	// PrefixSize sums object sizes and counts under a prefix.
	PrefixSize(ctx context.Context, prefix string) (bytes int64, count int64, err error)
	PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ClampTTL bounds a presign TTL to [MinPresignTTL, MaxPresignTTL].
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinPresignTTL {
		return MinPresignTTL
	}
	if ttl > MaxPresignTTL {
		return MaxPresignTTL
	}
	return ttl
}
