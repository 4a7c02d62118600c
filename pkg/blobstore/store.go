// Package blobstore stores immutable segment objects. Segment data objects
// are written once and never rewritten; deletion bitmaps are separate objects
// that are replaced under a new key when deletes are merged.
//
// Implementations:
//   - MemoryStore, for tests and the in-memory engine
//   - LocalStore, files on disk written with tmp+fsync+rename
//   - minio.Store, for MinIO and S3-compatible endpoints
//   - s3.Store, for AWS S3 with multipart uploads
package blobstore

import (
	"context"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/errors"
)

// ErrNotFound is returned when an object does not exist. It is the shared
// not-found sentinel, so callers can match either name.
var ErrNotFound = apperrors.ErrNotFound

// Store is the segment object store.
type Store interface {
	// Put writes an object atomically. Readers never observe a partial object.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the whole object or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// JoinKey builds an object key from path-like parts, skipping empty ones.
func JoinKey(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
