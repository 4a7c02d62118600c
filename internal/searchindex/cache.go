package searchindex

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
)

// DefaultCacheSize is the number of decoded objects a kind keeps.
const DefaultCacheSize = 256

// ObjectCache holds decoded segment objects keyed by object key. Objects
// are immutable once written, so an entry never goes stale.
type ObjectCache[V any] struct {
	cache  *lru.Cache[string, V]
	decode func([]byte) (V, error)
}

func NewObjectCache[V any](size int, decode func([]byte) (V, error)) *ObjectCache[V] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, V](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &ObjectCache[V]{cache: c, decode: decode}
}

// Load returns the decoded object under key, reading it from store on a
// miss.
func (c *ObjectCache[V]) Load(ctx context.Context, store blobstore.Store, key string) (V, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	var zero V
	raw, err := store.Get(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("loading %s: %w", key, err)
	}
	v, err := c.decode(raw)
	if err != nil {
		return zero, fmt.Errorf("decoding %s: %w", key, err)
	}
	c.cache.Add(key, v)
	return v, nil
}

// Put caches a freshly written object.
func (c *ObjectCache[V]) Put(key string, v V) {
	c.cache.Add(key, v)
}

func (c *ObjectCache[V]) Len() int { return c.cache.Len() }

// DataKey and DeletesKey name the objects of a segment.
func DataKey(segmentID string) string {
	return blobstore.JoinKey("segments", segmentID, "data")
}

func DeletesKey(segmentID, version string) string {
	return blobstore.JoinKey("segments", segmentID, "deletes-"+version)
}
