package searchindex

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/search-index-workers/pkg/blobstore"
)

// Deletes masks segment ordinals. A segment's deletes object is replaced as
// a whole on every merge; the data object is never rewritten.
type Deletes struct {
	cache *ObjectCache[*roaring.Bitmap]
}

func NewDeletes(size int) *Deletes {
	return &Deletes{cache: NewObjectCache(size, decodeBitmap)}
}

func decodeBitmap(raw []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return bm, nil
}

// Load returns the bitmap under key, or an empty one when key is empty.
// Callers must not modify the result.
func (d *Deletes) Load(ctx context.Context, store blobstore.Store, key string) (*roaring.Bitmap, error) {
	if key == "" {
		return roaring.New(), nil
	}
	return d.cache.Load(ctx, store, key)
}

// Merge adds ordinals to the bitmap under key. When that changes the bitmap
// it is written under a new key for segmentID and the new key, its size and
// cardinality are returned; otherwise the returned key is key.
func (d *Deletes) Merge(ctx context.Context, store blobstore.Store, segmentID, key string, ordinals []uint32) (newKey string, size, cardinality uint64, err error) {
	cur, err := d.Load(ctx, store, key)
	if err != nil {
		return "", 0, 0, err
	}
	next := cur.Clone()
	next.AddMany(ordinals)
	if next.GetCardinality() == cur.GetCardinality() {
		return key, cur.GetSerializedSizeInBytes(), cur.GetCardinality(), nil
	}
	next.RunOptimize()
	raw, err := next.ToBytes()
	if err != nil {
		return "", 0, 0, fmt.Errorf("encoding deletes of %s: %w", segmentID, err)
	}
	newKey = DeletesKey(segmentID, uuid.NewString())
	if err := store.Put(ctx, newKey, raw); err != nil {
		return "", 0, 0, fmt.Errorf("writing deletes of %s: %w", segmentID, err)
	}
	d.cache.Put(newKey, next)
	return newKey, uint64(len(raw)), next.GetCardinality(), nil
}
